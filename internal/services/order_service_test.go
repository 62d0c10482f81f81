package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	domain "github.com/hanko-field/storefront/internal/domain"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func placeOrder(t *testing.T, env *testEnv, owner domain.CartOwner) Order {
	t.Helper()
	env.seedProduct(t, "p-"+owner.ID, 1200, 3)
	env.seedAddress(t, owner, "addr-"+owner.ID, true)
	env.add(t, owner, "p-"+owner.ID, "1")
	order, err := env.checkout.Checkout(context.Background(), CheckoutCommand{Owner: owner})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	return order
}

func newOrderServiceWithPublisher(t *testing.T, env *testEnv, pub OrderEventPublisher) OrderService {
	t.Helper()
	svc, err := NewOrderService(OrderServiceDeps{Orders: env.store.Orders(), Clock: env.clock.Now, Events: pub, Logger: env.logs.log})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	return svc
}

func TestOrderLifecycleTransitions(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.UserOwner("user-1")
	order := placeOrder(t, env, owner)
	pub := &recordingPublisher{}
	svc := newOrderServiceWithPublisher(t, env, pub)
	ctx := context.Background()

	paid, err := svc.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: "PAID", TransactionRef: "pi_123", ActorID: "staff-1"})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if paid.Status != domain.OrderStatusPaid || paid.PaidAt == nil || paid.TransactionRef != "pi_123" {
		t.Fatalf("unexpected paid order %+v", paid)
	}

	for _, next := range []domain.OrderStatus{domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered} {
		if _, err := svc.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: next}); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}

	_, err = svc.TransitionStatus(ctx, OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusCancelled})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected delivered to be terminal, got %v", err)
	}

	if len(pub.events) != 4 {
		t.Fatalf("expected four status events, got %d", len(pub.events))
	}
	first := pub.events[0]
	if first.Type != OrderEventStatusChanged || first.PreviousStatus != domain.OrderStatusPendingPayment || first.CurrentStatus != domain.OrderStatusPaid || first.ActorID != "staff-1" {
		t.Fatalf("unexpected first event %+v", first)
	}
	if first.Owner != owner.Key() || first.Total != order.Totals.Total {
		t.Fatalf("event must carry owner and total, got %+v", first)
	}
}

func TestTransitionStatusRejectsSkipsAndBadInput(t *testing.T) {
	env := newTestEnv(t)
	order := placeOrder(t, env, domain.UserOwner("user-1"))
	ctx := context.Background()

	cases := []struct {
		name string
		cmd  OrderStatusTransitionCommand
		want error
	}{
		{"skip to shipped", OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusShipped}, ErrOrderInvalidTransition},
		{"same status", OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusPendingPayment}, ErrOrderInvalidTransition},
		{"unknown status", OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: "lost"}, ErrOrderInvalidInput},
		{"missing id", OrderStatusTransitionCommand{TargetStatus: domain.OrderStatusPaid}, ErrOrderInvalidInput},
		{"ref without paid", OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusCancelled, TransactionRef: "pi_1"}, ErrOrderInvalidInput},
		{"unknown order", OrderStatusTransitionCommand{OrderID: "nope", TargetStatus: domain.OrderStatusPaid}, ErrOrderNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.orders.TransitionStatus(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	current, err := env.orders.GetOrder(ctx, domain.UserOwner("user-1"), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if current.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("rejected transitions must not change status, got %s", current.Status)
	}
}

func TestCancelIsOwnerScopedAndKeepsStock(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.UserOwner("user-1")
	order := placeOrder(t, env, owner)
	ctx := context.Background()
	stockBefore := env.stock(t, "p-user-1")

	_, err := env.orders.Cancel(ctx, CancelOrderCommand{Owner: domain.UserOwner("intruder"), OrderID: order.ID})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected foreign cancel to look like not found, got %v", err)
	}

	cancelled, err := env.orders.Cancel(ctx, CancelOrderCommand{Owner: owner, OrderID: order.ID, Reason: "<script>x</script>changed my mind"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("unexpected cancelled order %+v", cancelled)
	}
	if cancelled.CancelReason != "changed my mind" {
		t.Fatalf("expected sanitised reason, got %q", cancelled.CancelReason)
	}
	if got := env.stock(t, "p-user-1"); got != stockBefore {
		t.Fatalf("cancellation must not restock: before %d after %d", stockBefore, got)
	}

	if _, err := env.orders.Cancel(ctx, CancelOrderCommand{Owner: owner, OrderID: order.ID}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected cancelled to be terminal, got %v", err)
	}
}

func TestGetAndListOrdersAreOwnerScoped(t *testing.T) {
	env := newTestEnv(t)
	alice := domain.UserOwner("alice")
	bob := domain.UserOwner("bob")
	first := placeOrder(t, env, alice)
	env.add(t, alice, "p-alice", "1")
	second, err := env.checkout.Checkout(context.Background(), CheckoutCommand{Owner: alice})
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	placeOrder(t, env, bob)
	ctx := context.Background()

	if _, err := env.orders.GetOrder(ctx, bob, first.ID); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected bob not to see alice's order, got %v", err)
	}

	page, err := env.orders.ListOrders(ctx, alice, Pagination{PageSize: 1})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != second.ID || page.NextPageToken == "" {
		t.Fatalf("expected newest order first with a next token, got %+v", page)
	}
	page, err = env.orders.ListOrders(ctx, alice, Pagination{PageSize: 1, PageToken: page.NextPageToken})
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != first.ID || page.NextPageToken != "" {
		t.Fatalf("unexpected second page %+v", page)
	}

	if _, err := env.orders.ListOrders(ctx, alice, Pagination{PageToken: "%%%"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid page token error, got %v", err)
	}
}

func TestPublishFailureDoesNotFailTransition(t *testing.T) {
	env := newTestEnv(t)
	order := placeOrder(t, env, domain.UserOwner("user-1"))
	svc := newOrderServiceWithPublisher(t, env, &recordingPublisher{err: errors.New("topic missing")})

	if _, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusPaid}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !env.logs.has("order.event_publish_failed") {
		t.Fatalf("expected publish failure to be logged")
	}
}

func TestOrderPlacedEvent(t *testing.T) {
	event := OrderPlacedEvent(Order{
		ID:       "ord-1",
		Owner:    domain.SessionOwner("s-1"),
		Status:   domain.OrderStatusPendingPayment,
		Currency: "JPY",
		Lines:    []OrderLine{{ProductID: "p"}},
		Totals:   OrderTotals{Total: 1500, ItemCount: 2},
	})
	if event.Type != OrderEventPlaced || event.Owner != "session:s-1" || event.Total != 1500 {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Metadata["itemCount"] != 2 || event.Metadata["lineCount"] != 1 {
		t.Fatalf("unexpected metadata %+v", event.Metadata)
	}
}

func TestCanTransitionAllowsCancelUntilTerminal(t *testing.T) {
	for _, from := range []domain.OrderStatus{domain.OrderStatusPendingPayment, domain.OrderStatusPaid, domain.OrderStatusProcessing, domain.OrderStatusShipped} {
		if !canTransition(from, domain.OrderStatusCancelled) {
			t.Fatalf("expected %s to allow cancellation", from)
		}
	}
	for _, from := range []domain.OrderStatus{domain.OrderStatusDelivered, domain.OrderStatusCancelled} {
		if canTransition(from, domain.OrderStatusCancelled) {
			t.Fatalf("expected %s to be terminal", from)
		}
	}
}
