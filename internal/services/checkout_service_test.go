package services

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

func TestCheckoutCreatesOrderAndDecrementsStock(t *testing.T) {
	var hookCalls atomic.Int32
	hooks := []CheckoutHook{
		{Name: "count", Run: func(context.Context, Order) error { hookCalls.Add(1); return nil }},
		{Name: "broken", Run: func(context.Context, Order) error { return errors.New("downstream offline") }},
	}
	env := newTestEnv(t, withHooks(hooks...))
	owner := domain.UserOwner("user-1")
	env.seedProduct(t, "p-1", 1000, 5)
	env.seedProduct(t, "p-2", 300, 4)
	env.seedAddress(t, owner, "addr-1", true)
	env.add(t, owner, "p-1", "2")
	env.add(t, owner, "p-2", "1")

	order, err := env.checkout.Checkout(context.Background(), CheckoutCommand{Owner: owner, TransactionRef: " <b>txn-42</b> "})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if order.ID != "ord-1" || order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("unexpected order header %+v", order)
	}
	if order.Totals.Subtotal != 2300 || order.Totals.Shipping != 500 || order.Totals.Total != 2800 || order.Totals.ItemCount != 3 {
		t.Fatalf("unexpected totals %+v", order.Totals)
	}
	if len(order.Lines) != 2 || order.Lines[0].ProductID != "p-1" || order.Lines[0].Name != "Product p-1" {
		t.Fatalf("unexpected lines %+v", order.Lines)
	}
	if order.ShippingAddress.Country != "JP" || order.ShippingAddress.Recipient != "Hanako Yamada" {
		t.Fatalf("unexpected address snapshot %+v", order.ShippingAddress)
	}
	if order.TransactionRef != "txn-42" {
		t.Fatalf("expected sanitised transaction ref, got %q", order.TransactionRef)
	}

	if got := env.stock(t, "p-1"); got != 3 {
		t.Fatalf("expected p-1 stock 3, got %d", got)
	}
	if got := env.stock(t, "p-2"); got != 3 {
		t.Fatalf("expected p-2 stock 3, got %d", got)
	}
	if len(env.lines(t, owner)) != 0 {
		t.Fatalf("expected ordered lines to be cleared")
	}
	if hookCalls.Load() != 1 {
		t.Fatalf("expected hook to run once, got %d", hookCalls.Load())
	}
	if !env.logs.has("checkout.hook_failed") {
		t.Fatalf("expected failing hook to be logged")
	}
	stored, err := env.store.Orders().FindByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("find order: %v", err)
	}
	if stored.Totals.Total != 2800 {
		t.Fatalf("stored order total mismatch: %d", stored.Totals.Total)
	}
}

func TestCheckoutOrderPricesAreFrozen(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.UserOwner("user-1")
	env.seedProduct(t, "p-1", 1000, 5)
	env.updateProduct(t, "p-1", func(p *domain.Product) { sale := int64(800); p.SalePrice = &sale })
	env.seedAddress(t, owner, "addr-1", true)
	env.add(t, owner, "p-1", "1")

	order, err := env.checkout.Checkout(context.Background(), CheckoutCommand{Owner: owner})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if order.Lines[0].UnitPrice != 800 {
		t.Fatalf("expected sale price to be charged, got %d", order.Lines[0].UnitPrice)
	}

	env.updateProduct(t, "p-1", func(p *domain.Product) {
		p.Price = 5000
		p.SalePrice = nil
		p.Name = "Renamed"
	})

	fetched, err := env.orders.GetOrder(context.Background(), owner, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if fetched.Lines[0].UnitPrice != 800 || fetched.Lines[0].Name != "Product p-1" || fetched.Totals.Total != 1300 {
		t.Fatalf("order must not follow catalog changes: %+v", fetched)
	}
}

func TestCheckoutRejectsTotalsBeyondInt64(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.UserOwner("user-1")
	env.seedProduct(t, "p-1", math.MaxInt64/2, 5)
	env.seedAddress(t, owner, "addr-1", true)
	env.add(t, owner, "p-1", "3")

	_, err := env.checkout.Checkout(context.Background(), CheckoutCommand{Owner: owner})
	if !errors.Is(err, ErrCheckoutInvalidInput) || !errors.Is(err, domain.ErrAmountOverflow) {
		t.Fatalf("expected overflow to be rejected as invalid input, got %v", err)
	}
	if got := env.stock(t, "p-1"); got != 5 {
		t.Fatalf("expected stock untouched, got %d", got)
	}
	if got := env.lines(t, owner)["p-1"].Quantity; got != 3 {
		t.Fatalf("expected cart untouched, got %d", got)
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.UserOwner("user-1")
	env.seedAddress(t, owner, "addr-1", true)

	if _, err := env.checkout.Checkout(context.Background(), CheckoutCommand{Owner: owner}); !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected empty cart for missing cart, got %v", err)
	}

	env.seedProduct(t, "p-1", 1000, 5)
	env.add(t, owner, "p-1", "1")
	if err := env.cart.RemoveLine(context.Background(), owner, "p-1"); err != nil {
		t.Fatalf("remove line: %v", err)
	}
	if _, err := env.checkout.Checkout(context.Background(), CheckoutCommand{Owner: owner}); !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected empty cart for cart without lines, got %v", err)
	}
}

func TestCheckoutAbortsWhenReconciliationAdjusts(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.UserOwner("user-1")
	env.seedProduct(t, "p-1", 1000, 5)
	env.seedAddress(t, owner, "addr-1", true)
	env.add(t, owner, "p-1", "3")
	env.updateProduct(t, "p-1", func(p *domain.Product) { p.Stock = 2 })

	_, err := env.checkout.Checkout(context.Background(), CheckoutCommand{Owner: owner})
	var aborted *CheckoutAbortedError
	if !errors.As(err, &aborted) {
		t.Fatalf("expected aborted checkout, got %v", err)
	}
	if len(aborted.Adjustments) != 1 || aborted.Adjustments[0].Kind != domain.AdjustmentClamped {
		t.Fatalf("unexpected adjustments %+v", aborted.Adjustments)
	}
	if got := env.stock(t, "p-1"); got != 2 {
		t.Fatalf("aborted checkout must not touch stock, got %d", got)
	}
	if got := env.lines(t, owner)["p-1"].Quantity; got != 2 {
		t.Fatalf("expected cart clamped to 2, got %d", got)
	}

	order, err := env.checkout.Checkout(context.Background(), CheckoutCommand{Owner: owner})
	if err != nil {
		t.Fatalf("retry checkout: %v", err)
	}
	if order.Totals.ItemCount != 2 || env.stock(t, "p-1") != 0 {
		t.Fatalf("expected retry to order the clamped quantity")
	}
}

func TestCheckoutAddressResolution(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.UserOwner("user-1")
	other := domain.UserOwner("user-2")
	env.seedProduct(t, "p-1", 1000, 5)
	env.add(t, owner, "p-1", "1")
	ctx := context.Background()

	if _, err := env.checkout.Checkout(ctx, CheckoutCommand{Owner: owner}); !errors.Is(err, ErrAddressNotFound) {
		t.Fatalf("expected address not found without default, got %v", err)
	}

	env.seedAddress(t, other, "addr-other", true)
	if _, err := env.checkout.Checkout(ctx, CheckoutCommand{Owner: owner, AddressID: "addr-other"}); !errors.Is(err, ErrAddressNotFound) {
		t.Fatalf("expected foreign address to be invisible, got %v", err)
	}
	if got := env.stock(t, "p-1"); got != 5 {
		t.Fatalf("failed checkout must not touch stock, got %d", got)
	}

	env.seedAddress(t, owner, "addr-home", false)
	order, err := env.checkout.Checkout(ctx, CheckoutCommand{Owner: owner, AddressID: "addr-home"})
	if err != nil {
		t.Fatalf("checkout with explicit address: %v", err)
	}
	if order.ShippingAddress.City != "Chiyoda" {
		t.Fatalf("unexpected snapshot %+v", order.ShippingAddress)
	}
}

func TestSnapshotAddressValidates(t *testing.T) {
	_, err := snapshotAddress(domain.Address{Recipient: "<i></i>", Line1: "x", City: "y", Country: "JP"})
	if !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected invalid input for empty recipient, got %v", err)
	}
	_, err = snapshotAddress(domain.Address{Recipient: "a", Line1: "x", City: "y", Country: "Atlantis"})
	if !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected invalid input for unknown country, got %v", err)
	}
}

type workerKey struct{}

// barrierUnitOfWork holds every worker at its second unit of work (the freeze step) until all workers arrive.
type barrierUnitOfWork struct {
	inner   repositories.UnitOfWork
	arrived sync.WaitGroup
	mu      sync.Mutex
	calls   map[any]int
}

func newBarrierUnitOfWork(inner repositories.UnitOfWork, workers int) *barrierUnitOfWork {
	b := &barrierUnitOfWork{inner: inner, calls: map[any]int{}}
	b.arrived.Add(workers)
	return b
}

func (b *barrierUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if id := ctx.Value(workerKey{}); id != nil {
		b.mu.Lock()
		b.calls[id]++
		n := b.calls[id]
		b.mu.Unlock()
		if n == 2 {
			b.arrived.Done()
			b.arrived.Wait()
		}
	}
	return b.inner.RunInTx(ctx, fn)
}

func TestConcurrentCheckoutsForLastUnit(t *testing.T) {
	var barrier *barrierUnitOfWork
	env := newTestEnv(t, func(c *CartServiceDeps, co *CheckoutServiceDeps) {
		barrier = newBarrierUnitOfWork(co.UnitOfWork, 2)
		co.UnitOfWork = barrier
	})
	env.seedProduct(t, "last", 1000, 1)
	owners := []domain.CartOwner{domain.UserOwner("alice"), domain.UserOwner("bob")}
	for _, owner := range owners {
		env.seedAddress(t, owner, "addr-"+owner.ID, true)
		env.add(t, owner, "last", "1")
	}

	var (
		mu      sync.Mutex
		orders  []Order
		losses  []*CheckoutRaceLostError
		group   errgroup.Group
		loserOf = map[string]bool{}
	)
	for i, owner := range owners {
		group.Go(func() error {
			ctx := context.WithValue(context.Background(), workerKey{}, i)
			order, err := env.checkout.Checkout(ctx, CheckoutCommand{Owner: owner})
			mu.Lock()
			defer mu.Unlock()
			var raceErr *CheckoutRaceLostError
			switch {
			case err == nil:
				orders = append(orders, order)
			case errors.As(err, &raceErr):
				losses = append(losses, raceErr)
				loserOf[owner.ID] = true
			default:
				return err
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("unexpected checkout failure: %v", err)
	}

	if len(orders) != 1 || len(losses) != 1 {
		t.Fatalf("expected one winner and one loser, got %d orders and %d losses", len(orders), len(losses))
	}
	if got := env.stock(t, "last"); got != 0 {
		t.Fatalf("expected stock 0, got %d", got)
	}
	if len(losses[0].Lines) != 1 || losses[0].Lines[0].ProductID != "last" || losses[0].Lines[0].Available != 0 {
		t.Fatalf("unexpected race detail %+v", losses[0].Lines)
	}
	if adj := losses[0].Adjustments; len(adj) != 1 || adj[0].Kind != domain.AdjustmentRemoved || adj[0].Reason != domain.AdjustmentReasonOutOfStock {
		t.Fatalf("expected the lost line to be reported as removed, got %+v", adj)
	}
	for _, owner := range owners {
		lines := env.lines(t, owner)
		if loserOf[owner.ID] {
			if _, ok := lines["last"]; ok {
				t.Fatalf("loser's cart must be reconciled to the remaining stock, got %+v", lines)
			}
			continue
		}
		if len(lines) != 0 {
			t.Fatalf("winner's cart must be cleared, got %+v", lines)
		}
	}
	if !env.logs.has("checkout.race_lost") {
		t.Fatalf("expected race loss to be logged")
	}
}

func TestNewCheckoutServiceRequiresUnitOfWork(t *testing.T) {
	env := newTestEnv(t)
	_, err := NewCheckoutService(CheckoutServiceDeps{
		Carts:     env.store.Carts(),
		Products:  env.store.Products(),
		Orders:    env.store.Orders(),
		Addresses: env.store.Addresses(),
	})
	if err == nil {
		t.Fatalf("expected missing unit of work to be rejected")
	}
}
