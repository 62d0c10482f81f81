package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/pagination"
	"github.com/hanko-field/storefront/internal/platform/textutil"
	"github.com/hanko-field/storefront/internal/repositories"
)

const (
	// OrderEventPlaced is emitted once checkout commits.
	OrderEventPlaced = "order.placed"
	// OrderEventStatusChanged is emitted after every accepted transition.
	OrderEventStatusChanged = "order.status_changed"

	maxCancelReasonLength = 500
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPendingPayment: {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:           {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing:     {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:        {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	Owner          string
	PreviousStatus OrderStatus
	CurrentStatus  OrderStatus
	Total          int64
	Currency       string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// OrderPlacedEvent describes a freshly committed order.
func OrderPlacedEvent(order Order) OrderEvent {
	return OrderEvent{
		Type:          OrderEventPlaced,
		OrderID:       order.ID,
		Owner:         order.Owner.Key(),
		CurrentStatus: order.Status,
		Total:         order.Totals.Total,
		Currency:      order.Currency,
		OccurredAt:    order.CreatedAt,
		Metadata: map[string]any{
			"itemCount": order.Totals.ItemCount,
			"lineCount": len(order.Lines),
		},
	}
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders repositories.OrderRepository
	Clock  func() time.Time
	Events OrderEventPublisher
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders repositories.OrderRepository
	now    func() time.Time
	events OrderEventPublisher
	logger func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderService{
		orders: deps.Orders,
		now:    func() time.Time { return clock().UTC() },
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, owner CartOwner, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if !validOwner(owner) || orderID == "" {
		return Order{}, ErrOrderInvalidInput
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if order.Owner.Key() != owner.Key() {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, owner CartOwner, pager Pagination) (domain.CursorPage[Order], error) {
	if !validOwner(owner) {
		return domain.CursorPage[Order]{}, ErrOrderInvalidInput
	}
	if pager.PageSize < 0 {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: page size must not be negative", ErrOrderInvalidInput)
	}
	page, err := s.orders.ListByOwner(ctx, owner, pager)
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: invalid page token", ErrOrderInvalidInput)
		}
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(string(cmd.TargetStatus))))
	if !target.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.TargetStatus)
	}
	update := repositories.OrderStatusUpdate{OrderID: orderID, To: target}
	if ref := textutil.Truncate(textutil.PlainText(cmd.TransactionRef), maxTransactionRefLength); ref != "" {
		if target != domain.OrderStatusPaid {
			return Order{}, fmt.Errorf("%w: transaction reference is only accepted when marking paid", ErrOrderInvalidInput)
		}
		update.TransactionRef = &ref
	}
	return s.transition(ctx, CartOwner{}, update, strings.TrimSpace(cmd.ActorID))
}

// Cancel moves a non-terminal order to cancelled. Stock is not returned to the ledger.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	reason := textutil.Truncate(textutil.PlainText(cmd.Reason), maxCancelReasonLength)
	update := repositories.OrderStatusUpdate{OrderID: orderID, To: domain.OrderStatusCancelled}
	if reason != "" {
		update.CancelReason = &reason
	}
	return s.transition(ctx, cmd.Owner, update, strings.TrimSpace(cmd.ActorID))
}

// transition validates against the status machine and writes with a compare-and-set on the current status.
func (s *orderService) transition(ctx context.Context, owner CartOwner, update repositories.OrderStatusUpdate, actor string) (Order, error) {
	order, err := s.orders.FindByID(ctx, update.OrderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !owner.IsZero() && order.Owner.Key() != owner.Key() {
		return Order{}, ErrOrderNotFound
	}
	if !canTransition(order.Status, update.To) {
		return Order{}, fmt.Errorf("%w: %s to %s", ErrOrderInvalidTransition, order.Status, update.To)
	}

	update.From = order.Status
	update.At = s.now()
	saved, err := s.orders.UpdateStatus(ctx, update)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	event := OrderEvent{
		Type:           OrderEventStatusChanged,
		OrderID:        saved.ID,
		Owner:          saved.Owner.Key(),
		PreviousStatus: update.From,
		CurrentStatus:  saved.Status,
		Total:          saved.Totals.Total,
		Currency:       saved.Currency,
		ActorID:        actor,
		OccurredAt:     update.At,
	}
	if update.CancelReason != nil {
		event.Metadata = map[string]any{"reason": *update.CancelReason}
	}
	s.publishEvent(ctx, event)
	return saved, nil
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	s.logger(ctx, event.Type, map[string]any{
		"orderID": event.OrderID,
		"from":    string(event.PreviousStatus),
		"to":      string(event.CurrentStatus),
		"actor":   event.ActorID,
	})
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event_publish_failed", map[string]any{
			"orderID": event.OrderID,
			"type":    event.Type,
			"error":   err.Error(),
		})
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	return translateRepoError(err, ErrOrderNotFound, ErrOrderConflict, ErrOrderUnavailable)
}

func canTransition(current, target domain.OrderStatus) bool {
	if current.Terminal() {
		return false
	}
	return slices.Contains(orderStateTransitions[current], target)
}
