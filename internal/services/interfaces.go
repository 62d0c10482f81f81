package services

import (
	"context"
	"time"

	domain "github.com/hanko-field/storefront/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	CartOwner          = domain.CartOwner
	Cart               = domain.Cart
	CartLine           = domain.CartLine
	CartAdjustment     = domain.CartAdjustment
	Product            = domain.Product
	Order              = domain.Order
	OrderLine          = domain.OrderLine
	OrderTotals        = domain.OrderTotals
	OrderStatus        = domain.OrderStatus
	Address            = domain.Address
	AddressSnapshot    = domain.AddressSnapshot
	SystemHealthReport = domain.SystemHealthReport
)

// CartService keeps an owner's cart consistent with the inventory ledger.
type CartService interface {
	AddOrIncrement(ctx context.Context, cmd AddToCartCommand) (CartLineResult, error)
	Reconcile(ctx context.Context, owner CartOwner) ([]CartAdjustment, error)
	ChangeQuantity(ctx context.Context, cmd ChangeQuantityCommand) (CartLineResult, error)
	RemoveLine(ctx context.Context, owner CartOwner, lineID string) error
	View(ctx context.Context, owner CartOwner) (CartView, error)
	MergeSessionCart(ctx context.Context, session, user CartOwner) (MergeResult, error)
	PurgeStaleSessions(ctx context.Context, olderThan time.Duration) (int, error)
}

// CheckoutService freezes a reconciled cart into an order.
type CheckoutService interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (Order, error)
}

// OrderService reads orders and drives their status machine.
type OrderService interface {
	GetOrder(ctx context.Context, owner CartOwner, orderID string) (Order, error)
	ListOrders(ctx context.Context, owner CartOwner, pager Pagination) (domain.CursorPage[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
}

// SystemService exposes health reporting.
type SystemService interface {
	HealthReport(ctx context.Context) (HealthReport, error)
}

// AddToCartCommand carries the raw quantity exactly as the client sent it.
type AddToCartCommand struct {
	Owner     CartOwner
	ProductID string
	Quantity  string
}

// QuantityDirection selects the single-step change applied by ChangeQuantity.
type QuantityDirection string

const (
	QuantityIncrement QuantityDirection = "increment"
	QuantityDecrement QuantityDirection = "decrement"
)

// ChangeQuantityCommand steps one line up or down by one unit.
type ChangeQuantityCommand struct {
	Owner     CartOwner
	LineID    string
	Direction QuantityDirection
}

// CartLineResult reports the line after a mutation. Removed is set when the line was deleted.
type CartLineResult struct {
	ProductID string
	Quantity  int
	Removed   bool
}

// CartViewLine is a priced cart line.
type CartViewLine struct {
	LineID      string
	ProductID   string
	ProductCode string
	Name        string
	UnitPrice   int64
	Quantity    int
	Subtotal    int64
	Available   int
	AddedAt     time.Time
}

// CartView is the reconciled cart with display totals.
type CartView struct {
	CartID      string
	Owner       CartOwner
	Currency    string
	Lines       []CartViewLine
	Subtotal    int64
	ItemCount   int
	Adjustments []CartAdjustment
	UpdatedAt   time.Time
}

// MergeResult reports what moving an anonymous cart into an account cart did.
type MergeResult struct {
	Merged      []CartLineResult
	Adjustments []CartAdjustment
}

// CheckoutCommand requests an order for the owner's cart. AddressID falls back to the owner's default address.
type CheckoutCommand struct {
	Owner          CartOwner
	AddressID      string
	TransactionRef string
}

// OrderStatusTransitionCommand moves an order to a new status.
type OrderStatusTransitionCommand struct {
	OrderID        string
	TargetStatus   OrderStatus
	TransactionRef string
	ActorID        string
}

// CancelOrderCommand cancels an order. A non-zero Owner restricts the cancellation to that owner's orders.
type CancelOrderCommand struct {
	Owner   CartOwner
	OrderID string
	Reason  string
	ActorID string
}

// HealthReport combines dependency checks with build metadata.
type HealthReport struct {
	SystemHealthReport
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
}
