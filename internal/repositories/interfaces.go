package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/storefront/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	Carts() CartRepository
	Orders() OrderRepository
	Addresses() AddressRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Repository calls made with the context
// passed to fn join the transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// InventoryLedger is the authoritative stock count per product.
type InventoryLedger interface {
	GetStock(ctx context.Context, productID string) (int, error)
	// DecrementStock applies every decrement or none of them. A shortfall fails with *StockError.
	DecrementStock(ctx context.Context, items []domain.StockDecrement) error
}

// ProductRepository reads catalog products and owns the stock ledger.
type ProductRepository interface {
	InventoryLedger
	Get(ctx context.Context, productID string) (domain.Product, error)
	// GetMany omits ids that do not exist.
	GetMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	Upsert(ctx context.Context, product domain.Product) (domain.Product, error)
}

// CartRepository persists carts and their lines. Lines are unique per (cart, product).
type CartRepository interface {
	FindByOwner(ctx context.Context, owner domain.CartOwner) (domain.Cart, error)
	// Create fails with a conflict when the owner already has a cart.
	Create(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	// InsertLine fails with a conflict when the line already exists.
	InsertLine(ctx context.Context, line domain.CartLine) error
	// UpdateLine overwrites the quantity of an existing line; missing lines report not found.
	UpdateLine(ctx context.Context, line domain.CartLine) error
	// DeleteLine and DeleteLines stamp the cart's UpdatedAt with at, like the line writes above.
	DeleteLine(ctx context.Context, cartID, productID string, at time.Time) error
	DeleteLines(ctx context.Context, cartID string, productIDs []string, at time.Time) error
	ListStaleSessionCarts(ctx context.Context, before time.Time, limit int) ([]domain.Cart, error)
	Delete(ctx context.Context, cartID string) error
}

// OrderRepository stores frozen orders and their status changes.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	ListByOwner(ctx context.Context, owner domain.CartOwner, pager domain.Pagination) (domain.CursorPage[domain.Order], error)
	// UpdateStatus applies the update only when the stored status equals update.From; otherwise it reports a conflict.
	UpdateStatus(ctx context.Context, update OrderStatusUpdate) (domain.Order, error)
}

// AddressRepository exposes owner-scoped address book lookups.
type AddressRepository interface {
	Get(ctx context.Context, owner domain.CartOwner, addressID string) (domain.Address, error)
	Default(ctx context.Context, owner domain.CartOwner) (domain.Address, error)
	List(ctx context.Context, owner domain.CartOwner) ([]domain.Address, error)
	// Upsert stores the address; marking it default clears the flag on the owner's other addresses.
	Upsert(ctx context.Context, address domain.Address) (domain.Address, error)
}

// HealthRepository aggregates dependency checks for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderStatusUpdate describes a guarded status change.
type OrderStatusUpdate struct {
	OrderID        string
	From           domain.OrderStatus
	To             domain.OrderStatus
	TransactionRef *string
	CancelReason   *string
	At             time.Time
}

// ApplyTo copies the update onto the order, stamping the matching status timestamp.
func (u OrderStatusUpdate) ApplyTo(order domain.Order) domain.Order {
	at := u.At.UTC()
	order.Status = u.To
	order.UpdatedAt = at
	if u.TransactionRef != nil {
		order.TransactionRef = *u.TransactionRef
	}
	if u.CancelReason != nil {
		order.CancelReason = *u.CancelReason
	}
	switch u.To {
	case domain.OrderStatusPaid:
		order.PaidAt = &at
	case domain.OrderStatusShipped:
		order.ShippedAt = &at
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &at
	case domain.OrderStatusCancelled:
		order.CancelledAt = &at
	}
	return order
}
