package domain

import (
	"sort"
	"strings"
	"time"
)

// OwnerKind distinguishes authenticated users from anonymous browser sessions.
type OwnerKind string

const (
	// OwnerKindUser identifies carts owned by an authenticated account.
	OwnerKindUser OwnerKind = "user"
	// OwnerKindSession identifies carts keyed by an anonymous session token.
	OwnerKindSession OwnerKind = "session"
)

// CartOwner identifies whose cart (and orders) an operation acts on.
type CartOwner struct {
	Kind OwnerKind
	ID   string
}

// UserOwner returns the owner for an authenticated account.
func UserOwner(uid string) CartOwner {
	return CartOwner{Kind: OwnerKindUser, ID: strings.TrimSpace(uid)}
}

// SessionOwner returns the owner for an anonymous session.
func SessionOwner(sessionID string) CartOwner {
	return CartOwner{Kind: OwnerKindSession, ID: strings.TrimSpace(sessionID)}
}

// ParseOwnerKey reverses CartOwner.Key.
func ParseOwnerKey(key string) (CartOwner, bool) {
	kind, id, ok := strings.Cut(strings.TrimSpace(key), ":")
	if !ok {
		return CartOwner{}, false
	}
	owner := CartOwner{Kind: OwnerKind(kind), ID: strings.TrimSpace(id)}
	if !owner.Valid() {
		return CartOwner{}, false
	}
	return owner, true
}

// Key renders the owner as "user:<uid>" or "session:<sid>".
func (o CartOwner) Key() string {
	if o.IsZero() {
		return ""
	}
	return string(o.Kind) + ":" + o.ID
}

// IsZero reports whether the owner is unset.
func (o CartOwner) IsZero() bool {
	return o.Kind == "" && o.ID == ""
}

// Valid reports whether the owner carries a known kind and a non-empty id.
func (o CartOwner) Valid() bool {
	if strings.TrimSpace(o.ID) == "" {
		return false
	}
	return o.Kind == OwnerKindUser || o.Kind == OwnerKindSession
}

// IsAnonymous reports whether the owner is a session rather than an account.
func (o CartOwner) IsAnonymous() bool {
	return o.Kind == OwnerKindSession
}

func (o CartOwner) String() string {
	return o.Key()
}

// Product is the catalog view the cart engine reads. Stock is the authoritative availability count.
type Product struct {
	ID        string
	Code      string
	Name      string
	Price     int64
	SalePrice *int64
	Currency  string
	Stock     int
	Active    bool
	UpdatedAt time.Time
}

// Available reports whether the product can be placed in a cart at all.
func (p Product) Available() bool {
	return p.Active && p.Stock > 0
}

// Cart is the mutable per-owner collection of lines. Lines are keyed by product id.
type Cart struct {
	ID        string
	Owner     CartOwner
	Lines     map[string]CartLine
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Line returns the line for the product, if present.
func (c Cart) Line(productID string) (CartLine, bool) {
	if c.Lines == nil {
		return CartLine{}, false
	}
	line, ok := c.Lines[productID]
	return line, ok
}

// SortedLines returns the lines ordered by the time they were first added.
func (c Cart) SortedLines() []CartLine {
	lines := make([]CartLine, 0, len(c.Lines))
	for _, line := range c.Lines {
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].AddedAt.Equal(lines[j].AddedAt) {
			return lines[i].ProductID < lines[j].ProductID
		}
		return lines[i].AddedAt.Before(lines[j].AddedAt)
	})
	return lines
}

// ProductIDs lists the products referenced by the cart in line order.
func (c Cart) ProductIDs() []string {
	lines := c.SortedLines()
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}

// CartLine is a (cart, product) pair with a positive quantity.
type CartLine struct {
	CartID    string
	ProductID string
	Quantity  int
	AddedAt   time.Time
	UpdatedAt time.Time
}

// AdjustmentKind classifies what reconciliation did to a line.
type AdjustmentKind string

const (
	// AdjustmentRemoved means the line was deleted.
	AdjustmentRemoved AdjustmentKind = "removed"
	// AdjustmentClamped means the line quantity was reduced to the available stock.
	AdjustmentClamped AdjustmentKind = "adjusted"
)

// AdjustmentReason explains why reconciliation touched a line.
type AdjustmentReason string

const (
	AdjustmentReasonOutOfStock      AdjustmentReason = "out_of_stock"
	AdjustmentReasonInactive        AdjustmentReason = "inactive"
	AdjustmentReasonMissing         AdjustmentReason = "missing"
	AdjustmentReasonStockReduced    AdjustmentReason = "stock_reduced"
	// AdjustmentReasonInvalidQuantity marks a stored line whose quantity is not positive.
	AdjustmentReasonInvalidQuantity AdjustmentReason = "invalid_quantity"
)

// CartAdjustment reports a single reconciliation event.
type CartAdjustment struct {
	ProductID        string
	ProductName      string
	Kind             AdjustmentKind
	Reason           AdjustmentReason
	PreviousQuantity int
	Quantity         int
	Available        int
}

// StockDecrement is one leg of an all-or-nothing stock decrement batch.
type StockDecrement struct {
	ProductID string
	Quantity  int
}

// Address is an entry in an owner's address book.
type Address struct {
	ID         string
	Owner      CartOwner
	Label      string
	Recipient  string
	Company    string
	Line1      string
	Line2      string
	City       string
	Region     string
	PostalCode string
	Country    string
	Phone      string
	IsDefault  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AddressSnapshot is the frozen copy of an address stored on an order.
type AddressSnapshot struct {
	Label      string
	Recipient  string
	Company    string
	Line1      string
	Line2      string
	City       string
	Region     string
	PostalCode string
	Country    string
	Phone      string
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPendingPayment is the initial state of every order.
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	// OrderStatusPaid indicates the external payment was confirmed.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusProcessing indicates the order is being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order left the warehouse.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered is terminal.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled is terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPendingPayment, OrderStatusPaid, OrderStatusProcessing,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// Order is the immutable record produced by checkout. Only the status fields change afterwards.
type Order struct {
	ID              string
	Owner           CartOwner
	Status          OrderStatus
	Currency        string
	Lines           []OrderLine
	Totals          OrderTotals
	ShippingAddress AddressSnapshot
	TransactionRef  string
	CancelReason    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PaidAt          *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
}

// OrderLine snapshots the product name, code and effective price at checkout.
type OrderLine struct {
	ProductID   string
	ProductCode string
	Name        string
	UnitPrice   int64
	Quantity    int
	Subtotal    int64
}

// OrderTotals are computed once at checkout and stored.
type OrderTotals struct {
	Subtotal  int64
	Shipping  int64
	Total     int64
	ItemCount int
}

// Pagination captures cursor based paging inputs.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency check.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for readiness endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	GeneratedAt time.Time
}
