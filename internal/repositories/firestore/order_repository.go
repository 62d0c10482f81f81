package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/storefront/internal/domain"
	pfirestore "github.com/hanko-field/storefront/internal/platform/firestore"
	"github.com/hanko-field/storefront/internal/platform/pagination"
	"github.com/hanko-field/storefront/internal/repositories"
)

const orderCollection = "orders"

// OrderRepository persists orders with their frozen lines and shipping snapshot embedded in one document.
type OrderRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	provider *pfirestore.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		base:     pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil),
		provider: provider,
	}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	return r.base.Create(ctx, order.ID, orderFromDomain(order))
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ListByOwner pages newest first, breaking createdAt ties by descending document id.
func (r *OrderRepository) ListByOwner(ctx context.Context, owner domain.CartOwner, pager domain.Pagination) (domain.CursorPage[domain.Order], error) {
	afterTime, afterID, hasCursor, err := pagination.DecodeTimeCursor(pager.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, repositories.WrapStoreError("orders.list", err)
	}
	size := pagination.ClampPageSize(pager.PageSize)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("ownerKey", "==", owner.Key()).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if hasCursor {
			q = q.StartAfter(afterTime.UTC(), afterID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{}
	for i, doc := range docs {
		if i == size {
			last := page.Items[len(page.Items)-1]
			token, err := pagination.EncodeTimeCursor(last.CreatedAt, last.ID)
			if err != nil {
				return domain.CursorPage[domain.Order]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	return page, nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	var saved domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		doc, err := r.base.Get(ctx, update.OrderID)
		if err != nil {
			return err
		}
		current := doc.Data.toDomain(doc.ID)
		if current.Status != update.From {
			return pfirestore.ConflictError("orders.update_status", "order %s is %s, expected %s", update.OrderID, current.Status, update.From)
		}
		saved = update.ApplyTo(current)
		return r.base.Set(ctx, update.OrderID, orderFromDomain(saved))
	})
	if err != nil {
		return domain.Order{}, err
	}
	return saved, nil
}

type orderDocument struct {
	OwnerKind       string              `firestore:"ownerKind"`
	OwnerID         string              `firestore:"ownerId"`
	OwnerKey        string              `firestore:"ownerKey"`
	Status          string              `firestore:"status"`
	Currency        string              `firestore:"currency"`
	Lines           []orderLineDocument `firestore:"lines"`
	Totals          orderTotalsDocument `firestore:"totals"`
	ShippingAddress addressSnapshotDoc  `firestore:"shippingAddress"`
	TransactionRef  string              `firestore:"transactionRef,omitempty"`
	CancelReason    string              `firestore:"cancelReason,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	PaidAt          *time.Time          `firestore:"paidAt,omitempty"`
	ShippedAt       *time.Time          `firestore:"shippedAt,omitempty"`
	DeliveredAt     *time.Time          `firestore:"deliveredAt,omitempty"`
	CancelledAt     *time.Time          `firestore:"cancelledAt,omitempty"`
}

type orderLineDocument struct {
	ProductID   string `firestore:"productId"`
	ProductCode string `firestore:"productCode"`
	Name        string `firestore:"name"`
	UnitPrice   int64  `firestore:"unitPrice"`
	Quantity    int64  `firestore:"quantity"`
	Subtotal    int64  `firestore:"subtotal"`
}

type orderTotalsDocument struct {
	Subtotal  int64 `firestore:"subtotal"`
	Shipping  int64 `firestore:"shipping"`
	Total     int64 `firestore:"total"`
	ItemCount int64 `firestore:"itemCount"`
}

type addressSnapshotDoc struct {
	Label      string `firestore:"label,omitempty"`
	Recipient  string `firestore:"recipient"`
	Company    string `firestore:"company,omitempty"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	Region     string `firestore:"region,omitempty"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
	Phone      string `firestore:"phone,omitempty"`
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func orderFromDomain(o domain.Order) orderDocument {
	lines := make([]orderLineDocument, 0, len(o.Lines))
	for _, line := range o.Lines {
		lines = append(lines, orderLineDocument{
			ProductID:   line.ProductID,
			ProductCode: line.ProductCode,
			Name:        line.Name,
			UnitPrice:   line.UnitPrice,
			Quantity:    int64(line.Quantity),
			Subtotal:    line.Subtotal,
		})
	}
	a := o.ShippingAddress
	return orderDocument{
		OwnerKind: string(o.Owner.Kind),
		OwnerID:   o.Owner.ID,
		OwnerKey:  o.Owner.Key(),
		Status:    string(o.Status),
		Currency:  o.Currency,
		Lines:     lines,
		Totals: orderTotalsDocument{
			Subtotal:  o.Totals.Subtotal,
			Shipping:  o.Totals.Shipping,
			Total:     o.Totals.Total,
			ItemCount: int64(o.Totals.ItemCount),
		},
		ShippingAddress: addressSnapshotDoc{
			Label: a.Label, Recipient: a.Recipient, Company: a.Company, Line1: a.Line1, Line2: a.Line2,
			City: a.City, Region: a.Region, PostalCode: a.PostalCode, Country: a.Country, Phone: a.Phone,
		},
		TransactionRef: o.TransactionRef,
		CancelReason:   o.CancelReason,
		CreatedAt:      o.CreatedAt.UTC(),
		UpdatedAt:      o.UpdatedAt.UTC(),
		PaidAt:         utcPtr(o.PaidAt),
		ShippedAt:      utcPtr(o.ShippedAt),
		DeliveredAt:    utcPtr(o.DeliveredAt),
		CancelledAt:    utcPtr(o.CancelledAt),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	lines := make([]domain.OrderLine, 0, len(d.Lines))
	for _, line := range d.Lines {
		lines = append(lines, domain.OrderLine{
			ProductID:   line.ProductID,
			ProductCode: line.ProductCode,
			Name:        line.Name,
			UnitPrice:   line.UnitPrice,
			Quantity:    int(line.Quantity),
			Subtotal:    line.Subtotal,
		})
	}
	a := d.ShippingAddress
	return domain.Order{
		ID:       id,
		Owner:    domain.CartOwner{Kind: domain.OwnerKind(d.OwnerKind), ID: d.OwnerID},
		Status:   domain.OrderStatus(d.Status),
		Currency: d.Currency,
		Lines:    lines,
		Totals: domain.OrderTotals{
			Subtotal:  d.Totals.Subtotal,
			Shipping:  d.Totals.Shipping,
			Total:     d.Totals.Total,
			ItemCount: int(d.Totals.ItemCount),
		},
		ShippingAddress: domain.AddressSnapshot{
			Label: a.Label, Recipient: a.Recipient, Company: a.Company, Line1: a.Line1, Line2: a.Line2,
			City: a.City, Region: a.Region, PostalCode: a.PostalCode, Country: a.Country, Phone: a.Phone,
		},
		TransactionRef: d.TransactionRef,
		CancelReason:   d.CancelReason,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
		PaidAt:         utcPtr(d.PaidAt),
		ShippedAt:      utcPtr(d.ShippedAt),
		DeliveredAt:    utcPtr(d.DeliveredAt),
		CancelledAt:    utcPtr(d.CancelledAt),
	}
}
