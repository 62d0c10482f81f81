package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/storefront/internal/domain"
	pfirestore "github.com/hanko-field/storefront/internal/platform/firestore"
	"github.com/hanko-field/storefront/internal/repositories"
)

const productCollection = "products"

// ProductRepository reads catalog products and applies transactional stock decrements.
type ProductRepository struct {
	base     *pfirestore.BaseRepository[productDocument]
	provider *pfirestore.Provider
	now      func() time.Time
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		base:     pfirestore.NewBaseRepository[productDocument](provider, productCollection, nil, nil),
		provider: provider,
		now:      time.Now,
	}, nil
}

func (r *ProductRepository) Get(ctx context.Context, productID string) (domain.Product, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *ProductRepository) GetMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	docs, err := r.base.GetAll(ctx, productIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Product, len(docs))
	for _, doc := range docs {
		out[doc.ID] = doc.Data.toDomain(doc.ID)
	}
	return out, nil
}

func (r *ProductRepository) Upsert(ctx context.Context, product domain.Product) (domain.Product, error) {
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = r.now().UTC()
	}
	if err := r.base.Set(ctx, id, productFromDomain(product)); err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func (r *ProductRepository) GetStock(ctx context.Context, productID string) (int, error) {
	product, err := r.Get(ctx, productID)
	if err != nil {
		return 0, err
	}
	return product.Stock, nil
}

// DecrementStock reads every product in the batch, then writes the new counts. Firestore requires all reads
// to precede writes inside a transaction.
func (r *ProductRepository) DecrementStock(ctx context.Context, items []domain.StockDecrement) error {
	const op = "products.decrement_stock"
	requested := make(map[string]int, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return fmt.Errorf("%s: invalid quantity %d for %s", op, item.Quantity, item.ProductID)
		}
		if _, seen := requested[item.ProductID]; !seen {
			order = append(order, item.ProductID)
		}
		requested[item.ProductID] += item.Quantity
	}

	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		docs, err := r.base.GetAll(ctx, order)
		if err != nil {
			return err
		}
		stock := make(map[string]int, len(docs))
		for _, doc := range docs {
			stock[doc.ID] = int(doc.Data.Stock)
		}

		var shortfalls []error
		for _, id := range order {
			available, ok := stock[id]
			if !ok {
				return &repositories.StockError{Op: op, Code: repositories.StockErrorProductNotFound, ProductID: id, Requested: requested[id]}
			}
			if available < requested[id] {
				shortfalls = append(shortfalls, repositories.NewInsufficientStockError(op, id, requested[id], available))
			}
		}
		if len(shortfalls) > 0 {
			return errors.Join(shortfalls...)
		}

		now := r.now().UTC()
		for _, id := range order {
			if err := r.base.Update(ctx, id, []firestore.Update{
				{Path: "stock", Value: int64(stock[id] - requested[id])},
				{Path: "updatedAt", Value: now},
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

type productDocument struct {
	Code      string    `firestore:"code"`
	Name      string    `firestore:"name"`
	Price     int64     `firestore:"price"`
	SalePrice *int64    `firestore:"salePrice,omitempty"`
	Currency  string    `firestore:"currency"`
	Stock     int64     `firestore:"stock"`
	Active    bool      `firestore:"active"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func productFromDomain(p domain.Product) productDocument {
	return productDocument{
		Code:      strings.TrimSpace(p.Code),
		Name:      p.Name,
		Price:     p.Price,
		SalePrice: p.SalePrice,
		Currency:  strings.ToUpper(strings.TrimSpace(p.Currency)),
		Stock:     int64(p.Stock),
		Active:    p.Active,
		UpdatedAt: p.UpdatedAt.UTC(),
	}
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:        id,
		Code:      d.Code,
		Name:      d.Name,
		Price:     d.Price,
		SalePrice: d.SalePrice,
		Currency:  d.Currency,
		Stock:     int(d.Stock),
		Active:    d.Active,
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}
