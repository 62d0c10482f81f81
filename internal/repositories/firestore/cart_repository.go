package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/storefront/internal/domain"
	pfirestore "github.com/hanko-field/storefront/internal/platform/firestore"
	"github.com/hanko-field/storefront/internal/repositories"
)

const (
	cartCollection      = "carts"
	cartOwnerCollection = "cart_owners"
	cartLineCollection  = "cart_lines"
)

// CartRepository stores cart headers keyed by cart id, an owner index enforcing one cart per owner, and one
// document per (cart, product) line.
type CartRepository struct {
	carts    *pfirestore.BaseRepository[cartDocument]
	owners   *pfirestore.BaseRepository[cartOwnerDocument]
	lines    *pfirestore.BaseRepository[cartLineDocument]
	provider *pfirestore.Provider
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		carts:    pfirestore.NewBaseRepository[cartDocument](provider, cartCollection, nil, nil),
		owners:   pfirestore.NewBaseRepository[cartOwnerDocument](provider, cartOwnerCollection, nil, nil),
		lines:    pfirestore.NewBaseRepository[cartLineDocument](provider, cartLineCollection, nil, nil),
		provider: provider,
	}, nil
}

func lineDocID(cartID, productID string) string {
	return cartID + "_" + productID
}

func (r *CartRepository) FindByOwner(ctx context.Context, owner domain.CartOwner) (domain.Cart, error) {
	index, err := r.owners.Get(ctx, owner.Key())
	if err != nil {
		return domain.Cart{}, err
	}
	doc, err := r.carts.Get(ctx, index.Data.CartID)
	if err != nil {
		return domain.Cart{}, err
	}
	cart := doc.Data.toDomain(doc.ID)
	if cart.Lines, err = r.loadLines(ctx, doc.ID); err != nil {
		return domain.Cart{}, err
	}
	return cart, nil
}

func (r *CartRepository) loadLines(ctx context.Context, cartID string) (map[string]domain.CartLine, error) {
	docs, err := r.lines.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("cartId", "==", cartID)
	})
	if err != nil {
		return nil, err
	}
	lines := make(map[string]domain.CartLine, len(docs))
	for _, doc := range docs {
		line := doc.Data.toDomain()
		lines[line.ProductID] = line
	}
	return lines, nil
}

// Create writes the owner index and the cart header together; an existing index document is a conflict.
func (r *CartRepository) Create(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		if err := r.owners.Create(ctx, cart.Owner.Key(), cartOwnerDocument{CartID: cart.ID}); err != nil {
			return err
		}
		return r.carts.Create(ctx, cart.ID, cartFromDomain(cart))
	})
	if err != nil {
		return domain.Cart{}, err
	}
	if cart.Lines == nil {
		cart.Lines = map[string]domain.CartLine{}
	}
	return cart, nil
}

func (r *CartRepository) InsertLine(ctx context.Context, line domain.CartLine) error {
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		if err := r.lines.Create(ctx, lineDocID(line.CartID, line.ProductID), cartLineFromDomain(line)); err != nil {
			return err
		}
		return r.touch(ctx, line.CartID, line.UpdatedAt)
	})
}

func (r *CartRepository) UpdateLine(ctx context.Context, line domain.CartLine) error {
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		if err := r.lines.Update(ctx, lineDocID(line.CartID, line.ProductID), []firestore.Update{
			{Path: "quantity", Value: int64(line.Quantity)},
			{Path: "updatedAt", Value: line.UpdatedAt.UTC()},
		}); err != nil {
			return err
		}
		return r.touch(ctx, line.CartID, line.UpdatedAt)
	})
}

func (r *CartRepository) touch(ctx context.Context, cartID string, at time.Time) error {
	return r.carts.Update(ctx, cartID, []firestore.Update{{Path: "updatedAt", Value: at.UTC()}})
}

func (r *CartRepository) DeleteLine(ctx context.Context, cartID, productID string, at time.Time) error {
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		if err := r.lines.Delete(ctx, lineDocID(cartID, productID), firestore.Exists); err != nil {
			return err
		}
		return r.touch(ctx, cartID, at)
	})
}

func (r *CartRepository) DeleteLines(ctx context.Context, cartID string, productIDs []string, at time.Time) error {
	if len(productIDs) == 0 {
		return nil
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		for _, productID := range productIDs {
			if err := r.lines.Delete(ctx, lineDocID(cartID, productID)); err != nil {
				return err
			}
		}
		return r.touch(ctx, cartID, at)
	})
}

func (r *CartRepository) ListStaleSessionCarts(ctx context.Context, before time.Time, limit int) ([]domain.Cart, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := r.carts.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("ownerKind", "==", string(domain.OwnerKindSession)).
			Where("updatedAt", "<", before.UTC()).
			OrderBy("updatedAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	carts := make([]domain.Cart, 0, len(docs))
	for _, doc := range docs {
		cart := doc.Data.toDomain(doc.ID)
		if cart.Lines, err = r.loadLines(ctx, doc.ID); err != nil {
			return nil, err
		}
		carts = append(carts, cart)
	}
	return carts, nil
}

// Delete removes the cart header, its owner index and every line.
func (r *CartRepository) Delete(ctx context.Context, cartID string) error {
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		doc, err := r.carts.Get(ctx, cartID)
		if err != nil {
			return err
		}
		lines, err := r.loadLines(ctx, cartID)
		if err != nil {
			return err
		}
		for productID := range lines {
			if err := r.lines.Delete(ctx, lineDocID(cartID, productID)); err != nil {
				return err
			}
		}
		if err := r.owners.Delete(ctx, doc.Data.OwnerKey); err != nil {
			return err
		}
		return r.carts.Delete(ctx, cartID)
	})
}

type cartDocument struct {
	OwnerKind string    `firestore:"ownerKind"`
	OwnerID   string    `firestore:"ownerId"`
	OwnerKey  string    `firestore:"ownerKey"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type cartOwnerDocument struct {
	CartID string `firestore:"cartId"`
}

type cartLineDocument struct {
	CartID    string    `firestore:"cartId"`
	ProductID string    `firestore:"productId"`
	Quantity  int64     `firestore:"quantity"`
	AddedAt   time.Time `firestore:"addedAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func cartFromDomain(cart domain.Cart) cartDocument {
	return cartDocument{
		OwnerKind: string(cart.Owner.Kind),
		OwnerID:   cart.Owner.ID,
		OwnerKey:  cart.Owner.Key(),
		CreatedAt: cart.CreatedAt.UTC(),
		UpdatedAt: cart.UpdatedAt.UTC(),
	}
}

func (d cartDocument) toDomain(id string) domain.Cart {
	return domain.Cart{
		ID:        id,
		Owner:     domain.CartOwner{Kind: domain.OwnerKind(d.OwnerKind), ID: d.OwnerID},
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

func cartLineFromDomain(line domain.CartLine) cartLineDocument {
	return cartLineDocument{
		CartID:    line.CartID,
		ProductID: line.ProductID,
		Quantity:  int64(line.Quantity),
		AddedAt:   line.AddedAt.UTC(),
		UpdatedAt: line.UpdatedAt.UTC(),
	}
}

func (d cartLineDocument) toDomain() domain.CartLine {
	return domain.CartLine{
		CartID:    d.CartID,
		ProductID: d.ProductID,
		Quantity:  int(d.Quantity),
		AddedAt:   d.AddedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}
