package firestore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/storefront/internal/domain"
	pfirestore "github.com/hanko-field/storefront/internal/platform/firestore"
	"github.com/hanko-field/storefront/internal/repositories"
)

const addressCollection = "addresses"

// AddressRepository persists owner-scoped address book entries in Firestore.
type AddressRepository struct {
	base     *pfirestore.BaseRepository[addressDocument]
	provider *pfirestore.Provider
	now      func() time.Time
}

var _ repositories.AddressRepository = (*AddressRepository)(nil)

// NewAddressRepository constructs a Firestore-backed address repository.
func NewAddressRepository(provider *pfirestore.Provider) (*AddressRepository, error) {
	if provider == nil {
		return nil, errors.New("address repository requires firestore provider")
	}
	return &AddressRepository{
		base:     pfirestore.NewBaseRepository[addressDocument](provider, addressCollection, nil, nil),
		provider: provider,
		now:      time.Now,
	}, nil
}

func (r *AddressRepository) Get(ctx context.Context, owner domain.CartOwner, addressID string) (domain.Address, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(addressID))
	if err != nil {
		return domain.Address{}, err
	}
	if doc.Data.OwnerKey != owner.Key() {
		return domain.Address{}, repositories.NewNotFoundError("addresses.get", "address %s not found", addressID)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *AddressRepository) Default(ctx context.Context, owner domain.CartOwner) (domain.Address, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("ownerKey", "==", owner.Key()).Where("isDefault", "==", true).Limit(1)
	})
	if err != nil {
		return domain.Address{}, err
	}
	if len(docs) == 0 {
		return domain.Address{}, repositories.NewNotFoundError("addresses.default", "no default address for %s", owner)
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

func (r *AddressRepository) List(ctx context.Context, owner domain.CartOwner) ([]domain.Address, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("ownerKey", "==", owner.Key())
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Address, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Upsert reads the existing entry and the owner's current defaults before writing anything.
func (r *AddressRepository) Upsert(ctx context.Context, address domain.Address) (domain.Address, error) {
	id := strings.TrimSpace(address.ID)
	if id == "" {
		return domain.Address{}, repositories.WrapStoreError("addresses.upsert", errors.New("address id is required"))
	}
	now := r.now().UTC()
	if address.CreatedAt.IsZero() {
		address.CreatedAt = now
	}
	address.UpdatedAt = now

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		existing, err := r.base.Get(ctx, id)
		switch {
		case err == nil:
			if existing.Data.OwnerKey != address.Owner.Key() {
				return repositories.NewNotFoundError("addresses.upsert", "address %s not found", id)
			}
			address.CreatedAt = existing.Data.CreatedAt.UTC()
		case repositories.IsNotFound(err):
		default:
			return err
		}

		var defaults []pfirestore.Document[addressDocument]
		if address.IsDefault {
			defaults, err = r.base.Query(ctx, func(q firestore.Query) firestore.Query {
				return q.Where("ownerKey", "==", address.Owner.Key()).Where("isDefault", "==", true)
			})
			if err != nil {
				return err
			}
		}
		for _, doc := range defaults {
			if doc.ID == id {
				continue
			}
			if err := r.base.Update(ctx, doc.ID, []firestore.Update{
				{Path: "isDefault", Value: false},
				{Path: "updatedAt", Value: now},
			}); err != nil {
				return err
			}
		}
		return r.base.Set(ctx, id, addressFromDomain(address))
	})
	if err != nil {
		return domain.Address{}, err
	}
	return address, nil
}

type addressDocument struct {
	OwnerKind  string    `firestore:"ownerKind"`
	OwnerID    string    `firestore:"ownerId"`
	OwnerKey   string    `firestore:"ownerKey"`
	Label      string    `firestore:"label,omitempty"`
	Recipient  string    `firestore:"recipient"`
	Company    string    `firestore:"company,omitempty"`
	Line1      string    `firestore:"line1"`
	Line2      string    `firestore:"line2,omitempty"`
	City       string    `firestore:"city"`
	Region     string    `firestore:"region,omitempty"`
	PostalCode string    `firestore:"postalCode"`
	Country    string    `firestore:"country"`
	Phone      string    `firestore:"phone,omitempty"`
	IsDefault  bool      `firestore:"isDefault"`
	CreatedAt  time.Time `firestore:"createdAt"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

func addressFromDomain(a domain.Address) addressDocument {
	return addressDocument{
		OwnerKind:  string(a.Owner.Kind),
		OwnerID:    a.Owner.ID,
		OwnerKey:   a.Owner.Key(),
		Label:      a.Label,
		Recipient:  a.Recipient,
		Company:    a.Company,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		Region:     a.Region,
		PostalCode: a.PostalCode,
		Country:    strings.ToUpper(strings.TrimSpace(a.Country)),
		Phone:      a.Phone,
		IsDefault:  a.IsDefault,
		CreatedAt:  a.CreatedAt.UTC(),
		UpdatedAt:  a.UpdatedAt.UTC(),
	}
}

func (d addressDocument) toDomain(id string) domain.Address {
	return domain.Address{
		ID:         id,
		Owner:      domain.CartOwner{Kind: domain.OwnerKind(d.OwnerKind), ID: d.OwnerID},
		Label:      d.Label,
		Recipient:  d.Recipient,
		Company:    d.Company,
		Line1:      d.Line1,
		Line2:      d.Line2,
		City:       d.City,
		Region:     d.Region,
		PostalCode: d.PostalCode,
		Country:    d.Country,
		Phone:      d.Phone,
		IsDefault:  d.IsDefault,
		CreatedAt:  d.CreatedAt.UTC(),
		UpdatedAt:  d.UpdatedAt.UTC(),
	}
}
