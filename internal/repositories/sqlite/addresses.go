package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

const addressColumns = `id, owner_kind, owner_id, label, recipient, company, line1, line2, city, region,
	postal_code, country, phone, is_default, created_at, updated_at`

type addressRepo struct{ s *Store }

func scanAddress(row rowScanner) (domain.Address, error) {
	var (
		a                domain.Address
		kind             string
		isDefault        int
		created, updated int64
	)
	err := row.Scan(&a.ID, &kind, &a.Owner.ID, &a.Label, &a.Recipient, &a.Company, &a.Line1, &a.Line2, &a.City,
		&a.Region, &a.PostalCode, &a.Country, &a.Phone, &isDefault, &created, &updated)
	if err != nil {
		return domain.Address{}, err
	}
	a.Owner.Kind = domain.OwnerKind(kind)
	a.IsDefault = isDefault == 1
	a.CreatedAt = fromNanos(created)
	a.UpdatedAt = fromNanos(updated)
	return a, nil
}

func (r addressRepo) Get(ctx context.Context, owner domain.CartOwner, addressID string) (domain.Address, error) {
	row := r.s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+addressColumns+` FROM addresses WHERE id = ? AND owner_kind = ? AND owner_id = ?`,
		addressID, string(owner.Kind), owner.ID)
	address, err := scanAddress(row)
	if err != nil {
		return domain.Address{}, wrapError("sqlite.addresses.get", err)
	}
	return address, nil
}

func (r addressRepo) Default(ctx context.Context, owner domain.CartOwner) (domain.Address, error) {
	row := r.s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+addressColumns+` FROM addresses WHERE owner_kind = ? AND owner_id = ? AND is_default = 1 LIMIT 1`,
		string(owner.Kind), owner.ID)
	address, err := scanAddress(row)
	if err != nil {
		return domain.Address{}, wrapError("sqlite.addresses.default", err)
	}
	return address, nil
}

func (r addressRepo) List(ctx context.Context, owner domain.CartOwner) ([]domain.Address, error) {
	rows, err := r.s.conn(ctx).QueryContext(ctx,
		`SELECT `+addressColumns+` FROM addresses WHERE owner_kind = ? AND owner_id = ? ORDER BY is_default DESC, id`,
		string(owner.Kind), owner.ID)
	if err != nil {
		return nil, wrapError("sqlite.addresses.list", err)
	}
	defer rows.Close()
	var out []domain.Address
	for rows.Next() {
		address, err := scanAddress(rows)
		if err != nil {
			return nil, wrapError("sqlite.addresses.list", err)
		}
		out = append(out, address)
	}
	return out, wrapError("sqlite.addresses.list", rows.Err())
}

func (r addressRepo) Upsert(ctx context.Context, address domain.Address) (domain.Address, error) {
	if strings.TrimSpace(address.ID) == "" {
		return domain.Address{}, repositories.WrapStoreError("sqlite.addresses.upsert", errors.New("address id is required"))
	}
	now := r.s.now().UTC()
	if address.CreatedAt.IsZero() {
		address.CreatedAt = now
	}
	address.UpdatedAt = now

	err := r.s.RunInTx(ctx, func(ctx context.Context) error {
		conn := r.s.conn(ctx)
		var existingKind, existingID string
		err := conn.QueryRowContext(ctx, `SELECT owner_kind, owner_id FROM addresses WHERE id = ?`, address.ID).
			Scan(&existingKind, &existingID)
		switch {
		case err == nil:
			if existingKind != string(address.Owner.Kind) || existingID != address.Owner.ID {
				return repositories.NewNotFoundError("sqlite.addresses.upsert", "address %s not found", address.ID)
			}
		case errors.Is(err, sql.ErrNoRows):
		default:
			return wrapError("sqlite.addresses.upsert", err)
		}

		if address.IsDefault {
			if _, err := conn.ExecContext(ctx,
				`UPDATE addresses SET is_default = 0 WHERE owner_kind = ? AND owner_id = ? AND id <> ?`,
				string(address.Owner.Kind), address.Owner.ID, address.ID); err != nil {
				return wrapError("sqlite.addresses.clear_default", err)
			}
		}
		_, err = conn.ExecContext(ctx, `
			INSERT INTO addresses (`+addressColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				label = excluded.label, recipient = excluded.recipient, company = excluded.company,
				line1 = excluded.line1, line2 = excluded.line2, city = excluded.city, region = excluded.region,
				postal_code = excluded.postal_code, country = excluded.country, phone = excluded.phone,
				is_default = excluded.is_default, updated_at = excluded.updated_at`,
			address.ID, string(address.Owner.Kind), address.Owner.ID, address.Label, address.Recipient, address.Company,
			address.Line1, address.Line2, address.City, address.Region, address.PostalCode, address.Country, address.Phone,
			boolInt(address.IsDefault), address.CreatedAt.UnixNano(), address.UpdatedAt.UnixNano())
		return wrapError("sqlite.addresses.upsert", err)
	})
	if err != nil {
		return domain.Address{}, err
	}
	return address, nil
}
