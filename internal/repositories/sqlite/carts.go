package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

type cartRepo struct{ s *Store }

func (r cartRepo) FindByOwner(ctx context.Context, owner domain.CartOwner) (domain.Cart, error) {
	conn := r.s.conn(ctx)
	var (
		cart               domain.Cart
		kind               string
		created, updatedAt int64
	)
	err := conn.QueryRowContext(ctx,
		`SELECT id, owner_kind, owner_id, created_at, updated_at FROM carts WHERE owner_kind = ? AND owner_id = ?`,
		string(owner.Kind), owner.ID,
	).Scan(&cart.ID, &kind, &cart.Owner.ID, &created, &updatedAt)
	if err != nil {
		return domain.Cart{}, wrapError("sqlite.carts.find", err)
	}
	cart.Owner.Kind = domain.OwnerKind(kind)
	cart.CreatedAt = fromNanos(created)
	cart.UpdatedAt = fromNanos(updatedAt)

	lines, err := r.loadLines(ctx, cart.ID)
	if err != nil {
		return domain.Cart{}, err
	}
	cart.Lines = lines
	return cart, nil
}

func (r cartRepo) loadLines(ctx context.Context, cartID string) (map[string]domain.CartLine, error) {
	rows, err := r.s.conn(ctx).QueryContext(ctx,
		`SELECT product_id, quantity, added_at, updated_at FROM cart_lines WHERE cart_id = ?`, cartID)
	if err != nil {
		return nil, wrapError("sqlite.carts.lines", err)
	}
	defer rows.Close()

	lines := make(map[string]domain.CartLine)
	for rows.Next() {
		line := domain.CartLine{CartID: cartID}
		var added, updated int64
		if err := rows.Scan(&line.ProductID, &line.Quantity, &added, &updated); err != nil {
			return nil, wrapError("sqlite.carts.lines", err)
		}
		line.AddedAt = fromNanos(added)
		line.UpdatedAt = fromNanos(updated)
		lines[line.ProductID] = line
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("sqlite.carts.lines", err)
	}
	return lines, nil
}

func (r cartRepo) Create(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	_, err := r.s.conn(ctx).ExecContext(ctx,
		`INSERT INTO carts (id, owner_kind, owner_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		cart.ID, string(cart.Owner.Kind), cart.Owner.ID, cart.CreatedAt.UTC().UnixNano(), cart.UpdatedAt.UTC().UnixNano())
	if err != nil {
		return domain.Cart{}, wrapError("sqlite.carts.create", err)
	}
	if cart.Lines == nil {
		cart.Lines = map[string]domain.CartLine{}
	}
	return cart, nil
}

func (r cartRepo) InsertLine(ctx context.Context, line domain.CartLine) error {
	return r.s.RunInTx(ctx, func(ctx context.Context) error {
		conn := r.s.conn(ctx)
		_, err := conn.ExecContext(ctx,
			`INSERT INTO cart_lines (cart_id, product_id, quantity, added_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			line.CartID, line.ProductID, line.Quantity, line.AddedAt.UTC().UnixNano(), line.UpdatedAt.UTC().UnixNano())
		if err != nil {
			return wrapError("sqlite.carts.insert_line", err)
		}
		return r.touch(ctx, line.CartID, line.UpdatedAt)
	})
}

func (r cartRepo) UpdateLine(ctx context.Context, line domain.CartLine) error {
	return r.s.RunInTx(ctx, func(ctx context.Context) error {
		res, err := r.s.conn(ctx).ExecContext(ctx,
			`UPDATE cart_lines SET quantity = ?, updated_at = ? WHERE cart_id = ? AND product_id = ?`,
			line.Quantity, line.UpdatedAt.UTC().UnixNano(), line.CartID, line.ProductID)
		if err != nil {
			return wrapError("sqlite.carts.update_line", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return wrapError("sqlite.carts.update_line", err)
		} else if n == 0 {
			return repositories.NewNotFoundError("sqlite.carts.update_line", "line %s/%s not found", line.CartID, line.ProductID)
		}
		return r.touch(ctx, line.CartID, line.UpdatedAt)
	})
}

func (r cartRepo) touch(ctx context.Context, cartID string, at time.Time) error {
	_, err := r.s.conn(ctx).ExecContext(ctx, `UPDATE carts SET updated_at = ? WHERE id = ?`, at.UTC().UnixNano(), cartID)
	return wrapError("sqlite.carts.touch", err)
}

func (r cartRepo) DeleteLine(ctx context.Context, cartID, productID string, at time.Time) error {
	return r.s.RunInTx(ctx, func(ctx context.Context) error {
		res, err := r.s.conn(ctx).ExecContext(ctx,
			`DELETE FROM cart_lines WHERE cart_id = ? AND product_id = ?`, cartID, productID)
		if err != nil {
			return wrapError("sqlite.carts.delete_line", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrapError("sqlite.carts.delete_line", err)
		}
		if n == 0 {
			return repositories.NewNotFoundError("sqlite.carts.delete_line", "line %s/%s not found", cartID, productID)
		}
		return r.touch(ctx, cartID, at)
	})
}

func (r cartRepo) DeleteLines(ctx context.Context, cartID string, productIDs []string, at time.Time) error {
	if len(productIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(productIDs)), ",")
	args := make([]any, 0, len(productIDs)+1)
	args = append(args, cartID)
	for _, id := range productIDs {
		args = append(args, id)
	}
	return r.s.RunInTx(ctx, func(ctx context.Context) error {
		_, err := r.s.conn(ctx).ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM cart_lines WHERE cart_id = ? AND product_id IN (%s)`, placeholders), args...)
		if err != nil {
			return wrapError("sqlite.carts.delete_lines", err)
		}
		return r.touch(ctx, cartID, at)
	})
}

func (r cartRepo) ListStaleSessionCarts(ctx context.Context, before time.Time, limit int) ([]domain.Cart, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.s.conn(ctx).QueryContext(ctx, `
		SELECT id, owner_id, created_at, updated_at FROM carts
		WHERE owner_kind = ? AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`, string(domain.OwnerKindSession), before.UTC().UnixNano(), limit)
	if err != nil {
		return nil, wrapError("sqlite.carts.list_stale", err)
	}
	var carts []domain.Cart
	for rows.Next() {
		cart := domain.Cart{Owner: domain.CartOwner{Kind: domain.OwnerKindSession}}
		var created, updated int64
		if err := rows.Scan(&cart.ID, &cart.Owner.ID, &created, &updated); err != nil {
			rows.Close()
			return nil, wrapError("sqlite.carts.list_stale", err)
		}
		cart.CreatedAt = fromNanos(created)
		cart.UpdatedAt = fromNanos(updated)
		carts = append(carts, cart)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapError("sqlite.carts.list_stale", err)
	}

	// Lines are loaded after the cursor closes; the pool holds a single connection.
	for i := range carts {
		lines, err := r.loadLines(ctx, carts[i].ID)
		if err != nil {
			return nil, err
		}
		carts[i].Lines = lines
	}
	return carts, nil
}

func (r cartRepo) Delete(ctx context.Context, cartID string) error {
	res, err := r.s.conn(ctx).ExecContext(ctx, `DELETE FROM carts WHERE id = ?`, cartID)
	if err != nil {
		return wrapError("sqlite.carts.delete", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repositories.NewNotFoundError("sqlite.carts.delete", "cart %s not found", cartID)
	}
	return nil
}
