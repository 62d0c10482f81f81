package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

const productColumns = `id, code, name, price, sale_price, currency, stock, active, updated_at`

type productRepo struct{ s *Store }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		p         domain.Product
		salePrice sql.NullInt64
		active    int
		updatedAt int64
	)
	if err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Price, &salePrice, &p.Currency, &p.Stock, &active, &updatedAt); err != nil {
		return domain.Product{}, err
	}
	if salePrice.Valid {
		v := salePrice.Int64
		p.SalePrice = &v
	}
	p.Active = active == 1
	p.UpdatedAt = fromNanos(updatedAt)
	return p, nil
}

func (r productRepo) Get(ctx context.Context, productID string) (domain.Product, error) {
	row := r.s.conn(ctx).QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, productID)
	product, err := scanProduct(row)
	if err != nil {
		return domain.Product{}, wrapError("sqlite.products.get", err)
	}
	return product, nil
}

func (r productRepo) GetMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(productIDs)), ",")
	args := make([]any, len(productIDs))
	for i, id := range productIDs {
		args[i] = id
	}
	rows, err := r.s.conn(ctx).QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, wrapError("sqlite.products.get_many", err)
	}
	defer rows.Close()
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, wrapError("sqlite.products.get_many", err)
		}
		out[product.ID] = product
	}
	return out, wrapError("sqlite.products.get_many", rows.Err())
}

func (r productRepo) Upsert(ctx context.Context, product domain.Product) (domain.Product, error) {
	if strings.TrimSpace(product.ID) == "" {
		return domain.Product{}, repositories.WrapStoreError("sqlite.products.upsert", errors.New("product id is required"))
	}
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = r.s.now().UTC()
	}
	var salePrice sql.NullInt64
	if product.SalePrice != nil {
		salePrice = sql.NullInt64{Int64: *product.SalePrice, Valid: true}
	}
	_, err := r.s.conn(ctx).ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			price = excluded.price,
			sale_price = excluded.sale_price,
			currency = excluded.currency,
			stock = excluded.stock,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, product.ID, product.Code, product.Name, product.Price, salePrice, product.Currency, product.Stock,
		boolInt(product.Active), product.UpdatedAt.UTC().UnixNano())
	if err != nil {
		return domain.Product{}, wrapError("sqlite.products.upsert", err)
	}
	return product, nil
}

func (r productRepo) GetStock(ctx context.Context, productID string) (int, error) {
	var stock int
	err := r.s.conn(ctx).QueryRowContext(ctx, `SELECT stock FROM products WHERE id = ?`, productID).Scan(&stock)
	if err != nil {
		return 0, wrapError("sqlite.products.get_stock", err)
	}
	return stock, nil
}

// DecrementStock issues one conditional UPDATE per product inside a transaction. Any shortfall rolls the
// whole batch back.
func (r productRepo) DecrementStock(ctx context.Context, items []domain.StockDecrement) error {
	const op = "sqlite.products.decrement_stock"
	requested := make(map[string]int, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return repositories.WrapStoreError(op, fmt.Errorf("invalid quantity %d for %s", item.Quantity, item.ProductID))
		}
		if _, seen := requested[item.ProductID]; !seen {
			order = append(order, item.ProductID)
		}
		requested[item.ProductID] += item.Quantity
	}

	return r.s.RunInTx(ctx, func(ctx context.Context) error {
		conn := r.s.conn(ctx)
		now := r.s.stamp()
		var shortfalls []error
		for _, id := range order {
			res, err := conn.ExecContext(ctx,
				`UPDATE products SET stock = stock - ?, updated_at = ? WHERE id = ? AND stock >= ?`,
				requested[id], now, id, requested[id])
			if err != nil {
				return wrapError(op, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return wrapError(op, err)
			}
			if affected == 1 {
				continue
			}
			available, err := r.GetStock(ctx, id)
			if err != nil {
				if repositories.IsNotFound(err) {
					return &repositories.StockError{Op: op, Code: repositories.StockErrorProductNotFound, ProductID: id, Requested: requested[id]}
				}
				return err
			}
			shortfalls = append(shortfalls, repositories.NewInsufficientStockError(op, id, requested[id], available))
		}
		if len(shortfalls) > 0 {
			return errors.Join(shortfalls...)
		}
		return nil
	})
}
