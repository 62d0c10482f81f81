package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/pagination"
	"github.com/hanko-field/storefront/internal/repositories"
)

const orderColumns = `id, owner_kind, owner_id, status, currency, subtotal, shipping, total, item_count,
	ship_label, ship_recipient, ship_company, ship_line1, ship_line2, ship_city, ship_region, ship_postal_code,
	ship_country, ship_phone, transaction_ref, cancel_reason, created_at, updated_at, paid_at, shipped_at,
	delivered_at, cancelled_at`

type orderRepo struct{ s *Store }

func (r orderRepo) Insert(ctx context.Context, order domain.Order) error {
	return r.s.RunInTx(ctx, func(ctx context.Context) error {
		conn := r.s.conn(ctx)
		var ownerKind, ownerID sql.NullString
		if !order.Owner.IsZero() {
			ownerKind = sql.NullString{String: string(order.Owner.Kind), Valid: true}
			ownerID = sql.NullString{String: order.Owner.ID, Valid: true}
		}
		addr := order.ShippingAddress
		_, err := conn.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			order.ID, ownerKind, ownerID, string(order.Status), order.Currency,
			order.Totals.Subtotal, order.Totals.Shipping, order.Totals.Total, order.Totals.ItemCount,
			addr.Label, addr.Recipient, addr.Company, addr.Line1, addr.Line2, addr.City, addr.Region, addr.PostalCode,
			addr.Country, addr.Phone, order.TransactionRef, order.CancelReason,
			order.CreatedAt.UTC().UnixNano(), order.UpdatedAt.UTC().UnixNano(),
			nullableTime(order.PaidAt), nullableTime(order.ShippedAt), nullableTime(order.DeliveredAt), nullableTime(order.CancelledAt),
		)
		if err != nil {
			return wrapError("sqlite.orders.insert", err)
		}
		for i, line := range order.Lines {
			var productID sql.NullString
			if line.ProductID != "" {
				productID = sql.NullString{String: line.ProductID, Valid: true}
			}
			_, err := conn.ExecContext(ctx, `
				INSERT INTO order_lines (order_id, position, product_id, product_code, name, unit_price, quantity, subtotal)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				order.ID, i, productID, line.ProductCode, line.Name, line.UnitPrice, line.Quantity, line.Subtotal)
			if err != nil {
				return wrapError("sqlite.orders.insert_line", err)
			}
		}
		return nil
	})
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                                  domain.Order
		ownerKind, ownerID                     sql.NullString
		status                                 string
		created, updated                       int64
		paidAt, shippedAt, deliveredAt, cancel sql.NullInt64
	)
	addr := &order.ShippingAddress
	err := row.Scan(&order.ID, &ownerKind, &ownerID, &status, &order.Currency,
		&order.Totals.Subtotal, &order.Totals.Shipping, &order.Totals.Total, &order.Totals.ItemCount,
		&addr.Label, &addr.Recipient, &addr.Company, &addr.Line1, &addr.Line2, &addr.City, &addr.Region, &addr.PostalCode,
		&addr.Country, &addr.Phone, &order.TransactionRef, &order.CancelReason,
		&created, &updated, &paidAt, &shippedAt, &deliveredAt, &cancel)
	if err != nil {
		return domain.Order{}, err
	}
	if ownerKind.Valid && ownerID.Valid {
		order.Owner = domain.CartOwner{Kind: domain.OwnerKind(ownerKind.String), ID: ownerID.String}
	}
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = fromNanos(created)
	order.UpdatedAt = fromNanos(updated)
	order.PaidAt = fromNullNanos(paidAt)
	order.ShippedAt = fromNullNanos(shippedAt)
	order.DeliveredAt = fromNullNanos(deliveredAt)
	order.CancelledAt = fromNullNanos(cancel)
	return order, nil
}

func (r orderRepo) loadLines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	rows, err := r.s.conn(ctx).QueryContext(ctx, `
		SELECT product_id, product_code, name, unit_price, quantity, subtotal
		FROM order_lines WHERE order_id = ? ORDER BY position`, orderID)
	if err != nil {
		return nil, wrapError("sqlite.orders.lines", err)
	}
	defer rows.Close()
	var lines []domain.OrderLine
	for rows.Next() {
		var (
			line      domain.OrderLine
			productID sql.NullString
		)
		if err := rows.Scan(&productID, &line.ProductCode, &line.Name, &line.UnitPrice, &line.Quantity, &line.Subtotal); err != nil {
			return nil, wrapError("sqlite.orders.lines", err)
		}
		line.ProductID = productID.String
		lines = append(lines, line)
	}
	return lines, wrapError("sqlite.orders.lines", rows.Err())
}

func (r orderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	row := r.s.conn(ctx).QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, wrapError("sqlite.orders.get", err)
	}
	if order.Lines, err = r.loadLines(ctx, order.ID); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r orderRepo) ListByOwner(ctx context.Context, owner domain.CartOwner, pager domain.Pagination) (domain.CursorPage[domain.Order], error) {
	afterTime, afterID, hasCursor, err := pagination.DecodeTimeCursor(pager.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, repositories.WrapStoreError("sqlite.orders.list", err)
	}
	size := pagination.ClampPageSize(pager.PageSize)

	query := `SELECT ` + orderColumns + ` FROM orders WHERE owner_kind = ? AND owner_id = ?`
	args := []any{string(owner.Kind), owner.ID}
	if hasCursor {
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		nanos := afterTime.UTC().UnixNano()
		args = append(args, nanos, nanos, afterID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, size+1)

	rows, err := r.s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapError("sqlite.orders.list", err)
	}
	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return domain.CursorPage[domain.Order]{}, wrapError("sqlite.orders.list", err)
		}
		orders = append(orders, order)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.CursorPage[domain.Order]{}, wrapError("sqlite.orders.list", err)
	}

	page := domain.CursorPage[domain.Order]{}
	if len(orders) > size {
		orders = orders[:size]
		last := orders[len(orders)-1]
		token, err := pagination.EncodeTimeCursor(last.CreatedAt, last.ID)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	for i := range orders {
		if orders[i].Lines, err = r.loadLines(ctx, orders[i].ID); err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
	}
	page.Items = orders
	return page, nil
}

func (r orderRepo) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	var updated domain.Order
	err := r.s.RunInTx(ctx, func(ctx context.Context) error {
		current, err := r.FindByID(ctx, update.OrderID)
		if err != nil {
			return err
		}
		if current.Status != update.From {
			return repositories.NewConflictError("sqlite.orders.update_status",
				fmt.Errorf("order %s is %s, expected %s", current.ID, current.Status, update.From))
		}
		next := update.ApplyTo(current)
		_, err = r.s.conn(ctx).ExecContext(ctx, `
			UPDATE orders SET status = ?, transaction_ref = ?, cancel_reason = ?, updated_at = ?,
				paid_at = ?, shipped_at = ?, delivered_at = ?, cancelled_at = ?
			WHERE id = ? AND status = ?`,
			string(next.Status), next.TransactionRef, next.CancelReason, next.UpdatedAt.UnixNano(),
			nullableTime(next.PaidAt), nullableTime(next.ShippedAt), nullableTime(next.DeliveredAt), nullableTime(next.CancelledAt),
			next.ID, string(update.From))
		if err != nil {
			return wrapError("sqlite.orders.update_status", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}
