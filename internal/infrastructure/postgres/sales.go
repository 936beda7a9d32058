package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Zhima-Mochi/farmmarket/internal/domain/catalog"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/sale"
)

var (
	_ sale.Repository   = (*Repository)(nil)
	_ sale.SalesCounter = (*Repository)(nil)
)

func (r *Repository) Exists(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sales WHERE order_id = $1)`, orderID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query sale exists: %w", err)
	}
	return exists, nil
}

// Insert writes the sale header and its items in one transaction. A duplicate
// order id is reported as sale.ErrAlreadySettled.
func (r *Repository) Insert(ctx context.Context, s *sale.Sale, items []sale.Item) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin sale tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sales (order_id, farm_id, amount, paypal_fee, net_amount, currency, payer_email, paypal_order_details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.FarmID, s.Gross, s.Fee, s.Net, s.Currency, s.PayerEmail, jsonParam(s.Details), s.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return sale.ErrAlreadySettled
		}
		return fmt.Errorf("insert sale: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO sale_items (sale_id, product_id, name, unit_price, quantity, subtotal)
		 VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("prepare sale items: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, s.ID, it.ProductID, it.Name, it.UnitPrice, it.Quantity, it.Subtotal); err != nil {
			return fmt.Errorf("insert sale item %s: %w", it.ProductID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sale tx: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, orderID string) (*sale.Sale, []sale.Item, error) {
	var (
		s       sale.Sale
		details []byte
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT order_id, farm_id, amount, paypal_fee, net_amount, currency, payer_email, paypal_order_details, created_at
		 FROM sales WHERE order_id = $1`, orderID,
	).Scan(&s.ID, &s.FarmID, &s.Gross, &s.Fee, &s.Net, &s.Currency, &s.PayerEmail, &details, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, sale.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query sale: %w", err)
	}
	s.Details = details

	rows, err := r.db.QueryContext(ctx,
		`SELECT sale_id, product_id, name, unit_price, quantity, subtotal
		 FROM sale_items WHERE sale_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("query sale items: %w", err)
	}
	defer rows.Close()

	var items []sale.Item
	for rows.Next() {
		var it sale.Item
		if err := rows.Scan(&it.SaleID, &it.ProductID, &it.Name, &it.UnitPrice, &it.Quantity, &it.Subtotal); err != nil {
			return nil, nil, fmt.Errorf("scan sale item row: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("row iteration error: %w", err)
	}
	return &s, items, nil
}

// IncrementSales bumps the cumulative units-sold counter of one product.
func (r *Repository) IncrementSales(ctx context.Context, productID string, quantity int) error {
	n, ok := parseProductID(productID)
	if !ok {
		return fmt.Errorf("%w: %q", catalog.ErrProductNotFound, productID)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE products SET total_sales = total_sales + $2 WHERE id = $1`, n, quantity)
	if err != nil {
		return fmt.Errorf("increment total_sales: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment total_sales: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %q", catalog.ErrProductNotFound, productID)
	}
	return nil
}

// jsonParam hands JSONB values to lib/pq as text; []byte would be sent as bytea.
func jsonParam(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
