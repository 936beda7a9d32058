package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"

	"github.com/Zhima-Mochi/farmmarket/internal/domain/catalog"
)

var (
	_ catalog.Catalog       = (*Repository)(nil)
	_ catalog.FarmDirectory = (*Repository)(nil)
)

const productColumns = `p.id, p.farm_id, i.name, p.description, p.price, p.image,
	p.amount_to_sell, i.unit, p.total_sales`

const productFrom = ` FROM products p JOIN inventory i ON i.id = p.inventory_id`

func (r *Repository) Farm(ctx context.Context, farmID int64) (*catalog.Farm, error) {
	var f catalog.Farm
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, paypal_email FROM farm WHERE id = $1`, farmID,
	).Scan(&f.ID, &f.Name, &f.PayPalEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrFarmNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query farm: %w", err)
	}
	return &f, nil
}

// ProductsByID fetches every requested product of the farm in one query. Ids
// that are not numeric cannot exist and are left out of the result.
func (r *Repository) ProductsByID(ctx context.Context, farmID int64, ids []string) (map[string]catalog.Product, error) {
	out := make(map[string]catalog.Product, len(ids))
	keys := make([]int64, 0, len(ids))
	for _, id := range ids {
		if n, ok := parseProductID(id); ok {
			keys = append(keys, n)
		}
	}
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+productColumns+productFrom+` WHERE p.farm_id = $1 AND p.id = ANY($2)`,
		farmID, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("query products by id: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

func (r *Repository) ListProducts(ctx context.Context, farmID int64) ([]catalog.Product, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+productColumns+productFrom+` WHERE p.farm_id = $1 ORDER BY p.created_at DESC, p.id DESC`,
		farmID)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	products := []catalog.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return products, nil
}

func (r *Repository) GetProduct(ctx context.Context, farmID int64, productID string) (*catalog.Product, error) {
	n, ok := parseProductID(productID)
	if !ok {
		return nil, catalog.ErrProductNotFound
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+productColumns+productFrom+` WHERE p.farm_id = $1 AND p.id = $2`,
		farmID, n)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(s scanner) (catalog.Product, error) {
	var (
		p  catalog.Product
		id int64
	)
	err := s.Scan(&id, &p.FarmID, &p.Name, &p.Description, &p.Price, &p.Image,
		&p.AmountToSell, &p.Unit, &p.TotalSales)
	if errors.Is(err, sql.ErrNoRows) {
		return p, err
	}
	if err != nil {
		return p, fmt.Errorf("scan product row: %w", err)
	}
	p.ID = strconv.FormatInt(id, 10)
	return p, nil
}

func parseProductID(id string) (int64, bool) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
