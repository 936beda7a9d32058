package checkout

import (
	"context"
	"fmt"
	"strings"

	"github.com/Zhima-Mochi/farmmarket/internal/domain/catalog"
	"github.com/shopspring/decimal"
)

// Resolver prices carts from the catalog. It has no side effects.
type Resolver struct {
	catalog  catalog.Catalog
	currency string
}

func NewResolver(c catalog.Catalog, currency string) *Resolver {
	if currency == "" {
		currency = DefaultCurrency
	}
	return &Resolver{catalog: c, currency: currency}
}

// Resolve prices every line of cart with the farm's current catalog prices.
// Either every line resolves or no quote is returned.
func (r *Resolver) Resolve(ctx context.Context, farmID int64, cart []CartItem) (*Quote, error) {
	if len(cart) == 0 {
		return nil, ErrEmptyCart
	}

	ids := make([]string, 0, len(cart))
	seen := make(map[string]struct{}, len(cart))
	for _, item := range cart {
		id := strings.TrimSpace(item.ProductID)
		if id == "" {
			return nil, &UnknownProductError{ProductIDs: []string{item.ProductID}}
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %s has quantity %d", ErrInvalidQuantity, id, item.Quantity)
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	products, err := r.catalog.ProductsByID(ctx, farmID, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
	}

	var missing []string
	for _, id := range ids {
		if _, ok := products[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, &UnknownProductError{ProductIDs: missing}
	}

	quote := &Quote{
		FarmID:   farmID,
		Lines:    make([]PricedLine, 0, len(cart)),
		Total:    decimal.Zero,
		Currency: r.currency,
	}
	for _, item := range cart {
		p := products[strings.TrimSpace(item.ProductID)]
		if err := catalog.ValidatePrice(p.Price); err != nil {
			return nil, fmt.Errorf("%w: product %s: %w", ErrCatalogUnavailable, p.ID, err)
		}
		unit := p.Price
		lineTotal := unit.Mul(decimal.NewFromInt(int64(item.Quantity)))
		quote.Lines = append(quote.Lines, PricedLine{
			ProductID: p.ID,
			Name:      p.Name,
			UnitPrice: unit,
			Quantity:  item.Quantity,
			LineTotal: lineTotal,
		})
		quote.Total = quote.Total.Add(lineTotal)
	}
	quote.Total = RoundMinor(quote.Total)

	if !quote.Total.IsPositive() {
		return nil, ErrNonPositiveTotal
	}
	return quote, nil
}
