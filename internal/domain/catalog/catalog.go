package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrFarmNotFound    = errors.New("catalog: farm not found")
	ErrProductNotFound = errors.New("catalog: product not found")
	ErrInvalidPrice    = errors.New("catalog: invalid price")
)

// PricePlaces is the precision of a catalog price. It matches the minor unit
// of the payout currency, so a line total is exactly price times quantity.
const PricePlaces = 2

// ValidatePrice rejects negative prices and prices finer than one minor unit.
func ValidatePrice(price decimal.Decimal) error {
	if price.IsNegative() {
		return fmt.Errorf("%w: %s is negative", ErrInvalidPrice, price)
	}
	if !price.Equal(price.Truncate(PricePlaces)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidPrice, price, PricePlaces)
	}
	return nil
}

// Farm is the seller behind a market page.
type Farm struct {
	ID          int64
	Name        string
	PayPalEmail string
}

// Product is a sellable catalog entry. Name comes from the inventory item the
// product is cut from.
type Product struct {
	ID           string
	FarmID       int64
	Name         string
	Description  string
	Price        decimal.Decimal
	Image        string
	AmountToSell int
	Unit         string
	TotalSales   int
}

// Catalog is the read side used for pricing and the market pages.
type Catalog interface {
	// ProductsByID returns the subset of ids found for farmID, keyed by id.
	ProductsByID(ctx context.Context, farmID int64, ids []string) (map[string]Product, error)
	ListProducts(ctx context.Context, farmID int64) ([]Product, error)
	GetProduct(ctx context.Context, farmID int64, productID string) (*Product, error)
}

type FarmDirectory interface {
	Farm(ctx context.Context, farmID int64) (*Farm, error)
}
