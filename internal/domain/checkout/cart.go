package checkout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptyCart          = errors.New("checkout: cart is empty")
	ErrInvalidQuantity    = errors.New("checkout: quantity must be a positive integer")
	ErrUnknownProduct     = errors.New("checkout: unknown product")
	ErrCatalogUnavailable = errors.New("checkout: catalog unavailable")
	ErrNonPositiveTotal   = errors.New("checkout: order total must be positive")
	ErrMissingOrderID     = errors.New("checkout: orderID is required")
)

// CartItem is what the buyer asks for. It never carries a price.
type CartItem struct {
	ProductID string
	Quantity  int
}

// PricedLine is a cart line priced from the catalog.
type PricedLine struct {
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
	LineTotal decimal.Decimal
}

// Quote is the authoritative server-side pricing of a cart.
type Quote struct {
	FarmID   int64
	Lines    []PricedLine
	Total    decimal.Decimal
	Currency string
}

// UnknownProductError lists the ids the catalog could not resolve.
type UnknownProductError struct {
	ProductIDs []string
}

func (e *UnknownProductError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnknownProduct.Error(), strings.Join(e.ProductIDs, ", "))
}

func (e *UnknownProductError) Unwrap() error { return ErrUnknownProduct }
