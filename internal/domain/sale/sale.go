package sale

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrAlreadySettled is returned when a Sale for the order id already exists.
	ErrAlreadySettled = errors.New("sale: order already settled")
	ErrNotFound       = errors.New("sale: not found")
)

// Sale is the local record of one completed capture. ID is the gateway order id.
type Sale struct {
	ID         string
	FarmID     int64
	Gross      decimal.Decimal
	Fee        decimal.Decimal
	Net        decimal.Decimal
	Currency   string
	PayerEmail string
	// Details is the gateway's order payload as received.
	Details   json.RawMessage
	CreatedAt time.Time
}

// Item is one captured line. Name is a snapshot taken at capture time.
type Item struct {
	SaleID    string
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
	Subtotal  decimal.Decimal
}

// Clone returns a deep copy safe to hand out from a store.
func (s *Sale) Clone() *Sale {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Details != nil {
		cp.Details = append(json.RawMessage(nil), s.Details...)
	}
	return &cp
}

// Repository persists sales. Insert writes the header and every item atomically
// and reports ErrAlreadySettled when the order id is taken.
type Repository interface {
	Exists(ctx context.Context, orderID string) (bool, error)
	Insert(ctx context.Context, s *Sale, items []Item) error
	Get(ctx context.Context, orderID string) (*Sale, []Item, error)
}

// SalesCounter keeps the cumulative units-sold tally per product. It is updated
// outside the Sale transaction and may lag behind recorded sales.
type SalesCounter interface {
	IncrementSales(ctx context.Context, productID string, quantity int) error
}
