package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Zhima-Mochi/farmmarket/internal/domain/checkout"
	"github.com/shopspring/decimal"
)

var (
	ErrGatewayUnavailable = errors.New("payment: gateway unavailable")
	ErrGatewayRejected    = errors.New("payment: gateway rejected request")
	// ErrCaptureIndeterminate means capture was sent but its outcome is unknown.
	// The order must be re-queried; it must not be assumed to have failed.
	ErrCaptureIndeterminate = errors.New("payment: capture outcome unknown")
	ErrAlreadyCaptured      = errors.New("payment: order already captured")
	ErrMalformedResponse    = errors.New("payment: malformed gateway response")
)

// Status is the authority's order status.
type Status string

const (
	StatusCreated             Status = "CREATED"
	StatusSaved               Status = "SAVED"
	StatusApproved            Status = "APPROVED"
	StatusVoided              Status = "VOIDED"
	StatusCompleted           Status = "COMPLETED"
	StatusPayerActionRequired Status = "PAYER_ACTION_REQUIRED"
)

// CreateOrderRequest carries server-priced lines only.
type CreateOrderRequest struct {
	FarmID     int64
	Quote      checkout.Quote
	PayeeEmail string
}

// GatewayOrder is the authority's handle on an intended charge.
type GatewayOrder struct {
	ID         string
	Status     Status
	Total      decimal.Decimal
	Currency   string
	HTTPStatus int
	Raw        json.RawMessage
}

// CaptureResult is the authority's answer to a capture call.
type CaptureResult struct {
	OrderID    string
	Status     Status
	PayerEmail string
	HTTPStatus int
	Raw        json.RawMessage
}

// CapturedItem is a line as the authority recorded it.
type CapturedItem struct {
	SKU       string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

// OrderDetails is the authority's view of a (captured) order.
type OrderDetails struct {
	OrderID string
	// FarmID is the farm the order was created for, read back from its
	// reference. Zero when the order carries no farm reference.
	FarmID   int64
	Status   Status
	Currency string
	Gross    decimal.Decimal
	Fee      decimal.Decimal
	// Net is the authority's own net figure when it reports one.
	Net        *decimal.Decimal
	PayerEmail string
	Items      []CapturedItem
	Raw        json.RawMessage
}

// OwnedBy reports whether the order may be read or settled as farmID's.
// Orders without a farm reference belong to whoever asks.
func (d *OrderDetails) OwnedBy(farmID int64) bool {
	return d.FarmID == 0 || d.FarmID == farmID
}

// Gateway is the capability set of the external payment authority.
type Gateway interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*GatewayOrder, error)
	// CaptureOrder moves money. Callers must not retry it after a definitive answer.
	CaptureOrder(ctx context.Context, orderID string) (*CaptureResult, error)
	// GetOrderDetails is read-only and safe to retry.
	GetOrderDetails(ctx context.Context, orderID string) (*OrderDetails, error)
}

// GatewayError is the single shape for every non-2xx or transport failure.
// HTTPStatus is zero when no response was received.
type GatewayError struct {
	Op         string
	HTTPStatus int
	Message    string
	DebugID    string
	Issue      string
	Err        error
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.HTTPStatus == 0 {
		return fmt.Sprintf("payment gateway %s: %s", e.Op, msg)
	}
	if e.DebugID != "" {
		return fmt.Sprintf("payment gateway %s (%d): %s [debug_id=%s]", e.Op, e.HTTPStatus, msg, e.DebugID)
	}
	return fmt.Sprintf("payment gateway %s (%d): %s", e.Op, e.HTTPStatus, msg)
}

// Unwrap exposes the classification sentinel and, when present, the cause.
func (e *GatewayError) Unwrap() []error {
	errs := []error{e.Kind()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Kind classifies the failure as transient or as a rejection.
func (e *GatewayError) Kind() error {
	if e.Transient() {
		return ErrGatewayUnavailable
	}
	return ErrGatewayRejected
}

// Transient is true for transport errors, 429 and 5xx.
func (e *GatewayError) Transient() bool {
	return e.HTTPStatus == 0 || e.HTTPStatus == 429 || e.HTTPStatus >= 500
}

// AsGatewayError extracts the GatewayError from an error chain.
func AsGatewayError(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
