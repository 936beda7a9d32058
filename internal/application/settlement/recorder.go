package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Zhima-Mochi/farmmarket/internal/domain/checkout"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/payment"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/sale"
	"github.com/Zhima-Mochi/farmmarket/internal/observability"
	"github.com/Zhima-Mochi/farmmarket/internal/observability/logctx"
)

const (
	componentRecorder = "settlement_recorder"
	spanSettle        = "Settlement.Settle"
)

var (
	ErrNotCompleted = errors.New("settlement: gateway order is not COMPLETED")
	ErrPersistence  = errors.New("settlement: sale could not be recorded")
	// ErrAlreadySettled is success from the caller's point of view.
	ErrAlreadySettled = sale.ErrAlreadySettled
)

type Outcome string

const (
	OutcomeSettled Outcome = "settled"
	// OutcomePartial means the sale is durable but some sales counters were not bumped.
	OutcomePartial Outcome = "partial"
)

type SettleInput struct {
	FarmID  int64
	OrderID string
	// Capture may be nil when the order was captured by an earlier request.
	Capture *payment.CaptureResult
	Details *payment.OrderDetails
}

type CounterFailure struct {
	ProductID string
	Quantity  int
	Err       error
}

type SettleResult struct {
	Sale            *sale.Sale
	Items           []sale.Item
	Outcome         Outcome
	CounterFailures []CounterFailure
	// GrossMismatch is set when Σ subtotals and gross differ by more than one minor unit.
	GrossMismatch bool
}

// Recorder turns a completed capture into a Sale with its items, then bumps the
// per-product sales counters outside the Sale transaction.
type Recorder struct {
	sales    sale.Repository
	counters sale.SalesCounter
	tel      observability.Observability
	now      func() time.Time

	log             observability.Logger
	counterFailures observability.Counter // sales_counter_failures_total{reason}
	reconciliation  observability.Counter // reconciliation_required_total{reason}
}

func NewRecorder(sales sale.Repository, counters sale.SalesCounter, tel observability.Observability) *Recorder {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Recorder{
		sales:           sales,
		counters:        counters,
		tel:             tel,
		now:             time.Now,
		log:             tel.Logger().With(observability.F("component", componentRecorder)),
		counterFailures: tel.Metrics().Counter(observability.MSalesCounterFailures),
		reconciliation:  tel.Metrics().Counter(observability.MReconciliationRequired),
	}
}

// Settle records the sale for in.OrderID exactly once. A second call for the
// same order fails with ErrAlreadySettled and writes nothing.
func (r *Recorder) Settle(ctx context.Context, in SettleInput) (_ *SettleResult, err error) {
	logger := logctx.FromOr(ctx, r.log).With(observability.F("order_id", in.OrderID))

	ctx, span := r.tel.Tracer().Start(ctx, spanSettle,
		attribute.String("order.id", in.OrderID),
		attribute.Int64("farm.id", in.FarmID),
	)
	defer func() {
		switch {
		case err == nil, errors.Is(err, ErrAlreadySettled):
			span.SetStatus(codes.Ok, "")
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	d := in.Details
	if d == nil || d.Status != payment.StatusCompleted {
		status := payment.Status("")
		if d != nil {
			status = d.Status
		}
		return nil, fmt.Errorf("%w: status %q", ErrNotCompleted, status)
	}

	exists, err := r.sales.Exists(ctx, in.OrderID)
	if err != nil {
		return nil, fmt.Errorf("%w: exists check: %w", ErrPersistence, err)
	}
	if exists {
		span.AddEvent("sale.already_settled")
		return nil, ErrAlreadySettled
	}

	s, items, mismatch, err := r.build(in, logger)
	if err != nil {
		return nil, err
	}

	// The unique key on the order id closes the race with a concurrent capture.
	if err := r.sales.Insert(ctx, s, items); err != nil {
		if errors.Is(err, sale.ErrAlreadySettled) {
			span.AddEvent("sale.already_settled")
			return nil, ErrAlreadySettled
		}
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	span.AddEvent("sale.recorded")

	res := &SettleResult{Sale: s, Items: items, Outcome: OutcomeSettled, GrossMismatch: mismatch}
	res.CounterFailures = r.bumpCounters(ctx, items, logger)
	if len(res.CounterFailures) > 0 {
		res.Outcome = OutcomePartial
	}
	span.SetAttributes(
		attribute.String("settlement.outcome", string(res.Outcome)),
		attribute.Int("settlement.items", len(items)),
	)
	return res, nil
}

func (r *Recorder) build(in SettleInput, logger observability.Logger) (*sale.Sale, []sale.Item, bool, error) {
	d := in.Details
	currency := d.Currency
	if currency == "" {
		currency = checkout.DefaultCurrency
	}
	payer := d.PayerEmail
	if in.Capture != nil && in.Capture.PayerEmail != "" {
		payer = in.Capture.PayerEmail
	}

	gross := checkout.RoundMinor(d.Gross)
	fee := checkout.RoundMinor(d.Fee)
	net := gross.Sub(fee)
	if d.Net != nil && !d.Net.Equal(net) {
		logger.Warn("settlement_net_mismatch",
			observability.F("computed_net", net.String()),
			observability.F("reported_net", d.Net.String()),
		)
	}

	items := make([]sale.Item, 0, len(d.Items))
	sum := decimal.Zero
	for _, it := range d.Items {
		if it.Quantity <= 0 {
			return nil, nil, false, fmt.Errorf("%w: %w: item %q quantity %d",
				ErrPersistence, payment.ErrMalformedResponse, it.SKU, it.Quantity)
		}
		subtotal := checkout.RoundMinor(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
		sum = sum.Add(subtotal)
		items = append(items, sale.Item{
			SaleID:    in.OrderID,
			ProductID: it.SKU,
			Name:      it.Name,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
			Subtotal:  subtotal,
		})
	}

	mismatch := !checkout.WithinTolerance(sum, gross)
	if mismatch {
		r.reconciliation.Add(1, observability.L("reason", "gross_mismatch"))
		logger.Warn("settlement_gross_mismatch",
			observability.F("gross", gross.String()),
			observability.F("items_total", sum.String()),
		)
	}

	s := &sale.Sale{
		ID:         in.OrderID,
		FarmID:     in.FarmID,
		Gross:      gross,
		Fee:        fee,
		Net:        net,
		Currency:   currency,
		PayerEmail: payer,
		Details:    d.Raw,
		CreatedAt:  r.now().UTC(),
	}
	return s, items, mismatch, nil
}

// bumpCounters increments each product's counter independently. Failures are
// logged and returned; they never undo the recorded sale.
func (r *Recorder) bumpCounters(ctx context.Context, items []sale.Item, logger observability.Logger) []CounterFailure {
	if r.counters == nil {
		return nil
	}
	var failures []CounterFailure
	for _, it := range items {
		if err := r.counters.IncrementSales(ctx, it.ProductID, it.Quantity); err != nil {
			failures = append(failures, CounterFailure{ProductID: it.ProductID, Quantity: it.Quantity, Err: err})
			r.counterFailures.Add(1, observability.L("reason", counterFailureReason(err)))
			logger.Error("sales_counter_increment_failed",
				observability.F("product_id", it.ProductID),
				observability.F("quantity", it.Quantity),
				observability.F("error", err),
			)
		}
	}
	return failures
}

func counterFailureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "store_error"
	}
}
