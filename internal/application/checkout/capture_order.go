package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/farmmarket/internal/application/settlement"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/catalog"
	domcheckout "github.com/Zhima-Mochi/farmmarket/internal/domain/checkout"
	domoutbox "github.com/Zhima-Mochi/farmmarket/internal/domain/outbox"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/payment"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/sale"
	"github.com/Zhima-Mochi/farmmarket/internal/observability"
	"github.com/Zhima-Mochi/farmmarket/internal/observability/logctx"
)

const useCaseCaptureOrder = "checkout.capture_order"

type CaptureOrderInput struct {
	FarmID  int64
	OrderID string
}

type CaptureOrderResult struct {
	OrderID string
	// FarmID is the farm the sale was recorded under.
	FarmID int64
	// FarmMismatch means the order was created for a farm other than the one
	// in the request; the sale follows the order.
	FarmMismatch bool
	Stage        domcheckout.Stage
	// Capture is nil when the order had already been captured by an earlier request.
	Capture    *payment.CaptureResult
	Details    *payment.OrderDetails
	Settlement *settlement.SettleResult
	// AlreadySettled means an earlier request recorded this sale.
	AlreadySettled bool
	// HTTPStatus and Payload are the gateway answer to echo to the caller.
	HTTPStatus int
	Payload    json.RawMessage
}

// Charged reports whether money has moved for this order.
func (r *CaptureOrderResult) Charged() bool { return r != nil && r.Stage.Charged() }

// CaptureOrderUseCase captures a gateway order and records the resulting sale.
// Once the capture call is issued the request context is detached: a
// disconnecting client cannot abort bookkeeping for money that has moved.
type CaptureOrderUseCase struct {
	farms     catalog.FarmDirectory
	gateway   payment.Gateway
	recorder  SettlementRecorder
	publisher domoutbox.Publisher
	timeouts  Timeouts
	instruments
}

func NewCaptureOrderUseCase(
	farms catalog.FarmDirectory,
	gateway payment.Gateway,
	recorder SettlementRecorder,
	publisher domoutbox.Publisher,
	timeouts Timeouts,
	tel observability.Observability,
) *CaptureOrderUseCase {
	return &CaptureOrderUseCase{
		farms:       farms,
		gateway:     gateway,
		recorder:    recorder,
		publisher:   publisher,
		timeouts:    timeouts.withDefaults(),
		instruments: newInstruments(tel),
	}
}

func (uc *CaptureOrderUseCase) Execute(ctx context.Context, cmd CaptureOrderInput) (_ *CaptureOrderResult, err error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	logger := logctx.FromOr(ctx, uc.log).With(
		observability.F("use_case", useCaseCaptureOrder),
		observability.F("farm_id", cmd.FarmID),
		observability.F("order_id", orderID),
	)

	ctx, span := uc.tel.Tracer().Start(ctx, spanPrefix+"CaptureOrder",
		attribute.String("use_case", useCaseCaptureOrder),
		attribute.Int64("farm.id", cmd.FarmID),
		attribute.String("order.id", orderID),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	flow := domcheckout.NewFlow(domcheckout.StageCaptureRequested)
	res := &CaptureOrderResult{OrderID: orderID}
	var publishErr error

	defer func() {
		res.Stage = flow.Stage()
		span.SetAttributes(attribute.String("checkout.stage", string(res.Stage)))
		if res.Stage.Terminal() {
			uc.stages.Add(1, observability.L("stage", string(res.Stage)))
		}
		extra := []observability.Field{observability.F("stage", string(res.Stage))}
		if res.Charged() {
			extra = append(extra, observability.F("captured", true))
		}
		if publishErr != nil {
			extra = append(extra, observability.F("event_publish_error", publishErr.Error()))
		}
		uc.done(ctx, logger, span, useCaseCaptureOrder, start, outcome, statusText, err, extra...)
	}()

	if orderID == "" {
		outcome, statusText = "error", "ORDER_ID_REQUIRED"
		return nil, domcheckout.ErrMissingOrderID
	}
	// The sale row references the farm, so an unknown farm must be caught
	// before money moves.
	if _, ferr := uc.farms.Farm(ctx, cmd.FarmID); ferr != nil {
		outcome, statusText = "error", "FARM_NOT_FOUND"
		if !errors.Is(ferr, catalog.ErrFarmNotFound) {
			statusText = "FARM_LOOKUP_FAILED"
			return nil, fmt.Errorf("%w: farm lookup: %w", domcheckout.ErrCatalogUnavailable, ferr)
		}
		return nil, ferr
	}
	if cerr := ctx.Err(); cerr != nil {
		outcome, statusText = "error", "CONTEXT_CANCELED"
		return nil, cerr
	}

	ctx = context.WithoutCancel(ctx)

	details, cerr := uc.capture(ctx, orderID, res, span)
	if cerr != nil {
		uc.advance(logger, flow, domcheckout.StageCaptureFailed)
		outcome, statusText = "error", gatewayStatus(cerr)
		return nil, cerr
	}
	if res.Capture != nil && res.Capture.Status != payment.StatusCompleted {
		// Definitive answer without money movement: echo it unchanged.
		uc.advance(logger, flow, domcheckout.StageCaptureFailed)
		outcome, statusText = "rejected", "CAPTURE_NOT_COMPLETED"
		return res, nil
	}
	uc.advance(logger, flow, domcheckout.StageCaptured)
	span.AddEvent("checkout.captured", trace.WithAttributes(attribute.String("order.id", orderID)))

	if details == nil {
		dctx, cancel := context.WithTimeout(ctx, uc.timeouts.Details)
		details, err = uc.gateway.GetOrderDetails(dctx, orderID)
		cancel()
		if err != nil {
			uc.advance(logger, flow, domcheckout.StageSettlementFailed)
			outcome, statusText = "error", "ORDER_DETAILS_FAILED"
			publishErr = uc.reconcile(ctx, logger, cmd.FarmID, orderID, flow.Stage(), "order_details_failed", err)
			return res, fmt.Errorf("%w: %w", ErrSettlementFailed, err)
		}
	}
	res.Details = details

	// A captured order is recorded under the farm it was created for.
	farmID := cmd.FarmID
	if !details.OwnedBy(cmd.FarmID) {
		farmID = details.FarmID
		res.FarmMismatch = true
		span.SetAttributes(attribute.Int64("order.farm.id", farmID))
		logger.Warn("order_farm_mismatch",
			observability.F("requested_farm_id", cmd.FarmID),
			observability.F("order_farm_id", farmID),
		)
	}
	res.FarmID = farmID

	sctx, cancel := context.WithTimeout(ctx, uc.timeouts.Persist)
	settled, err := uc.recorder.Settle(sctx, settlement.SettleInput{
		FarmID:  farmID,
		OrderID: orderID,
		Capture: res.Capture,
		Details: details,
	})
	cancel()
	switch {
	case errors.Is(err, settlement.ErrAlreadySettled):
		err = nil
		res.AlreadySettled = true
		uc.advance(logger, flow, domcheckout.StageSettled)
		statusText = "ALREADY_SETTLED"
		return res, nil
	case err != nil:
		uc.advance(logger, flow, domcheckout.StageSettlementFailed)
		outcome, statusText = "error", "SETTLEMENT_FAILED"
		publishErr = uc.reconcile(ctx, logger, farmID, orderID, flow.Stage(), "sale_write_failed", err)
		return res, fmt.Errorf("%w: %w", ErrSettlementFailed, err)
	}
	res.Settlement = settled

	if settled.Outcome == settlement.OutcomePartial {
		uc.advance(logger, flow, domcheckout.StageSettlementPartial)
		outcome, statusText = "partial", "SALES_COUNTER_FAILED"
	} else {
		uc.advance(logger, flow, domcheckout.StageSettled)
	}
	span.AddEvent("checkout.settled", trace.WithAttributes(
		attribute.String("sale.net", settled.Sale.Net.String()),
	))

	publishErr = uc.publish(ctx, uc.publisher, uc.timeouts.Publish, logger,
		sale.NewSettledEvent(settled.Sale, settled.Items, len(settled.CounterFailures)))
	return res, nil
}

// capture issues the capture call and resolves already-captured and
// indeterminate answers by reading the order back. It returns the details when
// that read happened so they are not fetched twice.
func (uc *CaptureOrderUseCase) capture(ctx context.Context, orderID string, res *CaptureOrderResult, span trace.Span) (*payment.OrderDetails, error) {
	cctx, cancel := context.WithTimeout(ctx, uc.timeouts.Capture)
	captured, err := uc.gateway.CaptureOrder(cctx, orderID)
	cancel()
	if err == nil {
		res.Capture = captured
		res.HTTPStatus = captured.HTTPStatus
		res.Payload = captured.Raw
		return nil, nil
	}

	alreadyCaptured := errors.Is(err, payment.ErrAlreadyCaptured)
	if !alreadyCaptured && !errors.Is(err, payment.ErrCaptureIndeterminate) {
		return nil, err
	}
	span.AddEvent("checkout.capture_requery", trace.WithAttributes(
		attribute.Bool("capture.already_captured", alreadyCaptured),
	))

	dctx, cancel := context.WithTimeout(ctx, uc.timeouts.Details)
	details, derr := uc.gateway.GetOrderDetails(dctx, orderID)
	cancel()
	if derr != nil || details.Status != payment.StatusCompleted {
		// Still unknown; the caller must query the order later.
		if errors.Is(err, payment.ErrCaptureIndeterminate) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", payment.ErrCaptureIndeterminate, err)
	}
	// A capture confirmed by reading the order back answers like a fresh one.
	res.HTTPStatus = http.StatusCreated
	res.Payload = details.Raw
	return details, nil
}

// reconcile flags a captured order whose sale could not be recorded.
func (uc *CaptureOrderUseCase) reconcile(ctx context.Context, logger observability.Logger, farmID int64,
	orderID string, stage domcheckout.Stage, reason string, cause error,
) error {
	uc.reconciled.Add(1, observability.L("reason", reason))
	logger.Error("settlement_failed",
		observability.F("reconciliation_required", true),
		observability.F("reason", reason),
		observability.F("error", cause),
	)
	return uc.publish(ctx, uc.publisher, uc.timeouts.Publish, logger,
		sale.NewSettlementFailedEvent(orderID, farmID, string(stage), reason))
}
