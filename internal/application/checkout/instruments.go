package checkout

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domcheckout "github.com/Zhima-Mochi/farmmarket/internal/domain/checkout"
	domoutbox "github.com/Zhima-Mochi/farmmarket/internal/domain/outbox"
	"github.com/Zhima-Mochi/farmmarket/internal/observability"
)

const (
	checkoutService = "checkout-service"
	spanPrefix      = "UC."
	publishPeer     = "outbox"
)

var ErrSettlementFailed = errors.New("checkout: payment captured but settlement failed")

// Timeouts bound each step that runs after the request context has been
// detached. Zero values fall back to defaults.
type Timeouts struct {
	Capture time.Duration
	Details time.Duration
	Persist time.Duration
	Publish time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Capture <= 0 {
		t.Capture = 30 * time.Second
	}
	if t.Details <= 0 {
		t.Details = 20 * time.Second
	}
	if t.Persist <= 0 {
		t.Persist = 10 * time.Second
	}
	if t.Publish <= 0 {
		t.Publish = 300 * time.Millisecond
	}
	return t
}

// instruments are the RED metrics and logger shared by the checkout use cases.
type instruments struct {
	tel observability.Observability
	log observability.Logger

	reqCounter   observability.Counter   // usecase_requests_total{use_case,outcome}
	durHistogram observability.Histogram // usecase_duration_seconds{use_case}
	extCounter   observability.Counter   // external_requests_total{peer,endpoint,outcome}
	extHistogram observability.Histogram // external_request_duration_seconds{peer,endpoint}
	stages       observability.Counter   // settlement_outcomes_total{stage}
	reconciled   observability.Counter   // reconciliation_required_total{reason}
}

func newInstruments(tel observability.Observability) instruments {
	if tel == nil {
		tel = observability.Nop()
	}
	m := tel.Metrics()
	return instruments{
		tel:          tel,
		log:          tel.Logger().With(observability.F("service", checkoutService)),
		reqCounter:   m.Counter(observability.MUsecaseRequests),
		durHistogram: m.Histogram(observability.MUsecaseDuration),
		extCounter:   m.Counter(observability.MExternalRequests),
		extHistogram: m.Histogram(observability.MExternalRequestDuration),
		stages:       m.Counter(observability.MSettlementOutcomes),
		reconciled:   m.Counter(observability.MReconciliationRequired),
	}
}

// done closes the use case envelope: span status, RED metrics and the
// use_case_done log line.
func (in instruments) done(ctx context.Context, logger observability.Logger, span trace.Span, useCase string,
	start time.Time, outcome, statusText string, err error, extra ...observability.Field,
) {
	lat := time.Since(start).Seconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, statusText)
	} else {
		span.SetStatus(codes.Ok, statusText)
	}
	span.End()

	in.reqCounter.Add(1,
		observability.L("use_case", useCase),
		observability.L("outcome", outcome),
	)
	in.durHistogram.Observe(lat, observability.L("use_case", useCase))

	fields := []observability.Field{
		observability.F("outcome", outcome),
		observability.F("status", statusText),
		observability.F("latency_seconds", lat),
	}
	fields = append(fields, observability.TraceFields(ctx)...)
	fields = append(fields, extra...)
	if err != nil {
		fields = append(fields, observability.F("error", err.Error()))
	}
	logger.Info("use_case_done", fields...)
}

// advance moves the flow forward. A refused transition is logged and leaves
// the stage unchanged.
func (in instruments) advance(logger observability.Logger, flow *domcheckout.Flow, next domcheckout.Stage) {
	if err := flow.Advance(next); err != nil {
		logger.Warn("invalid_stage_transition",
			observability.F("from", string(flow.Stage())),
			observability.F("to", string(next)),
			observability.F("error", err.Error()),
		)
	}
}

// publish emits an event best-effort; failures are logged and returned for the envelope.
func (in instruments) publish(ctx context.Context, pub domoutbox.Publisher, timeout time.Duration,
	logger observability.Logger, e domoutbox.Event,
) error {
	if pub == nil {
		return nil
	}
	pubCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	outcome := "success"
	err := pub.Publish(pubCtx, e)
	if err == nil && pubCtx.Err() != nil {
		err = pubCtx.Err()
	}
	if err != nil {
		outcome = "error"
		logger.Warn("event_publish_failed",
			observability.F("event", e.EventName()),
			observability.F("error", err.Error()),
		)
	}
	in.extCounter.Add(1,
		observability.L("peer", publishPeer),
		observability.L("endpoint", e.EventName()),
		observability.L("outcome", outcome),
	)
	in.extHistogram.Observe(time.Since(start).Seconds(),
		observability.L("peer", publishPeer),
		observability.L("endpoint", e.EventName()),
	)
	return err
}
