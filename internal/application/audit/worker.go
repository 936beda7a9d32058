package audit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	domoutbox "github.com/Zhima-Mochi/farmmarket/internal/domain/outbox"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/sale"
	"github.com/Zhima-Mochi/farmmarket/internal/observability"
	"github.com/Zhima-Mochi/farmmarket/internal/observability/logctx"
)

const (
	workerService = "audit-worker"
	spanPrefix    = "Worker."
)

// EventContext decorates the handler context for one delivered event, for
// example with an event-scoped logger.
type EventContext func(ctx context.Context, eventName string) context.Context

// Worker writes one audit line per settlement event. It never feeds back into
// the request that produced the event.
type Worker struct {
	subscriber domoutbox.Subscriber
	decorate   EventContext
	tel        observability.Observability

	log          observability.Logger
	reqCounter   observability.Counter   // usecase_requests_total{use_case,outcome}
	durHistogram observability.Histogram // usecase_duration_seconds{use_case}
}

func New(subscriber domoutbox.Subscriber, decorate EventContext, tel observability.Observability) *Worker {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Worker{
		subscriber:   subscriber,
		decorate:     decorate,
		tel:          tel,
		log:          tel.Logger().With(observability.F("service", workerService)),
		reqCounter:   tel.Metrics().Counter(observability.MUsecaseRequests),
		durHistogram: tel.Metrics().Histogram(observability.MUsecaseDuration),
	}
}

func (w *Worker) Start() {
	if w.subscriber == nil {
		return
	}
	w.subscriber.Subscribe(sale.SettledEvent{}.EventName(), w.handleSaleSettled)
	w.subscriber.Subscribe(sale.SettlementFailedEvent{}.EventName(), w.handleSettlementFailed)
}

func (w *Worker) handleSaleSettled(ctx context.Context, e domoutbox.Event) error {
	const useCase = "audit.sale_settled"
	evt, ok := e.(sale.SettledEvent)
	if !ok {
		w.count(useCase, "ignored")
		return nil
	}

	_, logger, finish := w.begin(ctx, useCase, e.EventName(), evt.OrderID)
	defer finish()

	fields := []observability.Field{
		observability.F("order_id", evt.OrderID),
		observability.F("farm_id", evt.FarmID),
		observability.F("gross", evt.Gross.String()),
		observability.F("net", evt.Net.String()),
		observability.F("items", evt.Items),
		observability.F("occurred_at", evt.OccurredAt.Format(time.RFC3339Nano)),
	}
	if evt.CounterFailures > 0 {
		fields = append(fields, observability.F("counter_failures", evt.CounterFailures))
		logger.Warn("audit_sale_settled_partial", fields...)
		return nil
	}
	logger.Info("audit_sale_settled", fields...)
	return nil
}

func (w *Worker) handleSettlementFailed(ctx context.Context, e domoutbox.Event) error {
	const useCase = "audit.settlement_failed"
	evt, ok := e.(sale.SettlementFailedEvent)
	if !ok {
		w.count(useCase, "ignored")
		return nil
	}

	_, logger, finish := w.begin(ctx, useCase, e.EventName(), evt.OrderID)
	defer finish()

	logger.Error("audit_settlement_failed",
		observability.F("order_id", evt.OrderID),
		observability.F("farm_id", evt.FarmID),
		observability.F("stage", evt.Stage),
		observability.F("reason", evt.Reason),
		observability.F("reconciliation_required", true),
		observability.F("occurred_at", evt.OccurredAt.Format(time.RFC3339Nano)),
	)
	return nil
}

func (w *Worker) begin(ctx context.Context, useCase, eventName, orderID string) (context.Context, observability.Logger, func()) {
	if w.decorate != nil {
		ctx = w.decorate(ctx, eventName)
	}
	ctx, span := w.tel.Tracer().Start(ctx, spanPrefix+useCase,
		attribute.String("use_case", useCase),
		attribute.String("event", eventName),
		attribute.String("order.id", orderID),
	)
	logger := logctx.FromOr(ctx, w.log).With(
		observability.F("use_case", useCase),
		observability.F("event", eventName),
	)
	logger = logger.With(observability.TraceFields(ctx)...)
	ctx = logctx.With(ctx, logger)
	start := time.Now()

	return ctx, logger, func() {
		span.SetStatus(codes.Ok, "")
		span.End()
		w.observe(useCase, "success", time.Since(start).Seconds())
	}
}

func (w *Worker) count(useCase, outcome string) {
	w.reqCounter.Add(1,
		observability.L("use_case", useCase),
		observability.L("outcome", outcome),
	)
}

func (w *Worker) observe(useCase, outcome string, latencySeconds float64) {
	w.count(useCase, outcome)
	w.durHistogram.Observe(latencySeconds, observability.L("use_case", useCase))
}
