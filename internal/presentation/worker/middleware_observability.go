package workerpresentation

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/farmmarket/internal/observability"
	"github.com/Zhima-Mochi/farmmarket/internal/observability/logctx"
)

// WithEventContext injects an event-scoped logger for background executions.
// Fields: event_id (generated when absent), trace_id/span_id when the context
// carries a valid span, plus low-cardinality attrs such as the event name.
func WithEventContext(ctx context.Context, base observability.Logger, attrs map[string]string) context.Context {
	if base == nil {
		base = logctx.FromOr(ctx, observability.NopLogger())
	}

	evtID := attrs["event_id"]
	if evtID == "" {
		evtID = uuid.NewString()
	}
	fields := []observability.Field{observability.F("event_id", evtID)}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			observability.F("trace_id", sc.TraceID().String()),
			observability.F("span_id", sc.SpanID().String()),
		)
	}
	for k, v := range attrs {
		if k == "event_id" || v == "" {
			continue
		}
		fields = append(fields, observability.F(k, v))
	}

	return logctx.With(ctx, base.With(fields...))
}

// EventContext adapts WithEventContext to the per-delivery hook taken by
// background workers.
func EventContext(base observability.Logger, service string) func(ctx context.Context, eventName string) context.Context {
	return func(ctx context.Context, eventName string) context.Context {
		return WithEventContext(ctx, base, map[string]string{
			"event":   eventName,
			"service": service,
		})
	}
}
