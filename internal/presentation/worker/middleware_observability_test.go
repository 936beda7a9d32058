package workerpresentation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/farmmarket/internal/observability"
	"github.com/Zhima-Mochi/farmmarket/internal/observability/logctx"
)

type fieldLogger struct {
	fields map[string]any
}

func (l *fieldLogger) With(fs ...observability.Field) observability.Logger {
	next := &fieldLogger{fields: map[string]any{}}
	for k, v := range l.fields {
		next.fields[k] = v
	}
	for _, f := range fs {
		next.fields[f.Key] = f.Value
	}
	return next
}
func (l *fieldLogger) Debug(string, ...observability.Field) {}
func (l *fieldLogger) Info(string, ...observability.Field)  {}
func (l *fieldLogger) Warn(string, ...observability.Field)  {}
func (l *fieldLogger) Error(string, ...observability.Field) {}

func TestWithEventContext_GeneratesEventIDAndKeepsTrace(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1, 2, 3},
		SpanID:  trace.SpanID{4, 5, 6},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	ctx = WithEventContext(ctx, &fieldLogger{}, map[string]string{"event": "sale.settled", "tenant": ""})

	l, ok := logctx.From(ctx).(*fieldLogger)
	require.True(t, ok)
	assert.NotEmpty(t, l.fields["event_id"])
	assert.Equal(t, "sale.settled", l.fields["event"])
	assert.Equal(t, sc.TraceID().String(), l.fields["trace_id"])
	assert.Equal(t, sc.SpanID().String(), l.fields["span_id"])
	assert.NotContains(t, l.fields, "tenant")
}

func TestWithEventContext_KeepsGivenEventID(t *testing.T) {
	ctx := WithEventContext(context.Background(), &fieldLogger{}, map[string]string{"event_id": "evt-1"})

	l := logctx.From(ctx).(*fieldLogger)
	assert.Equal(t, "evt-1", l.fields["event_id"])
	assert.NotContains(t, l.fields, "trace_id")
}

func TestEventContext_BindsServiceAndEvent(t *testing.T) {
	hook := EventContext(&fieldLogger{}, "audit-worker")
	l := logctx.From(hook(context.Background(), "settlement.failed")).(*fieldLogger)
	assert.Equal(t, "audit-worker", l.fields["service"])
	assert.Equal(t, "settlement.failed", l.fields["event"])
}
