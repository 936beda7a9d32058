package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	domoutbox "github.com/Zhima-Mochi/farmmarket/internal/domain/outbox"
	"github.com/Zhima-Mochi/farmmarket/internal/observability"
	"github.com/Zhima-Mochi/farmmarket/internal/observability/logctx"
)

const (
	DefaultTopic = "farmmarket.settlements"

	headerEventType = "event_type"
	peerKafka       = "kafka"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// keyed events are partitioned by their aggregate so one order's events stay
// ordered.
type keyed interface {
	AggregateID() string
}

type envelope struct {
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	ProducedAt time.Time       `json:"produced_at"`
}

// KafkaPublisher forwards domain events to a Kafka topic as JSON envelopes.
type KafkaPublisher struct {
	writer MessageWriter
	log    observability.Logger

	extCounter   observability.Counter
	extHistogram observability.Histogram
}

// NewKafkaWriter builds the writer used in production.
func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

func NewKafkaPublisher(w MessageWriter, tel observability.Observability) *KafkaPublisher {
	if tel == nil {
		tel = observability.Nop()
	}
	return &KafkaPublisher{
		writer:       w,
		log:          tel.Logger().With(observability.F("component", componentOutbox), observability.F("peer", peerKafka)),
		extCounter:   tel.Metrics().Counter(observability.MExternalRequests),
		extHistogram: tel.Metrics().Histogram(observability.MExternalRequestDuration),
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e domoutbox.Event) error {
	if e == nil {
		return nil
	}
	name := e.EventName()
	msg, err := encode(e)
	if err != nil {
		return fmt.Errorf("outbox: encode %s: %w", name, err)
	}

	start := time.Now()
	err = p.writer.WriteMessages(ctx, msg)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	p.extCounter.Add(1,
		observability.L("peer", peerKafka),
		observability.L("endpoint", name),
		observability.L("outcome", outcome),
	)
	p.extHistogram.Observe(time.Since(start).Seconds(),
		observability.L("peer", peerKafka),
		observability.L("endpoint", name),
	)

	logger := logctx.FromOr(ctx, p.log).With(observability.F("event", name))
	if err != nil {
		logger.Warn("event_forward_failed", observability.F("error", err))
		return fmt.Errorf("outbox: write %s: %w", name, err)
	}
	logger.Debug("event_forwarded", observability.F("key", string(msg.Key)))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func encode(e domoutbox.Event) (kafka.Message, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	value, err := json.Marshal(envelope{Event: e.EventName(), Payload: payload, ProducedAt: time.Now().UTC()})
	if err != nil {
		return kafka.Message{}, err
	}
	msg := kafka.Message{
		Value:   value,
		Headers: []kafka.Header{{Key: headerEventType, Value: []byte(e.EventName())}},
	}
	if k, ok := e.(keyed); ok {
		msg.Key = []byte(k.AggregateID())
	}
	return msg, nil
}

// Fanout delivers each event to every publisher. All are attempted; the
// errors are joined.
type Fanout []domoutbox.Publisher

func (f Fanout) Publish(ctx context.Context, e domoutbox.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
