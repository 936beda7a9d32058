package sale

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettledEvent is emitted once a Sale has been committed.
type SettledEvent struct {
	OrderID         string
	FarmID          int64
	Gross           decimal.Decimal
	Net             decimal.Decimal
	Items           int
	CounterFailures int
	OccurredAt      time.Time
}

func (SettledEvent) EventName() string { return "sale.settled" }

func NewSettledEvent(s *Sale, items []Item, counterFailures int) SettledEvent {
	return SettledEvent{
		OrderID:         s.ID,
		FarmID:          s.FarmID,
		Gross:           s.Gross,
		Net:             s.Net,
		Items:           len(items),
		CounterFailures: counterFailures,
		OccurredAt:      time.Now().UTC(),
	}
}

// SettlementFailedEvent is emitted when money was captured but no Sale could be
// recorded. The order needs manual reconciliation.
type SettlementFailedEvent struct {
	OrderID    string
	FarmID     int64
	Stage      string
	Reason     string
	OccurredAt time.Time
}

func (SettlementFailedEvent) EventName() string { return "settlement.failed" }

func NewSettlementFailedEvent(orderID string, farmID int64, stage, reason string) SettlementFailedEvent {
	return SettlementFailedEvent{
		OrderID:    orderID,
		FarmID:     farmID,
		Stage:      stage,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
}

// AggregateID keys the event for ordered delivery per order.
func (e SettledEvent) AggregateID() string { return e.OrderID }

func (e SettlementFailedEvent) AggregateID() string { return e.OrderID }
