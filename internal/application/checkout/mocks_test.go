package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/Zhima-Mochi/farmmarket/internal/domain/catalog"
	domoutbox "github.com/Zhima-Mochi/farmmarket/internal/domain/outbox"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/payment"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/sale"
	"github.com/Zhima-Mochi/farmmarket/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/farmmarket/internal/observability"
)

type fakeGateway struct {
	mu sync.Mutex

	createFn  func(ctx context.Context, req payment.CreateOrderRequest) (*payment.GatewayOrder, error)
	captureFn func(ctx context.Context, orderID string) (*payment.CaptureResult, error)
	detailsFn func(ctx context.Context, orderID string) (*payment.OrderDetails, error)

	createCalls  int
	captureCalls int
	detailsCalls int
	lastCreate   payment.CreateOrderRequest
}

func (g *fakeGateway) CreateOrder(ctx context.Context, req payment.CreateOrderRequest) (*payment.GatewayOrder, error) {
	g.mu.Lock()
	g.createCalls++
	g.lastCreate = req
	g.mu.Unlock()
	if g.createFn != nil {
		return g.createFn(ctx, req)
	}
	return &payment.GatewayOrder{
		ID:         "ORDER-1",
		Status:     payment.StatusCreated,
		Total:      req.Quote.Total,
		Currency:   req.Quote.Currency,
		HTTPStatus: 201,
		Raw:        json.RawMessage(`{"id":"ORDER-1","status":"CREATED"}`),
	}, nil
}

func (g *fakeGateway) CaptureOrder(ctx context.Context, orderID string) (*payment.CaptureResult, error) {
	g.mu.Lock()
	g.captureCalls++
	g.mu.Unlock()
	if g.captureFn != nil {
		return g.captureFn(ctx, orderID)
	}
	return completedCapture(orderID), nil
}

func (g *fakeGateway) GetOrderDetails(ctx context.Context, orderID string) (*payment.OrderDetails, error) {
	g.mu.Lock()
	g.detailsCalls++
	g.mu.Unlock()
	if g.detailsFn != nil {
		return g.detailsFn(ctx, orderID)
	}
	return completedDetails(orderID), nil
}

func completedCapture(orderID string) *payment.CaptureResult {
	return &payment.CaptureResult{
		OrderID:    orderID,
		Status:     payment.StatusCompleted,
		PayerEmail: "buyer@example.com",
		HTTPStatus: 201,
		Raw:        json.RawMessage(`{"id":"` + orderID + `","status":"COMPLETED"}`),
	}
}

func completedDetails(orderID string) *payment.OrderDetails {
	net := decimal.RequireFromString("145.00")
	return &payment.OrderDetails{
		OrderID:  orderID,
		FarmID:   7,
		Status:   payment.StatusCompleted,
		Currency: "PHP",
		Gross:    decimal.RequireFromString("150.00"),
		Fee:      decimal.RequireFromString("5.00"),
		Net:      &net,
		Items: []payment.CapturedItem{
			{SKU: "P1", Name: "Tomatoes", UnitPrice: decimal.RequireFromString("75.00"), Quantity: 2},
		},
		Raw: json.RawMessage(`{"id":"` + orderID + `","status":"COMPLETED","purchase_units":[]}`),
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domoutbox.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e domoutbox.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventName())
	}
	return out
}

type failingSales struct {
	*memory.SaleRepository
}

func (failingSales) Insert(context.Context, *sale.Sale, []sale.Item) error {
	return errors.New("connection refused")
}

type failingCounter struct{}

func (failingCounter) IncrementSales(context.Context, string, int) error {
	return errors.New("rpc failed")
}

func newCatalog() *memory.CatalogRepository {
	c := memory.NewCatalogRepository()
	c.PutFarm(catalog.Farm{ID: 7, Name: "Green Acres", PayPalEmail: "farm@example.com"})
	c.PutProduct(catalog.Product{ID: "P1", FarmID: 7, Name: "Tomatoes", Price: decimal.RequireFromString("75.00")})
	return c
}

type logEntry struct {
	level  string
	msg    string
	fields map[string]any
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) With(...observability.Field) observability.Logger { return l }
func (l *recordingLogger) Debug(msg string, f ...observability.Field)       { l.add("debug", msg, f) }
func (l *recordingLogger) Info(msg string, f ...observability.Field)        { l.add("info", msg, f) }
func (l *recordingLogger) Warn(msg string, f ...observability.Field)        { l.add("warn", msg, f) }
func (l *recordingLogger) Error(msg string, f ...observability.Field)       { l.add("error", msg, f) }

func (l *recordingLogger) add(level, msg string, fields []observability.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: m})
}

func (l *recordingLogger) find(msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}
