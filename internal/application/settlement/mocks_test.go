package settlement

import (
	"context"
	"errors"
	"sync"

	"github.com/Zhima-Mochi/farmmarket/internal/domain/sale"
	"github.com/Zhima-Mochi/farmmarket/internal/observability"
)

type fakeSales struct {
	mu        sync.Mutex
	sales     map[string]*sale.Sale
	items     map[string][]sale.Item
	insertErr error
	existsErr error
	// hideExisting makes Exists lie, simulating a concurrent insert between check and write.
	hideExisting bool
	inserts      int
}

func newFakeSales() *fakeSales {
	return &fakeSales{sales: map[string]*sale.Sale{}, items: map[string][]sale.Item{}}
}

func (f *fakeSales) Exists(_ context.Context, orderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	if f.hideExisting {
		return false, nil
	}
	_, ok := f.sales[orderID]
	return ok, nil
}

func (f *fakeSales) Insert(_ context.Context, s *sale.Sale, items []sale.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, ok := f.sales[s.ID]; ok {
		return sale.ErrAlreadySettled
	}
	f.sales[s.ID] = s.Clone()
	f.items[s.ID] = append([]sale.Item(nil), items...)
	return nil
}

func (f *fakeSales) Get(_ context.Context, orderID string) (*sale.Sale, []sale.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sales[orderID]
	if !ok {
		return nil, nil, sale.ErrNotFound
	}
	return s.Clone(), append([]sale.Item(nil), f.items[orderID]...), nil
}

type fakeCounter struct {
	mu     sync.Mutex
	totals map[string]int
	fail   map[string]bool
	calls  int
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{totals: map[string]int{}, fail: map[string]bool{}}
}

func (f *fakeCounter) IncrementSales(_ context.Context, productID string, qty int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail[productID] {
		return errors.New("rpc increment_total_sales failed")
	}
	f.totals[productID] += qty
	return nil
}

// countingMetrics records counter increments by metric key and label values.
type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]float64
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counts: map[string]float64{}}
}

func (m *countingMetrics) key(name observability.MetricKey, labels []observability.Label) string {
	k := string(name)
	for _, l := range labels {
		k += "|" + l.Key + "=" + l.Value
	}
	return k
}

func (m *countingMetrics) get(k string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[k]
}

func (m *countingMetrics) Counter(name observability.MetricKey) observability.Counter {
	return &countingCounter{m: m, name: name}
}

func (m *countingMetrics) Histogram(observability.MetricKey) observability.Histogram {
	return observability.NopHistogram()
}

type countingCounter struct {
	m    *countingMetrics
	name observability.MetricKey
}

func (c *countingCounter) Add(delta float64, labels ...observability.Label) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	c.m.counts[c.m.key(c.name, labels)] += delta
}

func (c *countingCounter) Bind(labels ...observability.Label) observability.BoundCounter {
	return boundCounter{c: c, labels: labels}
}

type boundCounter struct {
	c      *countingCounter
	labels []observability.Label
}

func (b boundCounter) Add(delta float64) { b.c.Add(delta, b.labels...) }

type testObservability struct {
	metrics observability.Metrics
}

func (t testObservability) Tracer() observability.Tracer   { return observability.NopTracer() }
func (t testObservability) Logger() observability.Logger   { return observability.NopLogger() }
func (t testObservability) Metrics() observability.Metrics { return t.metrics }
