package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/Zhima-Mochi/farmmarket/internal/domain/sale"
)

var _ sale.Repository = (*SaleRepository)(nil)

type SaleRepository struct {
	mu    sync.RWMutex
	sales map[string]*sale.Sale
	items map[string][]sale.Item
}

func NewSaleRepository() *SaleRepository {
	return &SaleRepository{
		sales: make(map[string]*sale.Sale),
		items: make(map[string][]sale.Item),
	}
}

func (r *SaleRepository) Exists(ctx context.Context, orderID string) (bool, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.sales[orderID]
	return ok, nil
}

// Insert stores header and items under one lock, so readers never see a
// header without its items.
func (r *SaleRepository) Insert(ctx context.Context, s *sale.Sale, items []sale.Item) error {
	_ = ctx
	if s == nil || s.ID == "" {
		return fmt.Errorf("sale repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sales[s.ID]; exists {
		return sale.ErrAlreadySettled
	}
	r.sales[s.ID] = s.Clone()
	r.items[s.ID] = append([]sale.Item(nil), items...)
	return nil
}

func (r *SaleRepository) Get(ctx context.Context, orderID string) (*sale.Sale, []sale.Item, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sales[orderID]
	if !ok {
		return nil, nil, sale.ErrNotFound
	}
	return s.Clone(), append([]sale.Item(nil), r.items[orderID]...), nil
}
