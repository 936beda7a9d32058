package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/Zhima-Mochi/farmmarket/internal/domain/catalog"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/sale"
)

var (
	_ catalog.Catalog       = (*CatalogRepository)(nil)
	_ catalog.FarmDirectory = (*CatalogRepository)(nil)
	_ sale.SalesCounter     = (*CatalogRepository)(nil)
)

type CatalogRepository struct {
	mu       sync.RWMutex
	farms    map[int64]*catalog.Farm
	products map[string]*catalog.Product
	order    []string // insertion order, newest last
}

func NewCatalogRepository() *CatalogRepository {
	return &CatalogRepository{
		farms:    make(map[int64]*catalog.Farm),
		products: make(map[string]*catalog.Product),
	}
}

func (r *CatalogRepository) PutFarm(f catalog.Farm) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.farms[f.ID] = &f
}

func (r *CatalogRepository) PutProduct(p catalog.Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.products[p.ID]; !exists {
		r.order = append(r.order, p.ID)
	}
	r.products[p.ID] = &p
}

func (r *CatalogRepository) Farm(ctx context.Context, farmID int64) (*catalog.Farm, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.farms[farmID]
	if !ok {
		return nil, catalog.ErrFarmNotFound
	}
	clone := *f
	return &clone, nil
}

func (r *CatalogRepository) ProductsByID(ctx context.Context, farmID int64, ids []string) (map[string]catalog.Product, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]catalog.Product, len(ids))
	for _, id := range ids {
		if p, ok := r.products[id]; ok && p.FarmID == farmID {
			out[id] = *p
		}
	}
	return out, nil
}

// ListProducts returns the farm's products newest first.
func (r *CatalogRepository) ListProducts(ctx context.Context, farmID int64) ([]catalog.Product, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []catalog.Product{}
	for i := len(r.order) - 1; i >= 0; i-- {
		if p := r.products[r.order[i]]; p.FarmID == farmID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *CatalogRepository) GetProduct(ctx context.Context, farmID int64, productID string) (*catalog.Product, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.products[productID]
	if !ok || p.FarmID != farmID {
		return nil, catalog.ErrProductNotFound
	}
	clone := *p
	return &clone, nil
}

func (r *CatalogRepository) IncrementSales(ctx context.Context, productID string, quantity int) error {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[productID]
	if !ok {
		return fmt.Errorf("%w: %q", catalog.ErrProductNotFound, productID)
	}
	p.TotalSales += quantity
	return nil
}

type fixtureFile struct {
	Farms []struct {
		ID          int64  `json:"id"`
		Name        string `json:"name"`
		PayPalEmail string `json:"paypal_email"`
		Products    []struct {
			ID           string          `json:"id"`
			Name         string          `json:"name"`
			Description  string          `json:"description"`
			Price        decimal.Decimal `json:"price"`
			Image        string          `json:"image"`
			AmountToSell int             `json:"amount_to_sell"`
			Unit         string          `json:"unit"`
		} `json:"products"`
	} `json:"farms"`
}

// LoadFixtures seeds farms and products from a JSON file. Products are added
// in ascending id order so listings are stable.
func (r *CatalogRepository) LoadFixtures(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fixtures: %w", err)
	}
	var fx fixtureFile
	if err := json.Unmarshal(raw, &fx); err != nil {
		return fmt.Errorf("decode fixtures %s: %w", path, err)
	}
	for _, f := range fx.Farms {
		r.PutFarm(catalog.Farm{ID: f.ID, Name: f.Name, PayPalEmail: f.PayPalEmail})
		products := f.Products
		sort.SliceStable(products, func(i, j int) bool { return products[i].ID < products[j].ID })
		for _, p := range products {
			if err := catalog.ValidatePrice(p.Price); err != nil {
				return fmt.Errorf("fixtures %s: product %s: %w", path, p.ID, err)
			}
			r.PutProduct(catalog.Product{
				ID:           p.ID,
				FarmID:       f.ID,
				Name:         p.Name,
				Description:  p.Description,
				Price:        p.Price,
				Image:        p.Image,
				AmountToSell: p.AmountToSell,
				Unit:         p.Unit,
			})
		}
	}
	return nil
}
