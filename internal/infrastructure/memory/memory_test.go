package memory

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhima-Mochi/farmmarket/internal/domain/catalog"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/sale"
)

func newCatalog() *CatalogRepository {
	r := NewCatalogRepository()
	r.PutFarm(catalog.Farm{ID: 1, Name: "Green Acres", PayPalEmail: "farm@example.com"})
	r.PutFarm(catalog.Farm{ID: 2, Name: "Other"})
	r.PutProduct(catalog.Product{ID: "P1", FarmID: 1, Name: "Tomatoes", Price: decimal.RequireFromString("75")})
	r.PutProduct(catalog.Product{ID: "P2", FarmID: 1, Name: "Lettuce", Price: decimal.RequireFromString("12.35")})
	r.PutProduct(catalog.Product{ID: "P3", FarmID: 2, Name: "Eggs", Price: decimal.RequireFromString("9")})
	return r
}

func TestCatalogRepository_ScopesByFarm(t *testing.T) {
	r := newCatalog()
	ctx := context.Background()

	got, err := r.ProductsByID(ctx, 1, []string{"P1", "P3", "missing"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "Tomatoes", got["P1"].Name)

	_, err = r.GetProduct(ctx, 1, "P3")
	assert.ErrorIs(t, err, catalog.ErrProductNotFound)

	list, err := r.ListProducts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "P2", list[0].ID, "newest first")

	_, err = r.Farm(ctx, 99)
	assert.ErrorIs(t, err, catalog.ErrFarmNotFound)
}

func TestCatalogRepository_IncrementSales(t *testing.T) {
	r := newCatalog()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.IncrementSales(ctx, "P1", 2))
		}()
	}
	wg.Wait()

	p, err := r.GetProduct(ctx, 1, "P1")
	require.NoError(t, err)
	assert.Equal(t, 40, p.TotalSales)
	assert.ErrorIs(t, r.IncrementSales(ctx, "nope", 1), catalog.ErrProductNotFound)
}

func TestCatalogRepository_LoadFixtures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
	  "farms": [{
	    "id": 7, "name": "Hillside", "paypal_email": "hill@example.com",
	    "products": [
	      {"id": "2", "name": "Carrots", "price": "40.50", "unit": "kg"},
	      {"id": "1", "name": "Mangoes", "price": 120, "unit": "kg"}
	    ]
	  }]
	}`), 0o600))

	r := NewCatalogRepository()
	require.NoError(t, r.LoadFixtures(path))

	f, err := r.Farm(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "hill@example.com", f.PayPalEmail)

	p, err := r.GetProduct(context.Background(), 7, "2")
	require.NoError(t, err)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("40.5")))

	assert.Error(t, r.LoadFixtures(filepath.Join(t.TempDir(), "missing.json")))
}

func TestCatalogRepository_LoadFixturesRefusesSubMinorUnitPrices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
	  "farms": [{
	    "id": 7, "name": "Hillside",
	    "products": [{"id": "1", "name": "Calamansi", "price": "0.125", "unit": "pc"}]
	  }]
	}`), 0o600))

	r := NewCatalogRepository()
	err := r.LoadFixtures(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrInvalidPrice)

	_, err = r.GetProduct(context.Background(), 7, "1")
	assert.ErrorIs(t, err, catalog.ErrProductNotFound)
}

func TestSaleRepository_InsertOnce(t *testing.T) {
	r := NewSaleRepository()
	ctx := context.Background()
	s := &sale.Sale{ID: "ORDER-1", FarmID: 1, Gross: decimal.RequireFromString("150")}
	items := []sale.Item{{SaleID: "ORDER-1", ProductID: "P1", Quantity: 2}}

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- r.Insert(ctx, s, items)
		}()
	}
	wg.Wait()
	close(results)

	var ok, dup int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, sale.ErrAlreadySettled):
			dup++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, dup)

	exists, err := r.Exists(ctx, "ORDER-1")
	require.NoError(t, err)
	assert.True(t, exists)

	got, gotItems, err := r.Get(ctx, "ORDER-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.FarmID)
	assert.Len(t, gotItems, 1)

	_, _, err = r.Get(ctx, "none")
	assert.ErrorIs(t, err, sale.ErrNotFound)
}
