package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhima-Mochi/farmmarket/internal/config"
	"github.com/Zhima-Mochi/farmmarket/internal/observability"
)

const fixtures = `{"farms":[{"id":1,"name":"Dela Cruz Farm","paypal_email":"farm@example.com",
"products":[{"id":"10","name":"Carabao mango","price":"75.00","amount_to_sell":40,"unit":"kg"}]}]}`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixtures.json")
	require.NoError(t, os.WriteFile(path, []byte(fixtures), 0o600))

	cfg, err := config.Load(config.Options{})
	require.NoError(t, err)
	cfg.PayPal.ClientID = "client"
	cfg.PayPal.ClientSecret = "secret"
	cfg.FixturesPath = path
	cfg.DB.Host = ""
	cfg.Kafka.Brokers = nil
	return cfg
}

func TestNewApp_ServesMarketFromFixtures(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel := newTelemetry(reg, observability.NopLogger())
	app, err := NewApp(context.Background(), testConfig(t), tel, reg)
	require.NoError(t, err)
	app.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, app.Close(ctx))
	})

	rec := httptest.NewRecorder()
	app.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/market/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Carabao mango")

	rec = httptest.NewRecorder()
	app.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
	assert.Contains(t, rec.Body.String(), "usecase_requests_total")
}

func TestNewApp_RequiresPayPalCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.PayPal.ClientSecret = ""
	_, err := NewApp(context.Background(), cfg, observability.Nop(), nil)
	assert.ErrorIs(t, err, config.ErrMissingPayPalCredentials)
}

func TestNewApp_BadFixtures(t *testing.T) {
	cfg := testConfig(t)
	cfg.FixturesPath = filepath.Join(t.TempDir(), "missing.json")
	_, err := NewApp(context.Background(), cfg, observability.Nop(), nil)
	assert.Error(t, err)
}

func TestRootCommand(t *testing.T) {
	root := NewRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["migrate"])
}

func TestMigrateRequiresDatabase(t *testing.T) {
	t.Setenv("DB_HOST", "")
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"migrate", "--env-file", filepath.Join(t.TempDir(), "none.env")})

	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_HOST")
}
