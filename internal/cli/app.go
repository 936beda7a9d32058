package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Zhima-Mochi/farmmarket/internal/application/audit"
	"github.com/Zhima-Mochi/farmmarket/internal/application/checkout"
	"github.com/Zhima-Mochi/farmmarket/internal/application/market"
	"github.com/Zhima-Mochi/farmmarket/internal/application/settlement"
	"github.com/Zhima-Mochi/farmmarket/internal/config"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/catalog"
	domcheckout "github.com/Zhima-Mochi/farmmarket/internal/domain/checkout"
	domoutbox "github.com/Zhima-Mochi/farmmarket/internal/domain/outbox"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/sale"
	"github.com/Zhima-Mochi/farmmarket/internal/infrastructure/memory"
	infraobs "github.com/Zhima-Mochi/farmmarket/internal/infrastructure/observability"
	"github.com/Zhima-Mochi/farmmarket/internal/infrastructure/observability/oteltrace"
	"github.com/Zhima-Mochi/farmmarket/internal/infrastructure/observability/prometrics"
	"github.com/Zhima-Mochi/farmmarket/internal/infrastructure/outbox"
	"github.com/Zhima-Mochi/farmmarket/internal/infrastructure/paypal"
	"github.com/Zhima-Mochi/farmmarket/internal/infrastructure/postgres"
	"github.com/Zhima-Mochi/farmmarket/internal/observability"
	httppresentation "github.com/Zhima-Mochi/farmmarket/internal/presentation/http"
	workerpresentation "github.com/Zhima-Mochi/farmmarket/internal/presentation/worker"
)

// stores groups the persistence ports; Postgres and memory both satisfy all of them.
type stores struct {
	catalog  catalog.Catalog
	farms    catalog.FarmDirectory
	sales    sale.Repository
	counters sale.SalesCounter
	close    func() error
}

// App is the wired service: stores, gateway, use cases, event bus and router.
type App struct {
	Handler http.Handler

	bus    *outbox.Bus
	kafka  *outbox.KafkaPublisher
	stores stores
	log    observability.Logger
}

func newStores(ctx context.Context, cfg *config.Config, log observability.Logger) (stores, error) {
	if cfg.DB.Enabled() {
		repo, err := postgres.NewRepository(ctx, postgresCredentials(cfg.DB))
		if err != nil {
			return stores{}, err
		}
		log.Info("store_selected", observability.F("store", "postgres"), observability.F("db_host", cfg.DB.Host))
		return stores{catalog: repo, farms: repo, sales: repo, counters: repo, close: repo.Close}, nil
	}

	cat := memory.NewCatalogRepository()
	if cfg.FixturesPath != "" {
		if err := cat.LoadFixtures(cfg.FixturesPath); err != nil {
			return stores{}, err
		}
	}
	log.Info("store_selected", observability.F("store", "memory"), observability.F("fixtures", cfg.FixturesPath))
	return stores{
		catalog:  cat,
		farms:    cat,
		sales:    memory.NewSaleRepository(),
		counters: cat,
		close:    func() error { return nil },
	}, nil
}

func postgresCredentials(db config.DB) *postgres.Credentials {
	return &postgres.Credentials{
		Host:     db.Host,
		Port:     db.Port,
		User:     db.User,
		Password: db.Password,
		DBName:   db.Name,
		SSLMode:  db.SSLMode,
	}
}

func paypalConfig(p config.PayPal) paypal.Config {
	return paypal.Config{
		BaseURL:         p.BaseURL,
		ClientID:        p.ClientID,
		ClientSecret:    p.ClientSecret,
		Timeout:         p.Timeout,
		MaxRetries:      p.MaxRetries,
		TokenSkew:       p.TokenSkew,
		BreakerFailures: p.BreakerFailures,
		BreakerCooldown: p.BreakerCooldown,
	}
}

// newTelemetry registers every metric on reg and assembles the provider.
func newTelemetry(reg prometheus.Registerer, logger observability.Logger) observability.Observability {
	counters, histograms := prometrics.Instruments(prometrics.New(reg, "", ""))
	return infraobs.New(oteltrace.New("farmmarket"), logger, counters, histograms)
}

// NewApp wires the service. gatherer backs GET /metrics.
func NewApp(ctx context.Context, cfg *config.Config, tel observability.Observability, gatherer prometheus.Gatherer) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := tel.Logger()

	st, err := newStores(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}

	gateway, err := paypal.New(paypalConfig(cfg.PayPal), tel)
	if err != nil {
		_ = st.close()
		return nil, err
	}

	app := &App{stores: st, log: log}
	app.bus = outbox.NewBus(log)

	var publisher domoutbox.Publisher = app.bus
	if cfg.Kafka.Enabled() {
		app.kafka = outbox.NewKafkaPublisher(outbox.NewKafkaWriter(cfg.Kafka.Topic, cfg.Kafka.Brokers...), tel)
		publisher = outbox.Fanout{app.bus, app.kafka}
		log.Info("event_forwarding_enabled",
			observability.F("brokers", cfg.Kafka.Brokers),
			observability.F("topic", cfg.Kafka.Topic),
		)
	}

	recorder := settlement.NewRecorder(st.sales, st.counters, tel)
	resolver := domcheckout.NewResolver(st.catalog, cfg.Checkout.Currency)
	timeouts := checkout.Timeouts{
		Capture: cfg.Checkout.CaptureTimeout,
		Details: cfg.Checkout.DetailsTimeout,
		Persist: cfg.Checkout.PersistTimeout,
		Publish: cfg.Checkout.PublishTimeout,
	}

	audit.New(app.bus, workerpresentation.EventContext(nil, "audit-worker"), tel).Start()

	var metrics http.Handler
	if gatherer != nil {
		metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	app.Handler = httppresentation.NewHandler(httppresentation.Deps{
		CreateOrder:  checkout.NewCreateOrderUseCase(st.farms, resolver, gateway, tel),
		CaptureOrder: checkout.NewCaptureOrderUseCase(st.farms, gateway, recorder, publisher, timeouts, tel),
		Market:       market.NewService(st.catalog, st.farms, st.sales, gateway, tel),
		Metrics:      metrics,
	}, tel).Router()

	return app, nil
}

// Start begins event dispatch.
func (a *App) Start(ctx context.Context) {
	a.bus.Start(ctx)
}

// Close drains the bus and releases stores and writers.
func (a *App) Close(ctx context.Context) error {
	a.bus.Stop(ctx)
	var errs []error
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka writer: %w", err))
		}
	}
	if err := a.stores.close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
