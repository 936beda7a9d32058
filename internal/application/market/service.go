package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Zhima-Mochi/farmmarket/internal/domain/catalog"
	domcheckout "github.com/Zhima-Mochi/farmmarket/internal/domain/checkout"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/payment"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/sale"
	"github.com/Zhima-Mochi/farmmarket/internal/observability"
	"github.com/Zhima-Mochi/farmmarket/internal/observability/logctx"
)

const (
	marketService = "market-service"

	useCaseListProducts = "market.list_products"
	useCaseGetProduct   = "market.get_product"
	useCaseOrderStatus  = "market.order_status"
)

// OrderStatus is what a buyer can learn about an order after an unclear capture.
type OrderStatus struct {
	OrderID       string
	GatewayStatus payment.Status
	Settled       bool
	Sale          *sale.Sale
}

// Service serves the read side of a farm's market page.
type Service struct {
	catalog catalog.Catalog
	farms   catalog.FarmDirectory
	sales   sale.Repository
	gateway payment.Gateway
	tel     observability.Observability

	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
}

func NewService(
	c catalog.Catalog,
	farms catalog.FarmDirectory,
	sales sale.Repository,
	gateway payment.Gateway,
	tel observability.Observability,
) *Service {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Service{
		catalog:      c,
		farms:        farms,
		sales:        sales,
		gateway:      gateway,
		tel:          tel,
		log:          tel.Logger().With(observability.F("service", marketService)),
		reqCounter:   tel.Metrics().Counter(observability.MUsecaseRequests),
		durHistogram: tel.Metrics().Histogram(observability.MUsecaseDuration),
	}
}

func (s *Service) ListProducts(ctx context.Context, farmID int64) (_ []catalog.Product, err error) {
	ctx, end := s.begin(ctx, useCaseListProducts, attribute.Int64("farm.id", farmID))
	defer func() { end(err) }()

	if _, err := s.farms.Farm(ctx, farmID); err != nil {
		return nil, err
	}
	products, err := s.catalog.ListProducts(ctx, farmID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domcheckout.ErrCatalogUnavailable, err)
	}
	return products, nil
}

func (s *Service) GetProduct(ctx context.Context, farmID int64, productID string) (_ *catalog.Product, err error) {
	ctx, end := s.begin(ctx, useCaseGetProduct,
		attribute.Int64("farm.id", farmID),
		attribute.String("product.id", productID),
	)
	defer func() { end(err) }()

	p, err := s.catalog.GetProduct(ctx, farmID, productID)
	if err != nil && !errors.Is(err, catalog.ErrProductNotFound) {
		return nil, fmt.Errorf("%w: %w", domcheckout.ErrCatalogUnavailable, err)
	}
	return p, err
}

// OrderStatus reads the gateway's view of an order and whether a sale exists.
// It never captures or records anything.
func (s *Service) OrderStatus(ctx context.Context, farmID int64, orderID string) (_ *OrderStatus, err error) {
	orderID = strings.TrimSpace(orderID)
	ctx, end := s.begin(ctx, useCaseOrderStatus,
		attribute.Int64("farm.id", farmID),
		attribute.String("order.id", orderID),
	)
	defer func() { end(err) }()

	if orderID == "" {
		return nil, domcheckout.ErrMissingOrderID
	}
	if _, err := s.farms.Farm(ctx, farmID); err != nil {
		return nil, err
	}

	st := &OrderStatus{OrderID: orderID}
	sl, _, err := s.sales.Get(ctx, orderID)
	switch {
	case err == nil:
		if sl.FarmID != farmID {
			return nil, sale.ErrNotFound
		}
		st.Settled = true
		st.Sale = sl
	case errors.Is(err, sale.ErrNotFound):
	default:
		return nil, fmt.Errorf("sale lookup: %w", err)
	}

	details, err := s.gateway.GetOrderDetails(ctx, orderID)
	if err != nil {
		return nil, err
	}
	// Another farm's order is reported exactly like a missing one.
	if !details.OwnedBy(farmID) {
		return nil, sale.ErrNotFound
	}
	st.GatewayStatus = details.Status
	return st, nil
}

// begin opens a span and returns the closer that records the envelope.
func (s *Service) begin(ctx context.Context, useCase string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	logger := logctx.FromOr(ctx, s.log).With(observability.F("use_case", useCase))
	ctx, span := s.tel.Tracer().Start(ctx, "UC."+useCase, append(attrs, attribute.String("use_case", useCase))...)
	start := time.Now()

	return ctx, func(err error) {
		lat := time.Since(start).Seconds()
		outcome := "success"
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
		case errors.Is(err, domcheckout.ErrMissingOrderID):
			outcome = "invalid"
		case errors.Is(err, catalog.ErrFarmNotFound), errors.Is(err, catalog.ErrProductNotFound),
			errors.Is(err, sale.ErrNotFound):
			outcome = "not_found"
		default:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		s.reqCounter.Add(1, observability.L("use_case", useCase), observability.L("outcome", outcome))
		s.durHistogram.Observe(lat, observability.L("use_case", useCase))

		fields := append([]observability.Field{
			observability.F("outcome", outcome),
			observability.F("latency_seconds", lat),
		}, observability.TraceFields(ctx)...)
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}
}
