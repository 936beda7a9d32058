package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/farmmarket/internal/domain/catalog"
	domcheckout "github.com/Zhima-Mochi/farmmarket/internal/domain/checkout"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/payment"
	"github.com/Zhima-Mochi/farmmarket/internal/observability"
	"github.com/Zhima-Mochi/farmmarket/internal/observability/logctx"
)

const useCaseCreateOrder = "checkout.create_order"

type CreateOrderInput struct {
	FarmID int64
	Cart   []domcheckout.CartItem
}

type CreateOrderResult struct {
	Order *payment.GatewayOrder
	Quote *domcheckout.Quote
	Stage domcheckout.Stage
}

// CreateOrderUseCase prices a cart from the catalog and opens a gateway order
// for the computed total. Nothing is recorded locally.
type CreateOrderUseCase struct {
	farms    catalog.FarmDirectory
	resolver PriceResolver
	gateway  payment.Gateway
	instruments
}

func NewCreateOrderUseCase(
	farms catalog.FarmDirectory,
	resolver PriceResolver,
	gateway payment.Gateway,
	tel observability.Observability,
) *CreateOrderUseCase {
	return &CreateOrderUseCase{
		farms:       farms,
		resolver:    resolver,
		gateway:     gateway,
		instruments: newInstruments(tel),
	}
}

func (uc *CreateOrderUseCase) Execute(ctx context.Context, cmd CreateOrderInput) (_ *CreateOrderResult, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(
		observability.F("use_case", useCaseCreateOrder),
		observability.F("farm_id", cmd.FarmID),
	)

	ctx, span := uc.tel.Tracer().Start(ctx, spanPrefix+"CreateOrder",
		attribute.String("use_case", useCaseCreateOrder),
		attribute.Int64("farm.id", cmd.FarmID),
		attribute.Int("cart.lines", len(cmd.Cart)),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	flow := domcheckout.NewFlow(domcheckout.StageStarted)
	var orderID string

	defer func() {
		span.SetAttributes(attribute.String("checkout.stage", string(flow.Stage())))
		extra := []observability.Field{observability.F("stage", string(flow.Stage()))}
		if orderID != "" {
			extra = append(extra, observability.F("order_id", orderID))
		}
		uc.done(ctx, logger, span, useCaseCreateOrder, start, outcome, statusText, err, extra...)
	}()

	farm, ferr := uc.farms.Farm(ctx, cmd.FarmID)
	if ferr != nil {
		uc.advance(logger, flow, domcheckout.StagePricingFailed)
		if errors.Is(ferr, catalog.ErrFarmNotFound) {
			outcome, statusText = "error", "FARM_NOT_FOUND"
			return nil, ferr
		}
		outcome, statusText = "error", "FARM_LOOKUP_FAILED"
		return nil, fmt.Errorf("%w: farm lookup: %w", domcheckout.ErrCatalogUnavailable, ferr)
	}

	quote, perr := uc.resolver.Resolve(ctx, cmd.FarmID, cmd.Cart)
	if perr != nil {
		uc.advance(logger, flow, domcheckout.StagePricingFailed)
		outcome, statusText = "error", pricingStatus(perr)
		return nil, perr
	}
	uc.advance(logger, flow, domcheckout.StagePriced)
	span.AddEvent("checkout.priced", trace.WithAttributes(
		attribute.String("checkout.total", domcheckout.FormatAmount(quote.Total)),
	))

	order, gerr := uc.gateway.CreateOrder(ctx, payment.CreateOrderRequest{
		FarmID:     cmd.FarmID,
		Quote:      *quote,
		PayeeEmail: farm.PayPalEmail,
	})
	if gerr != nil {
		uc.advance(logger, flow, domcheckout.StageGatewayFailed)
		outcome, statusText = "error", gatewayStatus(gerr)
		return nil, gerr
	}
	uc.advance(logger, flow, domcheckout.StageGatewayCreated)
	orderID = order.ID

	span.SetAttributes(attribute.String("order.id", order.ID))
	span.AddEvent("checkout.gateway_order_created", trace.WithAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("order.status", string(order.Status)),
	))

	return &CreateOrderResult{Order: order, Quote: quote, Stage: flow.Stage()}, nil
}

func pricingStatus(err error) string {
	switch {
	case errors.Is(err, domcheckout.ErrEmptyCart):
		return "EMPTY_CART"
	case errors.Is(err, domcheckout.ErrInvalidQuantity):
		return "QUANTITY_INVALID"
	case errors.Is(err, domcheckout.ErrUnknownProduct):
		return "UNKNOWN_PRODUCT"
	case errors.Is(err, domcheckout.ErrNonPositiveTotal):
		return "TOTAL_INVALID"
	default:
		return "CATALOG_UNAVAILABLE"
	}
}

func gatewayStatus(err error) string {
	switch {
	case errors.Is(err, payment.ErrCaptureIndeterminate):
		return "CAPTURE_INDETERMINATE"
	case errors.Is(err, payment.ErrAlreadyCaptured):
		return "ALREADY_CAPTURED"
	case errors.Is(err, payment.ErrGatewayRejected):
		return "GATEWAY_REJECTED"
	case errors.Is(err, payment.ErrMalformedResponse):
		return "GATEWAY_MALFORMED_RESPONSE"
	default:
		return "GATEWAY_UNAVAILABLE"
	}
}
