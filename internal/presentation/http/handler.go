package httppresentation

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/farmmarket/internal/application"
	"github.com/Zhima-Mochi/farmmarket/internal/application/checkout"
	"github.com/Zhima-Mochi/farmmarket/internal/application/market"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/catalog"
	"github.com/Zhima-Mochi/farmmarket/internal/observability"
	"github.com/Zhima-Mochi/farmmarket/internal/observability/logctx"
)

const (
	componentHTTPHandler = "http_server"
	tracerName           = "farmmarket.http"

	headerRequestID       = "X-Request-ID"
	headerSettlementState = "X-Settlement-State"

	maxBodyBytes = 1 << 20
)

type (
	CreateOrder  = application.UseCase[checkout.CreateOrderInput, *checkout.CreateOrderResult]
	CaptureOrder = application.UseCase[checkout.CaptureOrderInput, *checkout.CaptureOrderResult]
)

// Market is the read side behind the market pages.
type Market interface {
	ListProducts(ctx context.Context, farmID int64) ([]catalog.Product, error)
	GetProduct(ctx context.Context, farmID int64, productID string) (*catalog.Product, error)
	OrderStatus(ctx context.Context, farmID int64, orderID string) (*market.OrderStatus, error)
}

type Deps struct {
	CreateOrder  CreateOrder
	CaptureOrder CaptureOrder
	Market       Market
	// Metrics, when set, is served on GET /metrics.
	Metrics http.Handler
}

type Handler struct {
	deps Deps
	log  observability.Logger

	reqCounter   observability.Counter   // http_requests_total{method,route,status}
	durHistogram observability.Histogram // http_request_duration_seconds{method,route,status}
}

func NewHandler(deps Deps, tel observability.Observability) *Handler {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Handler{
		deps:         deps,
		log:          tel.Logger().With(observability.F("component", componentHTTPHandler)),
		reqCounter:   tel.Metrics().Counter(observability.MHTTPRequests),
		durHistogram: tel.Metrics().Histogram(observability.MHTTPRequestDuration),
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Trace → request logger → HTTP metrics → access log → handler
	h.handle(r, http.MethodGet, "/health", h.handleHealth)
	if h.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.deps.Metrics)
	}

	r.Route("/market/{farmId}", func(r chi.Router) {
		h.handle(r, http.MethodGet, "/", h.handleListProducts)
		h.handle(r, http.MethodPost, "/create-order", h.handleCreateOrder)
		h.handle(r, http.MethodPost, "/capture-order", h.handleCaptureOrder)
		h.handle(r, http.MethodGet, "/orders/{orderID}", h.handleOrderStatus)
		h.handle(r, http.MethodGet, "/{productId}", h.handleGetProduct)
	})

	return r
}

func (h *Handler) handle(r chi.Router, method, pattern string, handler http.HandlerFunc) {
	r.Method(method, pattern, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		route := method + " " + chi.RouteContext(req.Context()).RoutePattern()
		req = req.WithContext(contextWithRoute(req.Context(), route))

		wrapped := h.withTrace(
			ObservabilityMiddleware(
				logctx.FromOr(req.Context(), h.log),
				func(r *http.Request) string { return r.Header.Get(headerRequestID) },
				func(r *http.Request) string { return chi.URLParam(r, "farmId") },
			)(
				h.withHTTPMetrics(
					h.withAccessLog(handler),
				),
			),
		)
		wrapped.ServeHTTP(w, req)
	}))
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// withAccessLog writes a single access log line after the handler completes,
// using the request-scoped logger injected by ObservabilityMiddleware.
func (h *Handler) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		logctx.FromOr(r.Context(), h.log).Info("http_access",
			observability.F("method", r.Method),
			observability.F("route", routeFromContext(r.Context())),
			observability.F("path", r.URL.Path),
			observability.F("status", lrw.status),
			observability.F("latency_ms", time.Since(start).Milliseconds()),
		)
	})
}

// withTrace starts the server span, continuing a W3C trace from the caller.
func (h *Handler) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parentCtx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		route := routeFromContext(parentCtx)

		ctx, span := otel.Tracer(tracerName).Start(parentCtx, route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		labels := []observability.Label{
			observability.L("method", r.Method),
			observability.L("route", routeFromContext(r.Context())),
			observability.L("status", strconv.Itoa(lrw.status)),
		}
		h.reqCounter.Add(1, labels...)
		h.durHistogram.Observe(time.Since(start).Seconds(), labels...)
	})
}

type routeKey struct{}

// contextWithRoute stores the route template so metrics and logs carry
// low-cardinality values.
func contextWithRoute(ctx context.Context, route string) context.Context {
	if route == "" {
		return ctx
	}
	return context.WithValue(ctx, routeKey{}, route)
}

func routeFromContext(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	if route, ok := ctx.Value(routeKey{}).(string); ok && route != "" {
		return route
	}
	return "unknown"
}
