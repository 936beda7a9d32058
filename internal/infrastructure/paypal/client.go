package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"github.com/Zhima-Mochi/farmmarket/internal/domain/payment"
	"github.com/Zhima-Mochi/farmmarket/internal/observability"
	"github.com/Zhima-Mochi/farmmarket/internal/observability/logctx"
)

const (
	SandboxBaseURL = "https://api-m.sandbox.paypal.com"
	LiveBaseURL    = "https://api-m.paypal.com"

	peerPayPal       = "paypal"
	componentGateway = "paypal_gateway"
	maxErrorBody     = 4096
)

const (
	opToken   = "token"
	opCreate  = "create_order"
	opCapture = "capture_order"
	opDetails = "get_order_details"
)

// Config is the explicit credential and tuning set for one merchant account.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration
	// MaxRetries applies to token and details calls only.
	MaxRetries     int
	RetryBaseDelay time.Duration
	// TokenSkew is subtracted from expires_in before a token is considered stale.
	TokenSkew time.Duration
	// BreakerFailures consecutive transient failures open the breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = SandboxBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 200 * time.Millisecond
	}
	if c.TokenSkew <= 0 {
		c.TokenSkew = 60 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// Client is the PayPal Orders v2 implementation of payment.Gateway.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*response]
	now     func() time.Time

	tokenMu     sync.RWMutex
	token       string
	tokenExpiry time.Time
	tokenGroup  singleflight.Group

	log          observability.Logger
	extCounter   observability.Counter   // external_requests_total{peer,endpoint,outcome}
	extHistogram observability.Histogram // external_request_duration_seconds{peer,endpoint}
}

var _ payment.Gateway = (*Client)(nil)

type Option func(*Client)

// WithTransport replaces the base round tripper wrapped by otelhttp.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.http.Transport = otelhttp.NewTransport(rt)
	}
}

// WithClock is used by tests to drive token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func New(cfg Config, tel observability.Observability, opts ...Option) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("paypal: client id and secret are required")
	}
	cfg = cfg.withDefaults()
	if tel == nil {
		tel = observability.Nop()
	}
	metrics := tel.Metrics()

	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now:          time.Now,
		log:          tel.Logger().With(observability.F("component", componentGateway)),
		extCounter:   metrics.Counter(observability.MExternalRequests),
		extHistogram: metrics.Histogram(observability.MExternalRequestDuration),
	}
	c.breaker = gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        peerPayPal,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Rejections are the caller's problem, not the authority's health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			ge, ok := payment.AsGatewayError(err)
			return ok && !ge.Transient()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit_breaker_state_changed",
				observability.F("breaker", name),
				observability.F("from", from.String()),
				observability.F("to", to.String()),
			)
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type response struct {
	status int
	body   []byte
}

type request struct {
	op          string
	method      string
	path        string
	body        any
	form        string
	basicAuth   bool
	requestID   string
	contentType string
}

// send performs one exchange through the breaker. Non-2xx answers come back as
// *payment.GatewayError; an open breaker is reported as a transient error with
// HTTPStatus 0 wrapping gobreaker.ErrOpenState. A 401 on a bearer call drops the
// cached token and is replayed once with a fresh one.
func (c *Client) send(ctx context.Context, req request) (*response, error) {
	resp, err := c.sendOnce(ctx, req)
	if err == nil || req.basicAuth {
		return resp, err
	}
	if ge, ok := payment.AsGatewayError(err); ok && ge.Op == req.op && ge.HTTPStatus == http.StatusUnauthorized {
		return c.sendOnce(ctx, req)
	}
	return resp, err
}

func (c *Client) sendOnce(ctx context.Context, req request) (*response, error) {
	bearer := ""
	if !req.basicAuth {
		token, err := c.accessToken(ctx)
		if err != nil {
			return nil, err
		}
		bearer = token
	}

	start := time.Now()
	resp, err := c.breaker.Execute(func() (*response, error) {
		return c.exchange(ctx, req, bearer)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &payment.GatewayError{Op: req.op, Message: "circuit breaker open", Err: err}
	}
	c.record(ctx, req.op, start, resp, err)
	return resp, err
}

func (c *Client) exchange(ctx context.Context, req request, bearer string) (*response, error) {
	var body io.Reader
	contentType := req.contentType
	switch {
	case req.form != "":
		body = strings.NewReader(req.form)
		contentType = "application/x-www-form-urlencoded"
	case req.body != nil:
		b, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("paypal: marshal %s body: %w", req.op, err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.cfg.BaseURL+req.path, body)
	if err != nil {
		return nil, fmt.Errorf("paypal: build %s request: %w", req.op, err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.requestID != "" {
		httpReq.Header.Set("PayPal-Request-Id", req.requestID)
	}
	if req.basicAuth {
		httpReq.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &payment.GatewayError{Op: req.op, Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &payment.GatewayError{Op: req.op, Err: fmt.Errorf("read body: %w", err)}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		if httpResp.StatusCode == http.StatusUnauthorized && !req.basicAuth {
			c.invalidateToken()
		}
		return nil, parseError(req.op, httpResp.StatusCode, raw)
	}
	return &response{status: httpResp.StatusCode, body: raw}, nil
}

// retry runs fn with exponential backoff while it fails transiently.
func (c *Client) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, payment.ErrGatewayUnavailable) || errors.Is(lastErr, gobreaker.ErrOpenState) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) record(ctx context.Context, op string, start time.Time, resp *response, err error) {
	lat := time.Since(start)
	outcome := "success"
	status := 0
	if resp != nil {
		status = resp.status
	}
	if err != nil {
		outcome = "error"
		if ge, ok := payment.AsGatewayError(err); ok {
			status = ge.HTTPStatus
		}
	}

	c.extCounter.Add(1,
		observability.L("peer", peerPayPal),
		observability.L("endpoint", op),
		observability.L("outcome", outcome),
	)
	c.extHistogram.Observe(lat.Seconds(),
		observability.L("peer", peerPayPal),
		observability.L("endpoint", op),
	)

	logger := logctx.FromOr(ctx, c.log).With(
		observability.F("peer", peerPayPal),
		observability.F("endpoint", op),
	)
	if err != nil {
		logger.Warn("gateway_call_failed",
			observability.F("http_status", status),
			observability.F("latency_ms", lat.Milliseconds()),
			observability.F("error", err),
		)
		return
	}
	logger.Debug("gateway_call",
		observability.F("http_status", status),
		observability.F("latency_ms", lat.Milliseconds()),
	)
}

type apiError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	DebugID string `json:"debug_id"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
	// OAuth endpoint shape.
	OAuthError       string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func parseError(op string, status int, raw []byte) *payment.GatewayError {
	ge := &payment.GatewayError{Op: op, HTTPStatus: status}
	var body apiError
	if err := json.Unmarshal(raw, &body); err == nil {
		ge.Message = body.Message
		ge.DebugID = body.DebugID
		if len(body.Details) > 0 {
			ge.Issue = body.Details[0].Issue
		}
		if ge.Message == "" && body.ErrorDescription != "" {
			ge.Message = body.ErrorDescription
		}
		if ge.Issue == "" {
			ge.Issue = body.OAuthError
		}
	}
	if ge.Message == "" {
		text := strings.TrimSpace(string(raw))
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		if text == "" {
			text = http.StatusText(status)
		}
		ge.Message = text
	}
	return ge
}
