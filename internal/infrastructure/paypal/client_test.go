package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhima-Mochi/farmmarket/internal/domain/checkout"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/payment"
	"github.com/Zhima-Mochi/farmmarket/internal/observability"
)

type fakePayPal struct {
	t *testing.T

	tokenCalls   atomic.Int32
	createCalls  atomic.Int32
	captureCalls atomic.Int32
	detailCalls  atomic.Int32

	tokenDelay time.Duration

	mu           sync.Mutex
	lastCreate   createOrderBody
	lastAuth     string
	lastReqID    string
	capture      func(w http.ResponseWriter, r *http.Request)
	details      func(w http.ResponseWriter, r *http.Request, call int32)
	createReply  string
	createStatus int
}

func (f *fakePayPal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/v1/oauth2/token":
		n := f.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-id" || pass != "client-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"Client Authentication failed"}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		assert.Equal(f.t, "grant_type=client_credentials", string(body))
		if f.tokenDelay > 0 {
			time.Sleep(f.tokenDelay)
		}
		writeBody(w, http.StatusOK, map[string]any{
			"access_token": "token-" + string(rune('0'+n)),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	case r.URL.Path == "/v2/checkout/orders" && r.Method == http.MethodPost:
		f.createCalls.Add(1)
		f.mu.Lock()
		f.lastAuth = r.Header.Get("Authorization")
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&f.lastCreate))
		reply, status := f.createReply, f.createStatus
		f.mu.Unlock()
		if reply == "" {
			reply = `{"id":"ORDER-1","status":"CREATED","links":[]}`
		}
		if status == 0 {
			status = http.StatusCreated
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	case strings.HasSuffix(r.URL.Path, "/capture"):
		f.captureCalls.Add(1)
		f.mu.Lock()
		f.lastReqID = r.Header.Get("PayPal-Request-Id")
		f.mu.Unlock()
		f.capture(w, r)
	case strings.HasPrefix(r.URL.Path, "/v2/checkout/orders/") && r.Method == http.MethodGet:
		n := f.detailCalls.Add(1)
		f.mu.Lock()
		f.lastAuth = r.Header.Get("Authorization")
		f.mu.Unlock()
		f.details(w, r, n)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

const completedOrder = `{
  "id": "ORDER-1",
  "status": "COMPLETED",
  "payer": {"email_address": "buyer@example.com"},
  "purchase_units": [{
    "reference_id": "farm-7",
    "amount": {"currency_code": "PHP", "value": "150.00"},
    "items": [{"name": "Tomatoes", "sku": "P1", "unit_amount": {"currency_code": "PHP", "value": "75.00"}, "quantity": "2"}],
    "payments": {"captures": [{
      "id": "CAP-1",
      "status": "COMPLETED",
      "amount": {"currency_code": "PHP", "value": "150.00"},
      "seller_receivable_breakdown": {
        "gross_amount": {"currency_code": "PHP", "value": "150.00"},
        "paypal_fee": {"currency_code": "PHP", "value": "5.00"},
        "net_amount": {"currency_code": "PHP", "value": "145.00"}
      }
    }]}
  }]
}`

func newTestClient(t *testing.T, f *fakePayPal, cfg Config, opts ...Option) *Client {
	t.Helper()
	f.t = t
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL
	cfg.ClientID = "client-id"
	cfg.ClientSecret = "client-secret"
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	c, err := New(cfg, observability.Nop(), opts...)
	require.NoError(t, err)
	return c
}

func sampleQuote() checkout.Quote {
	return checkout.Quote{
		FarmID: 7,
		Lines: []checkout.PricedLine{{
			ProductID: "P1",
			Name:      "Tomatoes",
			UnitPrice: decimal.RequireFromString("75"),
			Quantity:  2,
			LineTotal: decimal.RequireFromString("150"),
		}},
		Total:    decimal.RequireFromString("150"),
		Currency: "PHP",
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(Config{ClientID: "id"}, nil)
	assert.Error(t, err)
}

func TestCreateOrder_SendsServerPricedItems(t *testing.T) {
	f := &fakePayPal{}
	c := newTestClient(t, f, Config{})

	order, err := c.CreateOrder(context.Background(), payment.CreateOrderRequest{
		FarmID:     7,
		Quote:      sampleQuote(),
		PayeeEmail: "farm@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, "ORDER-1", order.ID)
	assert.Equal(t, payment.StatusCreated, order.Status)
	assert.Equal(t, http.StatusCreated, order.HTTPStatus)
	assert.JSONEq(t, `{"id":"ORDER-1","status":"CREATED","links":[]}`, string(order.Raw))
	assert.True(t, order.Total.Equal(decimal.RequireFromString("150")))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "Bearer token-1", f.lastAuth)
	assert.Equal(t, "CAPTURE", f.lastCreate.Intent)
	require.Len(t, f.lastCreate.PurchaseUnits, 1)
	pu := f.lastCreate.PurchaseUnits[0]
	assert.Equal(t, "farm-7", pu.ReferenceID)
	assert.Equal(t, "150.00", pu.Amount.Value)
	assert.Equal(t, "PHP", pu.Amount.CurrencyCode)
	require.NotNil(t, pu.Amount.Breakdown)
	assert.Equal(t, "150.00", pu.Amount.Breakdown.ItemTotal.Value)
	require.NotNil(t, pu.Payee)
	assert.Equal(t, "farm@example.com", pu.Payee.EmailAddress)
	require.Len(t, pu.Items, 1)
	assert.Equal(t, orderItem{
		Name:       "Tomatoes",
		SKU:        "P1",
		UnitAmount: money{CurrencyCode: "PHP", Value: "75.00"},
		Quantity:   "2",
	}, pu.Items[0])
}

func TestCreateOrder_RejectionIsNotRetried(t *testing.T) {
	f := &fakePayPal{
		createStatus: http.StatusBadRequest,
		createReply: `{"name":"INVALID_REQUEST",
			"message":"Request is not well-formed, syntactically incorrect, or violates schema.",
			"debug_id":"dbg-42","details":[{"issue":"INVALID_PARAMETER_VALUE"}]}`,
	}
	c := newTestClient(t, f, Config{MaxRetries: 3})

	_, err := c.CreateOrder(context.Background(), payment.CreateOrderRequest{FarmID: 7, Quote: sampleQuote()})
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrGatewayRejected)

	ge, ok := payment.AsGatewayError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, ge.HTTPStatus)
	assert.Equal(t, "Request is not well-formed, syntactically incorrect, or violates schema.", ge.Message)
	assert.Equal(t, "dbg-42", ge.DebugID)
	assert.Equal(t, "INVALID_PARAMETER_VALUE", ge.Issue)
	assert.Equal(t, int32(1), f.createCalls.Load())
}

func TestAccessToken_CachedUntilSkewedExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	f := &fakePayPal{}
	c := newTestClient(t, f, Config{}, WithClock(clock))
	ctx := context.Background()

	_, err := c.CreateOrder(ctx, payment.CreateOrderRequest{FarmID: 7, Quote: sampleQuote()})
	require.NoError(t, err)
	_, err = c.CreateOrder(ctx, payment.CreateOrderRequest{FarmID: 7, Quote: sampleQuote()})
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.tokenCalls.Load())

	clockMu.Lock()
	now = now.Add(3600*time.Second - 59*time.Second)
	clockMu.Unlock()

	_, err = c.CreateOrder(ctx, payment.CreateOrderRequest{FarmID: 7, Quote: sampleQuote()})
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.tokenCalls.Load())

	f.mu.Lock()
	assert.Equal(t, "Bearer token-2", f.lastAuth)
	f.mu.Unlock()
}

func TestAccessToken_ConcurrentCallersShareOneFetch(t *testing.T) {
	f := &fakePayPal{
		tokenDelay: 50 * time.Millisecond,
		details: func(w http.ResponseWriter, _ *http.Request, _ int32) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(completedOrder))
		},
	}
	c := newTestClient(t, f, Config{})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrderDetails(context.Background(), "ORDER-1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.tokenCalls.Load())
	assert.Equal(t, int32(10), f.detailCalls.Load())
}

func TestAccessToken_BadCredentialsAreRejected(t *testing.T) {
	f := &fakePayPal{}
	c := newTestClient(t, f, Config{MaxRetries: 2})
	c.cfg.ClientSecret = "wrong"

	_, err := c.CreateOrder(context.Background(), payment.CreateOrderRequest{FarmID: 7, Quote: sampleQuote()})
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrGatewayRejected)
	assert.Contains(t, err.Error(), "Client Authentication failed")
	assert.Equal(t, int32(1), f.tokenCalls.Load())
	assert.Equal(t, int32(0), f.createCalls.Load())
}

func TestAccessToken_BadCredentialsAreNotReplayedOnCaptureOrDetails(t *testing.T) {
	f := &fakePayPal{}
	c := newTestClient(t, f, Config{MaxRetries: 0})
	c.cfg.ClientSecret = "wrong"

	_, err := c.GetOrderDetails(context.Background(), "ORDER-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrGatewayRejected)
	assert.Equal(t, int32(1), f.tokenCalls.Load())
	assert.Equal(t, int32(0), f.detailCalls.Load())

	_, err = c.CaptureOrder(context.Background(), "ORDER-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrGatewayRejected)
	assert.Equal(t, int32(2), f.tokenCalls.Load())
	assert.Equal(t, int32(0), f.captureCalls.Load())
}

func TestAccessToken_SharedFetchSurvivesCancelledCaller(t *testing.T) {
	f := &fakePayPal{
		tokenDelay: 100 * time.Millisecond,
		details: func(w http.ResponseWriter, _ *http.Request, _ int32) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(completedOrder))
		},
	}
	c := newTestClient(t, f, Config{})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrderDetails(first, "ORDER-1")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return f.tokenCalls.Load() == 1 }, time.Second, time.Millisecond)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrderDetails(context.Background(), "ORDER-1")
		waiterErr <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	require.NoError(t, <-waiterErr)
	assert.Equal(t, int32(1), f.tokenCalls.Load())
	assert.Equal(t, int32(1), f.detailCalls.Load())
}

func TestUnauthorizedDropsCachedToken(t *testing.T) {
	f := &fakePayPal{
		details: func(w http.ResponseWriter, _ *http.Request, call int32) {
			if call == 1 {
				writeBody(w, http.StatusUnauthorized, map[string]any{"name": "AUTHENTICATION_FAILURE", "message": "token expired"})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(completedOrder))
		},
	}
	c := newTestClient(t, f, Config{})

	d, err := c.GetOrderDetails(context.Background(), "ORDER-1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, d.Status)
	assert.Equal(t, int32(2), f.tokenCalls.Load())
	assert.Equal(t, int32(2), f.detailCalls.Load())
}

func TestCaptureOrder_Completed(t *testing.T) {
	f := &fakePayPal{
		capture: func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(completedOrder))
		},
	}
	c := newTestClient(t, f, Config{})

	res, err := c.CaptureOrder(context.Background(), "ORDER-1")
	require.NoError(t, err)
	assert.Equal(t, "ORDER-1", res.OrderID)
	assert.Equal(t, payment.StatusCompleted, res.Status)
	assert.Equal(t, "buyer@example.com", res.PayerEmail)
	assert.Equal(t, http.StatusCreated, res.HTTPStatus)
	assert.JSONEq(t, completedOrder, string(res.Raw))

	f.mu.Lock()
	assert.Equal(t, "capture-ORDER-1", f.lastReqID)
	f.mu.Unlock()
}

func TestCaptureOrder_ErrorClassification(t *testing.T) {
	cases := []struct {
		name          string
		status        int
		body          map[string]any
		want          error
		indeterminate bool
	}{
		{
			name:   "already captured",
			status: http.StatusUnprocessableEntity,
			body: map[string]any{
				"name": "UNPROCESSABLE_ENTITY", "message": "The requested action could not be performed.",
				"details": []map[string]string{{"issue": "ORDER_ALREADY_CAPTURED"}},
			},
			want: payment.ErrAlreadyCaptured,
		},
		{
			name:   "instrument declined",
			status: http.StatusUnprocessableEntity,
			body: map[string]any{
				"name": "UNPROCESSABLE_ENTITY", "message": "The instrument presented was declined.",
				"details": []map[string]string{{"issue": "INSTRUMENT_DECLINED"}},
			},
			want: payment.ErrGatewayRejected,
		},
		{
			name:          "server error",
			status:        http.StatusInternalServerError,
			body:          map[string]any{"name": "INTERNAL_SERVER_ERROR", "message": "An internal server error occurred."},
			want:          payment.ErrCaptureIndeterminate,
			indeterminate: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakePayPal{
				capture: func(w http.ResponseWriter, _ *http.Request) {
					writeBody(w, tc.status, tc.body)
				},
			}
			c := newTestClient(t, f, Config{MaxRetries: 3})

			_, err := c.CaptureOrder(context.Background(), "ORDER-1")
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.indeterminate, errors.Is(err, payment.ErrCaptureIndeterminate))
			assert.Equal(t, int32(1), f.captureCalls.Load(), "capture must never be retried")
		})
	}
}

func TestCaptureOrder_TimeoutIsIndeterminate(t *testing.T) {
	f := &fakePayPal{
		capture: func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(200 * time.Millisecond)
			w.WriteHeader(http.StatusCreated)
		},
	}
	c := newTestClient(t, f, Config{Timeout: 50 * time.Millisecond})

	_, err := c.CaptureOrder(context.Background(), "ORDER-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrCaptureIndeterminate)
	assert.ErrorIs(t, err, payment.ErrGatewayUnavailable)
	assert.Equal(t, int32(1), f.captureCalls.Load())
}

func TestGetOrderDetails_ParsesCaptureBreakdown(t *testing.T) {
	f := &fakePayPal{
		details: func(w http.ResponseWriter, _ *http.Request, _ int32) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(completedOrder))
		},
	}
	c := newTestClient(t, f, Config{})

	d, err := c.GetOrderDetails(context.Background(), "ORDER-1")
	require.NoError(t, err)

	assert.Equal(t, "ORDER-1", d.OrderID)
	assert.Equal(t, int64(7), d.FarmID)
	assert.True(t, d.OwnedBy(7))
	assert.False(t, d.OwnedBy(8))
	assert.Equal(t, payment.StatusCompleted, d.Status)
	assert.Equal(t, "PHP", d.Currency)
	assert.Equal(t, "buyer@example.com", d.PayerEmail)
	assert.True(t, d.Gross.Equal(decimal.RequireFromString("150")))
	assert.True(t, d.Fee.Equal(decimal.RequireFromString("5")))
	require.NotNil(t, d.Net)
	assert.True(t, d.Net.Equal(decimal.RequireFromString("145")))
	require.Len(t, d.Items, 1)
	assert.Equal(t, "P1", d.Items[0].SKU)
	assert.Equal(t, "Tomatoes", d.Items[0].Name)
	assert.Equal(t, 2, d.Items[0].Quantity)
	assert.True(t, d.Items[0].UnitPrice.Equal(decimal.RequireFromString("75")))
	assert.JSONEq(t, completedOrder, string(d.Raw))
}

func TestParseFarmReference(t *testing.T) {
	cases := map[string]int64{
		"farm-7":   7,
		"farm-042": 42,
		"":         0,
		"farm-":    0,
		"farm--3":  0,
		"farm-x":   0,
		"order-7":  0,
	}
	for ref, want := range cases {
		assert.Equal(t, want, parseFarmReference(ref), ref)
	}
	assert.Equal(t, "farm-7", farmReference(7))
}

func TestGetOrderDetails_RetriesTransientFailures(t *testing.T) {
	f := &fakePayPal{
		details: func(w http.ResponseWriter, _ *http.Request, call int32) {
			if call < 3 {
				writeBody(w, http.StatusServiceUnavailable, map[string]any{"message": "try later"})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(completedOrder))
		},
	}
	c := newTestClient(t, f, Config{MaxRetries: 3})

	d, err := c.GetOrderDetails(context.Background(), "ORDER-1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, d.Status)
	assert.Equal(t, int32(3), f.detailCalls.Load())
}

func TestGetOrderDetails_RejectionIsNotRetried(t *testing.T) {
	f := &fakePayPal{
		details: func(w http.ResponseWriter, _ *http.Request, _ int32) {
			writeBody(w, http.StatusNotFound, map[string]any{
				"name": "RESOURCE_NOT_FOUND", "message": "The specified resource does not exist.", "debug_id": "dbg-404",
			})
		},
	}
	c := newTestClient(t, f, Config{MaxRetries: 3})

	_, err := c.GetOrderDetails(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrGatewayRejected)
	assert.Contains(t, err.Error(), "The specified resource does not exist.")
	assert.Equal(t, int32(1), f.detailCalls.Load())
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	f := &fakePayPal{
		details: func(w http.ResponseWriter, _ *http.Request, _ int32) {
			writeBody(w, http.StatusBadGateway, map[string]any{"message": "upstream"})
		},
		capture: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
		},
	}
	c := newTestClient(t, f, Config{BreakerFailures: 2, BreakerCooldown: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.GetOrderDetails(ctx, "ORDER-1")
		require.ErrorIs(t, err, payment.ErrGatewayUnavailable)
	}

	_, err := c.GetOrderDetails(ctx, "ORDER-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.ErrorIs(t, err, payment.ErrGatewayUnavailable)
	assert.Equal(t, int32(2), f.detailCalls.Load())

	_, err = c.CaptureOrder(ctx, "ORDER-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, payment.ErrCaptureIndeterminate, "an open breaker means the capture was never sent")
	assert.Equal(t, int32(0), f.captureCalls.Load())
}
