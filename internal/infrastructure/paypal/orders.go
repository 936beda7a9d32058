package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"

	"github.com/Zhima-Mochi/farmmarket/internal/domain/checkout"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/payment"
)

const issueAlreadyCaptured = "ORDER_ALREADY_CAPTURED"

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type amountWithBreakdown struct {
	CurrencyCode string           `json:"currency_code"`
	Value        string           `json:"value"`
	Breakdown    *amountBreakdown `json:"breakdown,omitempty"`
}

type amountBreakdown struct {
	ItemTotal money `json:"item_total"`
}

type orderItem struct {
	Name       string `json:"name"`
	SKU        string `json:"sku,omitempty"`
	UnitAmount money  `json:"unit_amount"`
	Quantity   string `json:"quantity"`
}

type payee struct {
	EmailAddress string `json:"email_address"`
}

type purchaseUnit struct {
	ReferenceID string              `json:"reference_id,omitempty"`
	Amount      amountWithBreakdown `json:"amount"`
	Payee       *payee              `json:"payee,omitempty"`
	Items       []orderItem         `json:"items"`
}

type createOrderBody struct {
	Intent        string         `json:"intent"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
}

type sellerBreakdown struct {
	GrossAmount *money `json:"gross_amount"`
	PayPalFee   *money `json:"paypal_fee"`
	NetAmount   *money `json:"net_amount"`
}

type capture struct {
	ID                        string           `json:"id"`
	Status                    string           `json:"status"`
	Amount                    *money           `json:"amount"`
	SellerReceivableBreakdown *sellerBreakdown `json:"seller_receivable_breakdown"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Payer  *struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
	PurchaseUnits []struct {
		ReferenceID string      `json:"reference_id"`
		Amount      *money      `json:"amount"`
		Items       []orderItem `json:"items"`
		Payments    *struct {
			Captures []capture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (o *orderResponse) payerEmail() string {
	if o.Payer == nil {
		return ""
	}
	return o.Payer.EmailAddress
}

func (o *orderResponse) firstCapture() *capture {
	if len(o.PurchaseUnits) == 0 || o.PurchaseUnits[0].Payments == nil {
		return nil
	}
	caps := o.PurchaseUnits[0].Payments.Captures
	if len(caps) == 0 {
		return nil
	}
	return &caps[0]
}

// CreateOrder registers an intent to charge the quote's total. It is never retried.
func (c *Client) CreateOrder(ctx context.Context, req payment.CreateOrderRequest) (*payment.GatewayOrder, error) {
	q := req.Quote
	currency := q.Currency
	if currency == "" {
		currency = checkout.DefaultCurrency
	}

	items := make([]orderItem, 0, len(q.Lines))
	for _, line := range q.Lines {
		items = append(items, orderItem{
			Name:       line.Name,
			SKU:        line.ProductID,
			UnitAmount: money{CurrencyCode: currency, Value: checkout.FormatAmount(line.UnitPrice)},
			Quantity:   strconv.Itoa(line.Quantity),
		})
	}
	total := checkout.FormatAmount(q.Total)
	unit := purchaseUnit{
		ReferenceID: farmReference(req.FarmID),
		Amount: amountWithBreakdown{
			CurrencyCode: currency,
			Value:        total,
			Breakdown:    &amountBreakdown{ItemTotal: money{CurrencyCode: currency, Value: total}},
		},
		Items: items,
	}
	if req.PayeeEmail != "" {
		unit.Payee = &payee{EmailAddress: req.PayeeEmail}
	}

	resp, err := c.send(ctx, request{
		op:     opCreate,
		method: http.MethodPost,
		path:   "/v2/checkout/orders",
		body:   createOrderBody{Intent: "CAPTURE", PurchaseUnits: []purchaseUnit{unit}},
	})
	if err != nil {
		return nil, err
	}

	var body orderResponse
	if err := json.Unmarshal(resp.body, &body); err != nil || body.ID == "" {
		return nil, fmt.Errorf("%w: create order response", payment.ErrMalformedResponse)
	}
	return &payment.GatewayOrder{
		ID:         body.ID,
		Status:     payment.Status(body.Status),
		Total:      checkout.RoundMinor(q.Total),
		Currency:   currency,
		HTTPStatus: resp.status,
		Raw:        json.RawMessage(resp.body),
	}, nil
}

// CaptureOrder collects the payment. The PayPal-Request-Id makes a duplicate
// submission of the same capture return the original result. Failures after the
// request may have reached PayPal are reported as payment.ErrCaptureIndeterminate.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*payment.CaptureResult, error) {
	resp, err := c.send(ctx, request{
		op:          opCapture,
		method:      http.MethodPost,
		path:        "/v2/checkout/orders/" + url.PathEscape(orderID) + "/capture",
		requestID:   "capture-" + orderID,
		contentType: "application/json",
	})
	if err != nil {
		return nil, classifyCaptureError(err)
	}

	var body orderResponse
	if err := json.Unmarshal(resp.body, &body); err != nil {
		return nil, fmt.Errorf("%w: %w: capture response", payment.ErrCaptureIndeterminate, payment.ErrMalformedResponse)
	}
	id := body.ID
	if id == "" {
		id = orderID
	}
	return &payment.CaptureResult{
		OrderID:    id,
		Status:     payment.Status(body.Status),
		PayerEmail: body.payerEmail(),
		HTTPStatus: resp.status,
		Raw:        json.RawMessage(resp.body),
	}, nil
}

func classifyCaptureError(err error) error {
	ge, ok := payment.AsGatewayError(err)
	if !ok {
		return err
	}
	switch {
	case ge.Op != opCapture,
		errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		// never sent
		return err
	case ge.HTTPStatus == http.StatusUnprocessableEntity && ge.Issue == issueAlreadyCaptured:
		return fmt.Errorf("%w: %w", payment.ErrAlreadyCaptured, err)
	case ge.HTTPStatus == 0 || ge.HTTPStatus >= 500:
		return fmt.Errorf("%w: %w", payment.ErrCaptureIndeterminate, err)
	}
	return err
}

// GetOrderDetails reads the order including capture fees. Safe to retry.
func (c *Client) GetOrderDetails(ctx context.Context, orderID string) (*payment.OrderDetails, error) {
	var resp *response
	err := c.retry(ctx, func() error {
		var err error
		resp, err = c.send(ctx, request{
			op:     opDetails,
			method: http.MethodGet,
			path:   "/v2/checkout/orders/" + url.PathEscape(orderID),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	var body orderResponse
	if err := json.Unmarshal(resp.body, &body); err != nil {
		return nil, fmt.Errorf("%w: order details: %w", payment.ErrMalformedResponse, err)
	}
	return toOrderDetails(orderID, &body, resp.body)
}

func toOrderDetails(orderID string, body *orderResponse, raw []byte) (*payment.OrderDetails, error) {
	d := &payment.OrderDetails{
		OrderID:    body.ID,
		Status:     payment.Status(body.Status),
		PayerEmail: body.payerEmail(),
		Raw:        json.RawMessage(raw),
	}
	if d.OrderID == "" {
		d.OrderID = orderID
	}
	if len(body.PurchaseUnits) == 0 {
		if d.Status == payment.StatusCompleted {
			return nil, fmt.Errorf("%w: completed order without purchase units", payment.ErrMalformedResponse)
		}
		return d, nil
	}

	unit := body.PurchaseUnits[0]
	d.FarmID = parseFarmReference(unit.ReferenceID)
	cp := body.firstCapture()

	gross := unit.Amount
	if gross == nil && cp != nil {
		gross = cp.Amount
	}
	if gross != nil {
		v, err := parseMoney(gross)
		if err != nil {
			return nil, err
		}
		d.Gross = v
		d.Currency = gross.CurrencyCode
	}

	if cp != nil && cp.SellerReceivableBreakdown != nil {
		b := cp.SellerReceivableBreakdown
		if b.PayPalFee != nil {
			fee, err := parseMoney(b.PayPalFee)
			if err != nil {
				return nil, err
			}
			d.Fee = fee
		}
		if b.NetAmount != nil {
			net, err := parseMoney(b.NetAmount)
			if err != nil {
				return nil, err
			}
			d.Net = &net
		}
	}

	for _, it := range unit.Items {
		price, err := parseMoney(&it.UnitAmount)
		if err != nil {
			return nil, err
		}
		qty, err := strconv.Atoi(it.Quantity)
		if err != nil {
			return nil, fmt.Errorf("%w: item %q quantity %q", payment.ErrMalformedResponse, it.SKU, it.Quantity)
		}
		d.Items = append(d.Items, payment.CapturedItem{
			SKU:       it.SKU,
			Name:      it.Name,
			UnitPrice: price,
			Quantity:  qty,
		})
	}
	return d, nil
}

const farmReferencePrefix = "farm-"

func farmReference(farmID int64) string {
	return farmReferencePrefix + strconv.FormatInt(farmID, 10)
}

// parseFarmReference returns zero for references this service did not write.
func parseFarmReference(ref string) int64 {
	id, ok := strings.CutPrefix(ref, farmReferencePrefix)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func parseMoney(m *money) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(m.Value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: amount %q", payment.ErrMalformedResponse, m.Value)
	}
	return v, nil
}
