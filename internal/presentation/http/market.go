package httppresentation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Zhima-Mochi/farmmarket/internal/application/checkout"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/catalog"
	domcheckout "github.com/Zhima-Mochi/farmmarket/internal/domain/checkout"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/sale"
)

var errInvalidBody = errors.New("invalid request body")

type productResponse struct {
	ID           string `json:"id"`
	FarmID       int64  `json:"farm_id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Price        string `json:"price"`
	Image        string `json:"image,omitempty"`
	AmountToSell int    `json:"amount_to_sell"`
	Unit         string `json:"unit,omitempty"`
	TotalSales   int    `json:"total_sales"`
}

func toProductResponse(p catalog.Product) productResponse {
	return productResponse{
		ID:           p.ID,
		FarmID:       p.FarmID,
		Name:         p.Name,
		Description:  p.Description,
		Price:        domcheckout.FormatAmount(p.Price),
		Image:        p.Image,
		AmountToSell: p.AmountToSell,
		Unit:         p.Unit,
		TotalSales:   p.TotalSales,
	}
}

func (h *Handler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	farmID, ok := farmIDParam(w, r)
	if !ok {
		return
	}
	products, err := h.deps.Market.ListProducts(r.Context(), farmID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]productResponse, 0, len(products))
	for _, p := range products {
		out = append(out, toProductResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	farmID, ok := farmIDParam(w, r)
	if !ok {
		return
	}
	p, err := h.deps.Market.GetProduct(r.Context(), farmID, chi.URLParam(r, "productId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResponse(*p))
}

// productRef accepts a product id sent as a JSON string or number.
type productRef string

func (p *productRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = productRef(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("product id must be a string or number: %w", err)
	}
	*p = productRef(n.String())
	return nil
}

type cartItemRequest struct {
	ProductID productRef  `json:"productId"`
	SKU       productRef  `json:"sku"`
	Quantity  json.Number `json:"quantity"`
}

type createOrderRequest struct {
	Cart []cartItemRequest `json:"cart"`
}

func (req createOrderRequest) toCart() ([]domcheckout.CartItem, error) {
	cart := make([]domcheckout.CartItem, 0, len(req.Cart))
	for i, it := range req.Cart {
		id := string(it.ProductID)
		if id == "" {
			id = string(it.SKU)
		}
		qty, err := strconv.Atoi(it.Quantity.String())
		if err != nil {
			return nil, fmt.Errorf("%w: cart[%d] quantity %q", domcheckout.ErrInvalidQuantity, i, it.Quantity.String())
		}
		cart = append(cart, domcheckout.CartItem{ProductID: id, Quantity: qty})
	}
	return cart, nil
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	farmID, ok := farmIDParam(w, r)
	if !ok {
		return
	}
	var req createOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cart, err := req.toCart()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.deps.CreateOrder.Execute(r.Context(), checkout.CreateOrderInput{FarmID: farmID, Cart: cart})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set(headerSettlementState, string(res.Stage))
	order := res.Order
	writeGatewayPayload(w, order.HTTPStatus, order.Raw, orderResponse{ID: order.ID, Status: string(order.Status)})
}

type captureOrderRequest struct {
	OrderID string `json:"orderID"`
}

func (h *Handler) handleCaptureOrder(w http.ResponseWriter, r *http.Request) {
	farmID, ok := farmIDParam(w, r)
	if !ok {
		return
	}
	var req captureOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.deps.CaptureOrder.Execute(r.Context(), checkout.CaptureOrderInput{FarmID: farmID, OrderID: req.OrderID})
	if res != nil {
		w.Header().Set(headerSettlementState, string(res.Stage))
	}
	if err != nil {
		if res.Charged() {
			writeJSON(w, http.StatusInternalServerError, errorResponse{
				Error:    err.Error(),
				Captured: true,
				OrderID:  res.OrderID,
				Stage:    string(res.Stage),
			})
			return
		}
		writeDomainError(w, err)
		return
	}

	fallback := orderResponse{ID: res.OrderID}
	if res.Capture != nil {
		fallback.Status = string(res.Capture.Status)
	} else if res.Details != nil {
		fallback.Status = string(res.Details.Status)
	}
	writeGatewayPayload(w, res.HTTPStatus, res.Payload, fallback)
}

type saleResponse struct {
	Gross      string    `json:"gross"`
	Fee        string    `json:"fee"`
	Net        string    `json:"net"`
	Currency   string    `json:"currency"`
	PayerEmail string    `json:"payer_email,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type orderStatusResponse struct {
	OrderID       string        `json:"order_id"`
	GatewayStatus string        `json:"gateway_status"`
	Settled       bool          `json:"settled"`
	Sale          *saleResponse `json:"sale,omitempty"`
}

func (h *Handler) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	farmID, ok := farmIDParam(w, r)
	if !ok {
		return
	}
	st, err := h.deps.Market.OrderStatus(r.Context(), farmID, chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := orderStatusResponse{
		OrderID:       st.OrderID,
		GatewayStatus: string(st.GatewayStatus),
		Settled:       st.Settled,
	}
	if st.Sale != nil {
		out.Sale = toSaleResponse(st.Sale)
	}
	writeJSON(w, http.StatusOK, out)
}

func toSaleResponse(s *sale.Sale) *saleResponse {
	return &saleResponse{
		Gross:      domcheckout.FormatAmount(s.Gross),
		Fee:        domcheckout.FormatAmount(s.Fee),
		Net:        domcheckout.FormatAmount(s.Net),
		Currency:   s.Currency,
		PayerEmail: s.PayerEmail,
		CreatedAt:  s.CreatedAt,
	}
}

// farmIDParam answers 404 for ids that cannot name a farm.
func farmIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "farmId"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, catalog.ErrFarmNotFound)
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.UseNumber()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("%w: %w", errInvalidBody, err)
	}
	return nil
}

// writeGatewayPayload echoes the authority's JSON with its status code, as the
// browser SDK expects. fallback is used when no raw payload was kept.
func writeGatewayPayload(w http.ResponseWriter, status int, raw json.RawMessage, fallback any) {
	if status < 200 || status > 299 {
		status = http.StatusCreated
	}
	if len(raw) == 0 {
		writeJSON(w, status, fallback)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}
