package httppresentation

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Zhima-Mochi/farmmarket/internal/application/checkout"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/catalog"
	domcheckout "github.com/Zhima-Mochi/farmmarket/internal/domain/checkout"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/payment"
	"github.com/Zhima-Mochi/farmmarket/internal/domain/sale"
)

type errorResponse struct {
	Error    string `json:"error"`
	DebugID  string `json:"debug_id,omitempty"`
	Issue    string `json:"issue,omitempty"`
	Captured bool   `json:"captured,omitempty"`
	OrderID  string `json:"order_id,omitempty"`
	Stage    string `json:"stage,omitempty"`
	Hint     string `json:"hint,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domcheckout.ErrEmptyCart),
		errors.Is(err, domcheckout.ErrInvalidQuantity),
		errors.Is(err, domcheckout.ErrUnknownProduct),
		errors.Is(err, domcheckout.ErrNonPositiveTotal),
		errors.Is(err, domcheckout.ErrMissingOrderID),
		errors.Is(err, errInvalidBody):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, catalog.ErrFarmNotFound),
		errors.Is(err, catalog.ErrProductNotFound),
		errors.Is(err, sale.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, payment.ErrCaptureIndeterminate):
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{
			Error: err.Error(),
			Hint:  "capture outcome unknown; query the order status before retrying",
		})
	case errors.Is(err, checkout.ErrSettlementFailed):
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Captured: true})
	case errors.Is(err, domcheckout.ErrCatalogUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		if ge, ok := payment.AsGatewayError(err); ok {
			writeJSON(w, gatewayHTTPStatus(ge), errorResponse{
				Error:   ge.Error(),
				DebugID: ge.DebugID,
				Issue:   ge.Issue,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
	}
}

// gatewayHTTPStatus passes the authority's status through when it answered,
// and reports 503 when no answer was received.
func gatewayHTTPStatus(ge *payment.GatewayError) int {
	switch {
	case ge.HTTPStatus == 0:
		return http.StatusServiceUnavailable
	case ge.HTTPStatus == http.StatusUnauthorized, ge.HTTPStatus == http.StatusForbidden:
		// Our credentials were refused; not the buyer's fault.
		return http.StatusBadGateway
	case ge.HTTPStatus >= 400:
		return ge.HTTPStatus
	default:
		return http.StatusBadGateway
	}
}
