package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"storefront/internal/domain"
)

type PaymentService interface {
	Push(ctx context.Context, req domain.PushRequest) (domain.PushResponse, error)
	Get(ctx context.Context, id string) (domain.PaymentIntent, error)
}

type API struct {
	Payments PaymentService
}

func (a *API) Register(m *mux.Router) {
	m.HandleFunc("/payments/push", a.handlePush).Methods(http.MethodPost)
	m.HandleFunc("/payments/{id}", a.handleGetPayment).Methods(http.MethodGet)
}

func (a *API) handlePush(w http.ResponseWriter, r *http.Request) {
	var req domain.PushRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON, "request body must be a JSON object")
		return
	}

	resp, err := a.Payments.Push(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, resp)
	case errors.Is(err, domain.ErrInvalidPaymentRequest):
		writeError(w, http.StatusBadRequest, ErrInvalidRequest, userMessage(err, domain.ErrInvalidPaymentRequest))
	case errors.Is(err, domain.ErrProviderRejected):
		writeError(w, http.StatusBadGateway, ErrGatewayFailure, userMessage(err, domain.ErrProviderRejected))
	case errors.Is(err, domain.ErrGatewayUnavailable):
		writeError(w, http.StatusBadGateway, ErrGatewayFailure, ErrGenericPayFailure)
	default:
		slog.Error("payment push failed", "err", err, "order_reference", req.OrderReference)
		writeError(w, http.StatusBadGateway, ErrGatewayFailure, ErrGenericPayFailure)
	}
}

func (a *API) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		writeError(w, http.StatusBadRequest, ErrMissingID, "")
		return
	}
	in, err := a.Payments.Get(r.Context(), id)
	if errors.Is(err, domain.ErrIntentNotFound) {
		writeError(w, http.StatusNotFound, ErrNotFound, "")
		return
	}
	if err != nil {
		slog.Error("get payment failed", "err", err, "intent_id", id)
		writeError(w, http.StatusBadGateway, ErrDependency, "")
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// userMessage strips the sentinel prefix so the caller sees only the
// human-readable part.
func userMessage(err, sentinel error) string {
	msg := strings.TrimPrefix(err.Error(), sentinel.Error()+": ")
	if msg == "" || msg == err.Error() {
		return ErrGenericPayFailure
	}
	return msg
}
