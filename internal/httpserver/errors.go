package httpserver

import (
	"encoding/json"
	"net/http"
)

const (
	ErrInvalidJSON       = "invalid_json"
	ErrInvalidRequest    = "invalid_payment_request"
	ErrGatewayFailure    = "gateway_failure"
	ErrMissingID         = "missing_id"
	ErrDependency        = "dependency_error"
	ErrNotFound          = "not_found"
	ErrGenericPayFailure = "Payment could not be started. Please try again later."
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}
