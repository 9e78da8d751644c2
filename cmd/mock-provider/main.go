package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"storefront/internal/config"
	"storefront/internal/httpserver"
	"storefront/internal/logging"
)

// pushRequest is the subset of the STK push body the mock reads.
type pushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	Amount            int64  `json:"Amount"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
}

type server struct {
	cfg    config.MockProviderConfig
	idx    uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client

	tokensMu sync.Mutex
	tokens   map[string]time.Time
}

func main() {
	cfg := config.LoadMockProvider()
	logging.Init("mock-provider", cfg.LogFormat, cfg.LogLevel)

	s := newServer(cfg)
	slog.Info("mock provider listening", "port", cfg.Port, "outcome", cfg.Outcome)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func newServer(cfg config.MockProviderConfig) *server {
	return &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
		tokens: map[string]time.Time{},
	}
}

func (s *server) routes() *mux.Router {
	router := httpserver.New(nil).Mux
	router.HandleFunc("/oauth/v1/generate", s.handleToken).Methods(http.MethodGet)
	router.HandleFunc("/mpesa/stkpush/v1/processrequest", s.handlePush).Methods(http.MethodPost)
	return router
}

func (s *server) handleToken(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user == "" || pass == "" || r.URL.Query().Get("grant_type") != "client_credentials" {
		writeError(w, http.StatusBadRequest, "400.008.01", "Invalid Authentication passed")
		return
	}

	token := fmt.Sprintf("mock-%d-%d", time.Now().UnixNano(), atomic.AddUint64(&s.idx, 1))
	s.tokensMu.Lock()
	s.tokens[token] = time.Now().Add(s.cfg.TokenTTL)
	s.tokensMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"expires_in":   strconv.Itoa(int(s.cfg.TokenTTL.Seconds())),
	})
}

func (s *server) handlePush(w http.ResponseWriter, r *http.Request) {
	if !s.validToken(r.Header.Get("Authorization")) {
		writeError(w, http.StatusUnauthorized, "404.001.04", "Invalid Access Token")
		return
	}

	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "400.002.02", "Bad Request - Invalid Body")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "400.002.02", "Bad Request - Invalid Amount")
		return
	}
	if !strings.HasPrefix(req.PhoneNumber, "254") || len(req.PhoneNumber) != 12 {
		writeError(w, http.StatusBadRequest, "400.002.02", "Bad Request - Invalid PhoneNumber")
		return
	}

	switch s.cfg.Outcome {
	case "reject":
		writeError(w, http.StatusBadRequest, "400.002.05", "Invalid Request Payload")
		return
	case "unavailable":
		writeError(w, http.StatusServiceUnavailable, "503.001.01", "Service Unavailable")
		return
	}

	n := atomic.AddUint64(&s.idx, 1)
	checkoutID := fmt.Sprintf("ws_CO_%s%06d", time.Now().UTC().Format("02012006150405"), n)
	merchantID := fmt.Sprintf("mock-%d", n)

	writeJSON(w, http.StatusOK, map[string]string{
		"MerchantRequestID":   merchantID,
		"CheckoutRequestID":   checkoutID,
		"ResponseCode":        "0",
		"ResponseDescription": "Success. Request accepted for processing",
		"CustomerMessage":     "Success. Request accepted for processing",
	})

	body, ok := callbackBody(s.cfg.Outcome, merchantID, checkoutID, req, s.receipt(n))
	if !ok || req.CallBackURL == "" {
		return
	}
	go func() {
		time.Sleep(s.cfg.CallbackDelay)
		_ = s.postCallbackWithRetry(context.Background(), req.CallBackURL, body)
	}()
}

func (s *server) validToken(header string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	exp, found := s.tokens[token]
	return found && time.Now().Before(exp)
}

func (s *server) receipt(n uint64) string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	b := make([]byte, 6)
	for i := range b {
		b[i] = letters[s.rng.Intn(len(letters))]
	}
	return fmt.Sprintf("NL%s%02d", b, n%100)
}

// callbackBody builds the result callback for outcome. ok is false when no
// callback should be sent.
func callbackBody(outcome, merchantID, checkoutID string, req pushRequest, receipt string) ([]byte, bool) {
	cb := map[string]any{
		"MerchantRequestID": merchantID,
		"CheckoutRequestID": checkoutID,
	}
	switch outcome {
	case "paid":
		phone, _ := strconv.ParseInt(req.PhoneNumber, 10, 64)
		cb["ResultCode"] = 0
		cb["ResultDesc"] = "The service request is processed successfully."
		cb["CallbackMetadata"] = map[string]any{
			"Item": []map[string]any{
				{"Name": "Amount", "Value": req.Amount},
				{"Name": "MpesaReceiptNumber", "Value": receipt},
				{"Name": "TransactionDate", "Value": time.Now().UTC().Add(3 * time.Hour).Format("20060102150405")},
				{"Name": "PhoneNumber", "Value": phone},
			},
		}
	case "cancelled":
		cb["ResultCode"] = 1032
		cb["ResultDesc"] = "Request cancelled by user"
	case "insufficient":
		cb["ResultCode"] = 1
		cb["ResultDesc"] = "The balance is insufficient for the transaction"
	default:
		return nil, false
	}
	b, err := json.Marshal(map[string]any{"Body": map[string]any{"stkCallback": cb}})
	if err != nil {
		return nil, false
	}
	return b, true
}

func (s *server) postCallbackWithRetry(ctx context.Context, callbackURL string, body []byte) error {
	maxAttempts := s.cfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		if err == nil && status >= 200 && status < 300 {
			slog.Info("mock callback delivered", "url", callbackURL, "attempt", attempt+1)
			return nil
		}

		if attempt == maxAttempts-1 {
			slog.Error("mock callback post failed", "url", callbackURL, "attempt", attempt+1, "status", status, "err", err)
			return fmt.Errorf("callback post failed: status=%d", status)
		}

		wait := s.retryBackoff(attempt)
		slog.Warn("mock callback post retrying", "url", callbackURL, "attempt", attempt+1, "status", status, "wait_ms", wait.Milliseconds())
		time.Sleep(wait)
	}
	return nil
}

func (s *server) retryBackoff(attempt int) time.Duration {
	const (
		base = 250 * time.Millisecond
		max  = 10 * time.Second
	)
	wait := base * time.Duration(1<<attempt)
	if wait > max {
		wait = max
	}
	// +/- 20% jitter.
	delta := int64(wait) / 5
	s.rngMu.Lock()
	j := s.rng.Int63n(2*delta+1) - delta
	s.rngMu.Unlock()
	return time.Duration(int64(wait) + j)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{
		"requestId":    fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		"errorCode":    code,
		"errorMessage": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
