package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/chat"
	"storefront/internal/domain"
	"storefront/internal/reconcile"
	"storefront/internal/store"
	"storefront/internal/store/memory"
)

type fakePayments struct {
	resp domain.PushResponse
	err  error
	got  domain.PushRequest
}

func (f *fakePayments) Push(_ context.Context, req domain.PushRequest) (domain.PushResponse, error) {
	f.got = req
	return f.resp, f.err
}

func (f *fakePayments) Get(_ context.Context, id string) (domain.PaymentIntent, error) {
	if id == "pi_1" {
		return domain.PaymentIntent{ID: "pi_1", State: domain.StateProviderAccepted}, nil
	}
	return domain.PaymentIntent{}, domain.ErrIntentNotFound
}

type fakeQueue struct {
	err  error
	sent [][]byte
}

func (q *fakeQueue) Enqueue(_ context.Context, payload []byte) error {
	q.sent = append(q.sent, payload)
	return q.err
}

func newRouter(api *API, cb *Callback) *Server {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_requests_total"}, []string{"endpoint", "status"})
	s := New(counter)
	if api != nil {
		api.Register(s.Mux)
	}
	if cb != nil {
		cb.Register(s.Mux)
	}
	s.RegisterHealth(time.Second)
	return s
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var out map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	}
	return rr, out
}

func TestPushStatusMapping(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{"accepted", nil, http.StatusAccepted, "", ""},
		{"invalid", fmt.Errorf("%w: amount must be positive", domain.ErrInvalidPaymentRequest), http.StatusBadRequest, ErrInvalidRequest, "amount must be positive"},
		{"rejected", fmt.Errorf("%w: Bad Request - Invalid PhoneNumber", domain.ErrProviderRejected), http.StatusBadGateway, ErrGatewayFailure, "Bad Request - Invalid PhoneNumber"},
		{"unavailable", fmt.Errorf("%w: upstream 503", domain.ErrGatewayUnavailable), http.StatusBadGateway, ErrGatewayFailure, ErrGenericPayFailure},
		{"other", errors.New("db down"), http.StatusBadGateway, ErrGatewayFailure, ErrGenericPayFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pay := &fakePayments{resp: domain.PushResponse{IntentID: "pi_1", State: domain.StateProviderAccepted, CheckoutRequestID: "ws_CO_1"}, err: tc.err}
			s := newRouter(&API{Payments: pay}, nil)

			rr, body := do(t, s.Mux, http.MethodPost, "/payments/push", `{"phoneNumber":"0712345678","amount":"250","orderReference":"ORD1"}`)
			assert.Equal(t, tc.status, rr.Code)
			assert.Equal(t, "250", pay.got.Amount.String())
			if tc.err == nil {
				assert.Equal(t, "pi_1", body["intentId"])
				assert.Equal(t, "ws_CO_1", body["checkoutRequestId"])
				return
			}
			assert.Equal(t, tc.code, body["error"])
			assert.Equal(t, tc.message, body["message"])
		})
	}
}

func TestPushRejectsMalformedJSON(t *testing.T) {
	s := newRouter(&API{Payments: &fakePayments{}}, nil)
	rr, body := do(t, s.Mux, http.MethodPost, "/payments/push", `{"amount":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, ErrInvalidJSON, body["error"])
}

func TestGetPayment(t *testing.T) {
	s := newRouter(&API{Payments: &fakePayments{}}, nil)

	rr, body := do(t, s.Mux, http.MethodGet, "/payments/pi_1", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "provider_accepted", body["state"])

	rr, _ = do(t, s.Mux, http.MethodGet, "/payments/pi_nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func seedAccepted(t *testing.T, s *memory.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	in, err := domain.NewPaymentIntent("pi_1", "ORD1", "0712345678", 250, now)
	require.NoError(t, err)
	_, err = s.CreateIntent(ctx, in)
	require.NoError(t, err)
	_, err = s.TransitionIntent(ctx, store.IntentTransition{ID: "pi_1", From: domain.StateCreated, To: domain.StateSubmitted, Now: now})
	require.NoError(t, err)
	_, err = s.TransitionIntent(ctx, store.IntentTransition{ID: "pi_1", From: domain.StateSubmitted, To: domain.StateProviderAccepted, Now: now,
		Extra: domain.TransitionExtra{ProviderCheckoutID: "ws_CO_1"}})
	require.NoError(t, err)
}

const paidBody = `{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"ok","CallbackMetadata":{"Item":[{"Name":"MpesaReceiptNumber","Value":"R1"},{"Name":"Amount","Value":250}]}}}}`

func TestCallbackAlwaysAcks(t *testing.T) {
	ms := memory.New()
	seedAccepted(t, ms)
	s := newRouter(nil, &Callback{Reconciler: &reconcile.Reconciler{Store: ms}})

	for _, body := range []string{paidBody, paidBody, `garbage`, `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_zzz","ResultCode":1}}}`} {
		rr, out := do(t, s.Mux, http.MethodPost, "/payments/callback", body)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, true, out["ack"])
	}
	in, _, _ := ms.GetIntent(context.Background(), "pi_1")
	assert.Equal(t, domain.StateConfirmedPaid, in.State)
	assert.Len(t, ms.CallbackEvents(), 4)
}

func TestCallbackTokenMismatchIsDropped(t *testing.T) {
	ms := memory.New()
	seedAccepted(t, ms)
	s := newRouter(nil, &Callback{Reconciler: &reconcile.Reconciler{Store: ms}, Token: "s3cret"})

	rr, out := do(t, s.Mux, http.MethodPost, "/payments/callback?token=wrong", paidBody)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, out["ack"])
	in, _, _ := ms.GetIntent(context.Background(), "pi_1")
	assert.Equal(t, domain.StateProviderAccepted, in.State)
	assert.Empty(t, ms.CallbackEvents())

	do(t, s.Mux, http.MethodPost, "/payments/callback?token=s3cret", paidBody)
	in, _, _ = ms.GetIntent(context.Background(), "pi_1")
	assert.Equal(t, domain.StateConfirmedPaid, in.State)
}

func TestCallbackQueueAndFallback(t *testing.T) {
	ms := memory.New()
	seedAccepted(t, ms)
	q := &fakeQueue{}
	cb := &Callback{Reconciler: &reconcile.Reconciler{Store: ms}, Queue: q}
	s := newRouter(nil, cb)

	do(t, s.Mux, http.MethodPost, "/payments/callback", paidBody)
	require.Len(t, q.sent, 1)
	assert.JSONEq(t, paidBody, string(q.sent[0]))
	in, _, _ := ms.GetIntent(context.Background(), "pi_1")
	assert.Equal(t, domain.StateProviderAccepted, in.State)

	q.err = errors.New("sqs down")
	rr, _ := do(t, s.Mux, http.MethodPost, "/payments/callback", paidBody)
	assert.Equal(t, http.StatusOK, rr.Code)
	in, _, _ = ms.GetIntent(context.Background(), "pi_1")
	assert.Equal(t, domain.StateConfirmedPaid, in.State)
}

func TestHealthEndpoints(t *testing.T) {
	s := New(nil)
	calls := 0
	s.RegisterHealth(time.Second, func(context.Context) error {
		calls++
		if calls > 1 {
			return errors.New("db gone")
		}
		return nil
	})

	rr, _ := do(t, s.Mux, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	rr, _ = do(t, s.Mux, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	rr, _ = do(t, s.Mux, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestChatSocketUpgradesThroughMiddleware(t *testing.T) {
	hub := chat.NewHub(chat.HubOptions{})
	defer hub.Close()
	s := newRouter(nil, nil)
	s.Mux.Handle("/chat/ws", hub).Methods(http.MethodGet)
	srv := httptest.NewServer(s.Mux)
	defer srv.Close()

	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/chat/ws", nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, ws.WriteJSON(map[string]any{"event": "identify", "data": map[string]any{"identity": "admin", "isAdmin": true}}))
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env chat.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, chat.EventPresenceList, env.Event)
}
