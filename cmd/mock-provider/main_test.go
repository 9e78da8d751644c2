package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/config"
	"storefront/internal/providers/mpesa"
)

func startMock(t *testing.T, outcome string) *httptest.Server {
	t.Helper()
	s := newServer(config.MockProviderConfig{Outcome: outcome, TokenTTL: time.Hour, MaxRetries: 1})
	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)
	return srv
}

func clientFor(base, callbackURL string) *mpesa.Client {
	return &mpesa.Client{
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    callbackURL,
		BaseURL:        base,
	}
}

func TestMockPaidFlowDeliversCallback(t *testing.T) {
	got := make(chan []byte, 1)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- b
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	srv := startMock(t, "paid")
	c := clientFor(srv.URL, receiver.URL)

	resp, status, _, err := c.STKPush(context.Background(), mpesa.PushRequest{
		PhoneNumber: "254712345678", Amount: 250, OrderReference: "ORD1",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "0", resp.ResponseCode)

	select {
	case body := <-got:
		cb, err := mpesa.ParseCallback(body)
		require.NoError(t, err)
		assert.Equal(t, resp.CheckoutRequestID, cb.CheckoutRequestID)
		assert.True(t, cb.Succeeded())
		amount, ok := cb.Amount()
		assert.True(t, ok)
		assert.Equal(t, int64(250), amount)
		assert.Equal(t, "254712345678", cb.PhoneNumber())
		assert.NotEmpty(t, cb.Receipt())
	case <-time.After(3 * time.Second):
		t.Fatal("no callback received")
	}
}

func TestMockRejectIsNotTransient(t *testing.T) {
	srv := startMock(t, "reject")
	_, status, _, err := clientFor(srv.URL, "http://unused.test/cb").STKPush(context.Background(), mpesa.PushRequest{
		PhoneNumber: "254712345678", Amount: 10, OrderReference: "ORD2",
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, mpesa.Transient(err))
}

func TestMockUnavailableIsTransient(t *testing.T) {
	srv := startMock(t, "unavailable")
	_, _, _, err := clientFor(srv.URL, "http://unused.test/cb").STKPush(context.Background(), mpesa.PushRequest{
		PhoneNumber: "254712345678", Amount: 10, OrderReference: "ORD3",
	})
	require.Error(t, err)
	assert.True(t, mpesa.Transient(err))
}

func TestCallbackBodyOutcomes(t *testing.T) {
	req := pushRequest{PhoneNumber: "254712345678", Amount: 5}

	body, ok := callbackBody("cancelled", "m", "ws_CO_1", req, "R1")
	require.True(t, ok)
	cb, err := mpesa.ParseCallback(body)
	require.NoError(t, err)
	assert.Equal(t, 1032, cb.ResultCode)

	body, ok = callbackBody("insufficient", "m", "ws_CO_1", req, "R1")
	require.True(t, ok)
	cb, err = mpesa.ParseCallback(body)
	require.NoError(t, err)
	assert.Equal(t, 1, cb.ResultCode)

	_, ok = callbackBody("none", "m", "ws_CO_1", req, "R1")
	assert.False(t, ok)
}
