package httpserver

import (
	"context"
	"crypto/hmac"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"storefront/internal/observability"
	"storefront/internal/reconcile"
)

const maxCallbackBody = 64 << 10

type CallbackReconciler interface {
	HandleCallback(ctx context.Context, payload []byte) (reconcile.Outcome, error)
}

type CallbackQueue interface {
	Enqueue(ctx context.Context, payload []byte) error
}

// Callback receives provider result notifications. The provider retries
// on anything but 200, so every request is acknowledged.
type Callback struct {
	Reconciler CallbackReconciler
	Queue      CallbackQueue
	Token      string
}

func (c *Callback) Register(m *mux.Router) {
	m.HandleFunc("/payments/callback", c.handleCallback).Methods(http.MethodPost)
}

func (c *Callback) handleCallback(w http.ResponseWriter, r *http.Request) {
	defer writeJSON(w, http.StatusOK, map[string]bool{"ack": true})

	if c.Token != "" && !hmac.Equal([]byte(r.URL.Query().Get("token")), []byte(c.Token)) {
		observability.Callbacks.WithLabelValues("bad_token").Inc()
		slog.Warn("payment callback with bad token dropped", "remote", r.RemoteAddr)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		slog.Warn("payment callback read failed", "err", err)
		return
	}

	if c.Queue != nil {
		err := c.Queue.Enqueue(r.Context(), body)
		if err == nil {
			observability.CallbackEnqueues.WithLabelValues("ok").Inc()
			return
		}
		observability.CallbackEnqueues.WithLabelValues("error").Inc()
		slog.Error("callback enqueue failed, reconciling inline", "err", err)
	}

	if _, err := c.Reconciler.HandleCallback(context.WithoutCancel(r.Context()), body); err != nil {
		slog.Error("payment callback not applied", "err", err)
	}
}
