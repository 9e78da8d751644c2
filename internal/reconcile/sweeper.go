package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"storefront/internal/domain"
	"storefront/internal/observability"
	"storefront/internal/store"
	"storefront/internal/util"
)

const (
	DefaultTimeout   = 2 * time.Minute
	DefaultInterval  = 15 * time.Second
	DefaultBatchSize = 100

	maxPagesPerSweep = 50
)

type SweepStore interface {
	ListStaleIntents(ctx context.Context, state domain.PaymentState, before time.Time, limit int) ([]domain.PaymentIntent, error)
	TransitionIntent(ctx context.Context, in store.IntentTransition) (domain.PaymentIntent, error)
}

// Sweeper resolves intents that never received a callback or whose
// provider response was never recorded.
type Sweeper struct {
	Store     SweepStore
	Timeout   time.Duration
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
}

func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	slog.Info("timeout sweeper started", "interval", interval.String(), "timeout", s.timeout().String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("timeout sweeper stopped")
			return
		case <-t.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Error("timeout sweep failed", "err", err)
			}
		}
	}
}

// sweepRule moves intents stuck in from to the terminal state to.
type sweepRule struct {
	from, to domain.PaymentState
	reason   string
}

// SweepOnce resolves every intent stuck longer than Timeout and returns
// how many it moved. provider_accepted intents time out. submitted intents
// never had their provider response recorded and are rejected, which
// frees the order for a new push. Intents resolved in the meantime are
// skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	rules := []sweepRule{
		{from: domain.StateProviderAccepted, to: domain.StateTimedOut, reason: "no provider callback within " + s.timeout().String()},
		{from: domain.StateSubmitted, to: domain.StateProviderRejected, reason: "provider response not recorded"},
	}
	now := s.now()
	moved := 0
	for _, r := range rules {
		n, err := s.sweep(ctx, r, now)
		moved += n
		if err != nil {
			observability.Sweeps.WithLabelValues("error").Inc()
			return moved, err
		}
	}
	observability.Sweeps.WithLabelValues("ok").Inc()
	return moved, nil
}

func (s *Sweeper) sweep(ctx context.Context, r sweepRule, now time.Time) (int, error) {
	batch := s.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	cutoff := now.Add(-s.timeout())

	moved := 0
	for page := 0; page < maxPagesPerSweep; page++ {
		stale, err := s.Store.ListStaleIntents(ctx, r.from, cutoff, batch)
		if err != nil {
			return moved, err
		}
		progressed := 0
		for _, in := range stale {
			_, err := s.Store.TransitionIntent(ctx, store.IntentTransition{
				ID: in.ID, From: r.from, To: r.to, Now: now,
				Extra: domain.TransitionExtra{LastError: r.reason},
			})
			switch {
			case err == nil:
				moved++
				progressed++
				if r.to == domain.StateTimedOut {
					observability.TimedOut.Inc()
					slog.Info("payment timed out", "intent_id", in.ID, "checkout_request_id", in.ProviderCheckoutID)
				} else {
					observability.Anomalies.WithLabelValues("stale_" + string(r.from)).Inc()
					slog.Warn("stuck payment intent rejected", "intent_id", in.ID, "state", r.from, "order_reference", in.OrderReference)
				}
			case errors.Is(err, domain.ErrStaleTransition):
				progressed++
			default:
				return moved, err
			}
		}
		if len(stale) < batch || progressed == 0 {
			break
		}
	}
	return moved, nil
}

func (s *Sweeper) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}
