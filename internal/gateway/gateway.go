package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"storefront/internal/domain"
	"storefront/internal/observability"
	"storefront/internal/providers/mpesa"
	"storefront/internal/store"
	"storefront/internal/util"
)

type Store interface {
	TransitionIntent(ctx context.Context, in store.IntentTransition) (domain.PaymentIntent, error)
}

type Provider interface {
	STKPush(ctx context.Context, req mpesa.PushRequest) (mpesa.PushResponse, int, []byte, error)
}

type Gateway struct {
	Store    Store
	Provider Provider
	Limiter  *rate.Limiter
	Breaker  *gobreaker.CircuitBreaker

	CallTimeout time.Duration
	Now         func() time.Time
}

// Result is the outcome of a submit. CustomerMessage is the provider's
// prompt text on acceptance.
type Result struct {
	Intent          domain.PaymentIntent
	CustomerMessage string
}

// storeTimeout bounds each intent write made after the caller may have
// gone away.
const storeTimeout = 5 * time.Second

// Submit moves a created intent to submitted, sends the STK push without
// holding any intent lock, and records acceptance or rejection. A push is
// never resent. Once submitted, the outcome is recorded even if ctx is
// cancelled. A caller gone before the push is rejected without prompting
// the handset.
func (g *Gateway) Submit(ctx context.Context, intent domain.PaymentIntent) (Result, error) {
	log := slog.With("intent_id", intent.ID, "order_reference", intent.OrderReference)
	detached := context.WithoutCancel(ctx)

	submitted, err := g.transition(detached, store.IntentTransition{
		ID: intent.ID, From: domain.StateCreated, To: domain.StateSubmitted, Now: g.now(),
	})
	if err != nil {
		return Result{Intent: intent}, err
	}

	if err := ctx.Err(); err != nil {
		observability.PaymentPushes.WithLabelValues("abandoned", "0").Inc()
		return g.reject(detached, submitted, "request cancelled before the push", err)
	}

	if g.Limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := g.Limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			observability.PaymentPushes.WithLabelValues("rate_limited_local", "0").Inc()
			return g.reject(detached, submitted, "rate limited", fmt.Errorf("%w: local rate limit", domain.ErrGatewayUnavailable))
		}
	}

	start := time.Now()
	res, err := g.executeWithBreaker(detached, mpesa.PushRequest{
		PhoneNumber:    submitted.PhoneNumber,
		Amount:         submitted.Amount,
		OrderReference: submitted.OrderReference,
	})
	observability.PaymentPushLatency.Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.PaymentPushes.WithLabelValues("cb_open", "0").Inc()
		log.Warn("stk push short-circuited", "err", err)
		return g.reject(detached, submitted, "payment provider unavailable", fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err))
	}

	if err != nil {
		var pce pushCallError
		httpStatus := 0
		if errors.As(err, &pce) {
			httpStatus = pce.httpStatus
		}
		observability.PaymentPushes.WithLabelValues("error", strconv.Itoa(httpStatus)).Inc()
		log.Warn("stk push failed", "http_status", httpStatus, "phone", util.MaskMSISDN(submitted.PhoneNumber), "err", err)

		msg := providerMessage(err)
		if mpesa.Transient(err) {
			return g.reject(detached, submitted, msg, fmt.Errorf("%w: %s", domain.ErrGatewayUnavailable, msg))
		}
		return g.reject(detached, submitted, msg, fmt.Errorf("%w: %s", domain.ErrProviderRejected, msg))
	}

	observability.PaymentPushes.WithLabelValues("ok", strconv.Itoa(res.httpStatus)).Inc()

	accepted, err := g.transition(detached, store.IntentTransition{
		ID: submitted.ID, From: domain.StateSubmitted, To: domain.StateProviderAccepted, Now: g.now(),
		Extra: domain.TransitionExtra{
			ProviderCheckoutID: res.resp.CheckoutRequestID,
			ProviderMerchantID: res.resp.MerchantRequestID,
		},
	})
	if err != nil {
		// The handset has been prompted. A callback for the unrecorded
		// checkout id surfaces as an anomaly and the sweeper rejects the
		// intent.
		log.Error("record provider acceptance", "checkout_request_id", res.resp.CheckoutRequestID, "err", err)
		return Result{Intent: submitted}, err
	}
	log.Info("stk push accepted", "checkout_request_id", accepted.ProviderCheckoutID)
	return Result{Intent: accepted, CustomerMessage: res.resp.CustomerMessage}, nil
}

func (g *Gateway) reject(ctx context.Context, intent domain.PaymentIntent, msg string, cause error) (Result, error) {
	rejected, err := g.transition(ctx, store.IntentTransition{
		ID: intent.ID, From: domain.StateSubmitted, To: domain.StateProviderRejected, Now: g.now(),
		Extra: domain.TransitionExtra{LastError: msg},
	})
	if err != nil {
		slog.Error("record provider rejection", "intent_id", intent.ID, "err", err)
		return Result{Intent: intent}, cause
	}
	return Result{Intent: rejected}, cause
}

func (g *Gateway) transition(ctx context.Context, in store.IntentTransition) (domain.PaymentIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return g.Store.TransitionIntent(ctx, in)
}

func (g *Gateway) executeWithBreaker(ctx context.Context, req mpesa.PushRequest) (pushResult, error) {
	call := func() (any, error) {
		timeout := g.CallTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, httpStatus, _, callErr := g.Provider.STKPush(reqCtx, req)
		if callErr != nil {
			return nil, pushCallError{err: callErr, httpStatus: httpStatus}
		}
		return pushResult{resp: resp, httpStatus: httpStatus}, nil
	}

	var out any
	var err error
	if g.Breaker == nil {
		out, err = call()
	} else {
		out, err = g.Breaker.Execute(call)
	}
	if err != nil {
		return pushResult{}, err
	}
	return out.(pushResult), nil
}

// NewBreaker trips only on provider unavailability. Rejections of a bad
// request say nothing about provider health.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !mpesa.Transient(err)
		},
	})
}

func providerMessage(err error) string {
	var pe *mpesa.Error
	if errors.As(err, &pe) && pe.Message != "" && pe.HTTPStatus > 0 && pe.HTTPStatus < 500 {
		return pe.Message
	}
	if mpesa.Transient(err) {
		return "payment provider unavailable, try again later"
	}
	return "payment request failed"
}

func (g *Gateway) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return util.NowUTC()
}

type pushResult struct {
	resp       mpesa.PushResponse
	httpStatus int
}

type pushCallError struct {
	err        error
	httpStatus int
}

func (e pushCallError) Error() string { return e.err.Error() }
func (e pushCallError) Unwrap() error { return e.err }
