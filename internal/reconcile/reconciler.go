package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"storefront/internal/domain"
	"storefront/internal/observability"
	"storefront/internal/providers/mpesa"
	"storefront/internal/store"
	"storefront/internal/util"
)

type Outcome string

const (
	OutcomeConfirmedPaid   Outcome = "confirmed_paid"
	OutcomeConfirmedFailed Outcome = "confirmed_failed"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeUnknownCheckout Outcome = "unknown_checkout"
	OutcomeUnexpectedState Outcome = "unexpected_state"
	OutcomeMalformed       Outcome = "malformed"
)

// Anomaly reports outcomes that were acknowledged without changing any
// intent because they could not be matched to one awaiting a result.
func (o Outcome) Anomaly() bool {
	return o == OutcomeUnknownCheckout || o == OutcomeUnexpectedState || o == OutcomeMalformed
}

type Store interface {
	InsertCallbackEvent(ctx context.Context, ev store.CallbackEvent) error
	FindByProviderCheckoutID(ctx context.Context, checkoutID string) (domain.PaymentIntent, bool, error)
	TransitionIntent(ctx context.Context, in store.IntentTransition) (domain.PaymentIntent, error)
}

type Reconciler struct {
	Store Store
	Now   func() time.Time
}

// HandleCallback applies one provider callback. The returned error is only
// set for store failures; every callback that could be read is settled by
// its Outcome, anomalies included.
func (r *Reconciler) HandleCallback(ctx context.Context, payload []byte) (Outcome, error) {
	now := r.now()

	cb, err := mpesa.ParseCallback(payload)
	if err != nil {
		if insErr := r.Store.InsertCallbackEvent(ctx, store.CallbackEvent{Provider: "mpesa", Payload: payload, ReceivedAt: now}); insErr != nil {
			return "", insErr
		}
		return r.anomaly(OutcomeMalformed, slog.String("err", err.Error())), nil
	}

	code := cb.ResultCode
	if err := r.Store.InsertCallbackEvent(ctx, store.CallbackEvent{
		Provider:          "mpesa",
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        &code,
		ResultDesc:        cb.ResultDesc,
		Payload:           payload,
		ReceivedAt:        now,
	}); err != nil {
		return "", err
	}

	log := slog.With("checkout_request_id", cb.CheckoutRequestID, "result_code", cb.ResultCode)

	intent, found, err := r.Store.FindByProviderCheckoutID(ctx, cb.CheckoutRequestID)
	if err != nil {
		return "", err
	}
	if !found {
		return r.anomaly(OutcomeUnknownCheckout, slog.String("checkout_request_id", cb.CheckoutRequestID)), nil
	}
	log = log.With("intent_id", intent.ID)

	target := domain.StateConfirmedFailed
	if cb.Succeeded() {
		target = domain.StateConfirmedPaid
	}
	if intent.State == target {
		observability.Callbacks.WithLabelValues(string(OutcomeDuplicate)).Inc()
		log.Info("duplicate callback ignored", "state", intent.State)
		return OutcomeDuplicate, nil
	}
	if intent.State != domain.StateProviderAccepted {
		return r.anomaly(OutcomeUnexpectedState,
			slog.String("checkout_request_id", cb.CheckoutRequestID),
			slog.String("intent_id", intent.ID),
			slog.String("state", string(intent.State)),
			slog.Int("result_code", cb.ResultCode)), nil
	}

	tr := store.IntentTransition{
		ID: intent.ID, From: domain.StateProviderAccepted, To: target, Now: now,
		Extra: domain.TransitionExtra{ResultCode: &code, ResultDesc: cb.ResultDesc},
	}
	if target == domain.StateConfirmedPaid {
		tr.Extra.ReceiptNumber = cb.Receipt()
		amount := intent.Amount
		if paid, ok := cb.Amount(); ok {
			if paid != intent.Amount {
				log.Warn("callback amount differs from intent", "intent_amount", intent.Amount, "paid_amount", paid)
			}
			amount = paid
		}
		tr.OrderPayment = &store.OrderPayment{
			OrderReference: intent.OrderReference,
			IntentID:       intent.ID,
			ReceiptNumber:  tr.Extra.ReceiptNumber,
			Amount:         amount,
			PaidAt:         now,
		}
	} else {
		tr.Extra.LastError = cb.ResultDesc
	}

	if _, err := r.Store.TransitionIntent(ctx, tr); err != nil {
		if !errors.Is(err, domain.ErrStaleTransition) {
			return "", err
		}
		// Lost a race with another callback or the sweep.
		cur, found, getErr := r.Store.FindByProviderCheckoutID(ctx, cb.CheckoutRequestID)
		if getErr == nil && found && cur.State == target {
			observability.Callbacks.WithLabelValues(string(OutcomeDuplicate)).Inc()
			return OutcomeDuplicate, nil
		}
		state := ""
		if found {
			state = string(cur.State)
		}
		return r.anomaly(OutcomeUnexpectedState,
			slog.String("checkout_request_id", cb.CheckoutRequestID),
			slog.String("intent_id", intent.ID),
			slog.String("state", state),
			slog.Int("result_code", cb.ResultCode)), nil
	}

	outcome := OutcomeConfirmedFailed
	if target == domain.StateConfirmedPaid {
		outcome = OutcomeConfirmedPaid
		log.Info("payment confirmed", "receipt", tr.Extra.ReceiptNumber, "order_reference", intent.OrderReference)
	} else {
		log.Info("payment failed", "result_desc", cb.ResultDesc)
	}
	observability.Callbacks.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

func (r *Reconciler) anomaly(o Outcome, attrs ...slog.Attr) Outcome {
	observability.Callbacks.WithLabelValues(string(o)).Inc()
	observability.Anomalies.WithLabelValues(string(o)).Inc()
	args := make([]any, 0, len(attrs)+1)
	args = append(args, slog.String("outcome", string(o)))
	for _, a := range attrs {
		args = append(args, a)
	}
	slog.Warn("payment callback anomaly", args...)
	return o
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return util.NowUTC()
}
