package store

import (
	"time"

	"storefront/internal/domain"
)

type IntentTransition struct {
	ID    string
	From  domain.PaymentState
	To    domain.PaymentState
	Extra domain.TransitionExtra
	Now   time.Time

	// OrderPayment, when set, is recorded in the same atomic step as the
	// transition.
	OrderPayment *OrderPayment
}

type OrderPayment struct {
	OrderReference string
	IntentID       string
	ReceiptNumber  string
	Amount         int64
	PaidAt         time.Time
}

type CallbackEvent struct {
	Provider          string
	CheckoutRequestID string
	ResultCode        *int
	ResultDesc        string
	Payload           []byte
	ReceivedAt        time.Time
}

// IntentEvent is one row of the per-intent audit trail.
type IntentEvent struct {
	IntentID  string
	FromState domain.PaymentState
	ToState   domain.PaymentState
	Detail    string
	At        time.Time
}

// OpenStates are the states in which an order already has a push in flight
// or a confirmed payment, so a new push must not be started for it.
var OpenStates = []domain.PaymentState{
	domain.StateCreated,
	domain.StateSubmitted,
	domain.StateProviderAccepted,
	domain.StateConfirmedPaid,
}

func IsOpen(s domain.PaymentState) bool {
	for _, o := range OpenStates {
		if o == s {
			return true
		}
	}
	return false
}

// Describe renders the extra data attached to a transition for the audit
// trail.
func Describe(e domain.TransitionExtra) string {
	switch {
	case e.LastError != "":
		return e.LastError
	case e.ResultDesc != "":
		return e.ResultDesc
	case e.ProviderCheckoutID != "":
		return "checkout_request_id=" + e.ProviderCheckoutID
	}
	return ""
}
