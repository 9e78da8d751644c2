package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront/internal/util"
)

type PaymentState string

const (
	StateCreated          PaymentState = "created"
	StateSubmitted        PaymentState = "submitted"
	StateProviderAccepted PaymentState = "provider_accepted"
	StateProviderRejected PaymentState = "provider_rejected"
	StateConfirmedPaid    PaymentState = "confirmed_paid"
	StateConfirmedFailed  PaymentState = "confirmed_failed"
	StateTimedOut         PaymentState = "timed_out"
)

// transitions is the only set of edges an intent may move along.
var transitions = map[PaymentState][]PaymentState{
	StateCreated:          {StateSubmitted},
	StateSubmitted:        {StateProviderAccepted, StateProviderRejected},
	StateProviderAccepted: {StateConfirmedPaid, StateConfirmedFailed, StateTimedOut},
}

func CanTransition(from, to PaymentState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave the state.
func (s PaymentState) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s PaymentState) Valid() bool {
	switch s {
	case StateCreated, StateSubmitted, StateProviderAccepted, StateProviderRejected,
		StateConfirmedPaid, StateConfirmedFailed, StateTimedOut:
		return true
	}
	return false
}

var (
	ErrInvalidPaymentRequest = errors.New("invalid payment request")
	ErrGatewayUnavailable    = errors.New("payment gateway unavailable")
	ErrProviderRejected      = errors.New("payment rejected by provider")
	ErrStaleTransition       = errors.New("stale transition")
	ErrIntentNotFound        = errors.New("payment intent not found")
	ErrRecipientOffline      = errors.New("recipient offline")
)

const maxOrderReferenceLen = 64

type PaymentIntent struct {
	ID                 string       `json:"intentId"`
	OrderReference     string       `json:"orderReference"`
	PhoneNumber        string       `json:"phoneNumber"`
	Amount             int64        `json:"amount"`
	State              PaymentState `json:"state"`
	ProviderCheckoutID string       `json:"checkoutRequestId,omitempty"`
	ProviderMerchantID string       `json:"merchantRequestId,omitempty"`
	ReceiptNumber      string       `json:"receiptNumber,omitempty"`
	ResultCode         *int         `json:"resultCode,omitempty"`
	ResultDesc         string       `json:"resultDesc,omitempty"`
	LastError          string       `json:"lastError,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
	ResolvedAt         *time.Time   `json:"resolvedAt,omitempty"`
}

// NewPaymentIntent normalizes the phone number and returns a validated
// intent in StateCreated.
func NewPaymentIntent(id, orderReference, phone string, amount int64, now time.Time) (PaymentIntent, error) {
	normalized, ok := util.NormalizeMSISDN(phone)
	if !ok {
		return PaymentIntent{}, fmt.Errorf("%w: phone number %q is not a valid mobile number", ErrInvalidPaymentRequest, phone)
	}
	in := PaymentIntent{
		ID:             id,
		OrderReference: strings.TrimSpace(orderReference),
		PhoneNumber:    normalized,
		Amount:         amount,
		State:          StateCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := in.Validate(); err != nil {
		return PaymentIntent{}, err
	}
	return in, nil
}

// Validate checks the invariants a freshly created intent must hold.
func (p PaymentIntent) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing intent id", ErrInvalidPaymentRequest)
	}
	if p.OrderReference == "" {
		return fmt.Errorf("%w: missing order reference", ErrInvalidPaymentRequest)
	}
	if len(p.OrderReference) > maxOrderReferenceLen {
		return fmt.Errorf("%w: order reference longer than %d characters", ErrInvalidPaymentRequest, maxOrderReferenceLen)
	}
	if !util.IsNormalizedMSISDN(p.PhoneNumber) {
		return fmt.Errorf("%w: phone number %q is not normalized", ErrInvalidPaymentRequest, p.PhoneNumber)
	}
	if p.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidPaymentRequest)
	}
	if p.State != StateCreated {
		return fmt.Errorf("%w: new intent must start in %s", ErrInvalidPaymentRequest, StateCreated)
	}
	return nil
}

// PushRequest is the body of POST /payments/push. Amount accepts both JSON
// numbers and numeric strings since the storefront form posts strings.
type PushRequest struct {
	PhoneNumber    string      `json:"phoneNumber"`
	Amount         json.Number `json:"amount"`
	OrderReference string      `json:"orderReference"`
}

// ParseAmount returns the whole-unit amount, rejecting fractions.
func (r PushRequest) ParseAmount() (int64, error) {
	raw := strings.TrimSpace(r.Amount.String())
	if raw == "" {
		return 0, fmt.Errorf("%w: missing amount", ErrInvalidPaymentRequest)
	}
	n, err := json.Number(raw).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: amount must be a whole number", ErrInvalidPaymentRequest)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive", ErrInvalidPaymentRequest)
	}
	return n, nil
}

type PushResponse struct {
	IntentID          string       `json:"intentId"`
	State             PaymentState `json:"state"`
	CheckoutRequestID string       `json:"checkoutRequestId,omitempty"`
	CustomerMessage   string       `json:"customerMessage,omitempty"`
}

// TransitionExtra carries the provider data recorded alongside a state change.
// Empty fields leave the stored values untouched.
type TransitionExtra struct {
	ProviderCheckoutID string
	ProviderMerchantID string
	ReceiptNumber      string
	ResultCode         *int
	ResultDesc         string
	LastError          string
}

// Apply copies the populated fields onto the intent. The checkout id is
// write-once.
func (e TransitionExtra) Apply(p *PaymentIntent) {
	if e.ProviderCheckoutID != "" && p.ProviderCheckoutID == "" {
		p.ProviderCheckoutID = e.ProviderCheckoutID
	}
	if e.ProviderMerchantID != "" && p.ProviderMerchantID == "" {
		p.ProviderMerchantID = e.ProviderMerchantID
	}
	if e.ReceiptNumber != "" {
		p.ReceiptNumber = e.ReceiptNumber
	}
	if e.ResultCode != nil {
		code := *e.ResultCode
		p.ResultCode = &code
	}
	if e.ResultDesc != "" {
		p.ResultDesc = e.ResultDesc
	}
	if e.LastError != "" {
		p.LastError = e.LastError
	}
}
