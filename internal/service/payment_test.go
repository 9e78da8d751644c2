package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/domain"
	"storefront/internal/gateway"
	"storefront/internal/providers/mpesa"
	"storefront/internal/store/memory"
)

type countingProvider struct {
	calls atomic.Int32
}

func (p *countingProvider) STKPush(_ context.Context, req mpesa.PushRequest) (mpesa.PushResponse, int, []byte, error) {
	n := p.calls.Add(1)
	return mpesa.PushResponse{
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", n),
		MerchantRequestID: "m",
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
	}, 200, nil, nil
}

func newService() (*PaymentService, *memory.Store, *countingProvider) {
	s := memory.New()
	p := &countingProvider{}
	var seq atomic.Int32
	svc := &PaymentService{
		Store:   s,
		Gateway: &gateway.Gateway{Store: s, Provider: p},
		IDGen:   func() string { return fmt.Sprintf("pi_%d", seq.Add(1)) },
	}
	return svc, s, p
}

func TestPushScenario(t *testing.T) {
	svc, s, _ := newService()

	resp, err := svc.Push(context.Background(), domain.PushRequest{
		PhoneNumber: "0712345678", Amount: json.Number("250"), OrderReference: "ORD1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateProviderAccepted, resp.State)
	assert.Equal(t, "ws_CO_1", resp.CheckoutRequestID)
	assert.NotEmpty(t, resp.CustomerMessage)

	in, err := svc.Get(context.Background(), resp.IntentID)
	require.NoError(t, err)
	assert.Equal(t, "254712345678", in.PhoneNumber)
	assert.Equal(t, int64(250), in.Amount)

	events := s.IntentEvents(resp.IntentID)
	require.Len(t, events, 3)
	assert.Equal(t, domain.StateCreated, events[0].ToState)
}

func TestPushInvalidInput(t *testing.T) {
	svc, _, p := newService()
	cases := []domain.PushRequest{
		{PhoneNumber: "12345", Amount: "10", OrderReference: "A"},
		{PhoneNumber: "0712345678", Amount: "0", OrderReference: "A"},
		{PhoneNumber: "0712345678", Amount: "10.5", OrderReference: "A"},
		{PhoneNumber: "0712345678", Amount: "10", OrderReference: "  "},
		{PhoneNumber: "0712345678", OrderReference: "A"},
	}
	for _, c := range cases {
		_, err := svc.Push(context.Background(), c)
		assert.ErrorIs(t, err, domain.ErrInvalidPaymentRequest, "%+v", c)
	}
	assert.EqualValues(t, 0, p.calls.Load())
}

func TestPushReturnsOpenIntentForSameOrder(t *testing.T) {
	svc, _, p := newService()
	req := domain.PushRequest{PhoneNumber: "254712345678", Amount: "100", OrderReference: "ORD7"}

	first, err := svc.Push(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Push(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.IntentID, second.IntentID)
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestConcurrentPushesForOneOrderPromptOnce(t *testing.T) {
	svc, _, p := newService()
	req := domain.PushRequest{PhoneNumber: "254712345678", Amount: "100", OrderReference: "ORD8"}

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := svc.Push(context.Background(), req)
			if err == nil {
				ids[i] = resp.IntentID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestGetUnknownIntent(t *testing.T) {
	svc, _, _ := newService()
	_, err := svc.Get(context.Background(), "pi_missing")
	assert.ErrorIs(t, err, domain.ErrIntentNotFound)
}
