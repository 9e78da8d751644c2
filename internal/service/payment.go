package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"storefront/internal/domain"
	"storefront/internal/gateway"
	"storefront/internal/util"
)

type Store interface {
	CreateIntent(ctx context.Context, in domain.PaymentIntent) (domain.PaymentIntent, error)
	GetIntent(ctx context.Context, id string) (domain.PaymentIntent, bool, error)
	FindOpenByOrderReference(ctx context.Context, orderReference string) (domain.PaymentIntent, bool, error)
}

type Gateway interface {
	Submit(ctx context.Context, intent domain.PaymentIntent) (gateway.Result, error)
}

type PaymentService struct {
	Store   Store
	Gateway Gateway
	IDGen   func() string
	Now     func() time.Time

	mu      sync.Mutex
	pending map[string]*orderLock
}

// Push validates the request, creates an intent and submits it. An order
// that already has an open or paid intent gets that intent back and the
// handset is not prompted again.
func (s *PaymentService) Push(ctx context.Context, req domain.PushRequest) (domain.PushResponse, error) {
	amount, err := req.ParseAmount()
	if err != nil {
		return domain.PushResponse{}, err
	}
	intent, err := domain.NewPaymentIntent(s.newID(), req.OrderReference, req.PhoneNumber, amount, s.now())
	if err != nil {
		return domain.PushResponse{}, err
	}

	unlock := s.lockOrder(intent.OrderReference)
	existing, found, err := s.Store.FindOpenByOrderReference(ctx, intent.OrderReference)
	if err != nil {
		unlock()
		return domain.PushResponse{}, err
	}
	if found {
		unlock()
		slog.Info("payment already in progress for order", "order_reference", existing.OrderReference, "intent_id", existing.ID, "state", existing.State)
		return toResponse(existing, ""), nil
	}
	created, err := s.Store.CreateIntent(ctx, intent)
	unlock()
	if err != nil {
		return domain.PushResponse{}, err
	}

	slog.Info("payment intent created", "intent_id", created.ID, "order_reference", created.OrderReference,
		"phone", util.MaskMSISDN(created.PhoneNumber), "amount", created.Amount)

	res, err := s.Gateway.Submit(ctx, created)
	if err != nil {
		return toResponse(res.Intent, ""), err
	}
	return toResponse(res.Intent, res.CustomerMessage), nil
}

func (s *PaymentService) Get(ctx context.Context, id string) (domain.PaymentIntent, error) {
	in, found, err := s.Store.GetIntent(ctx, id)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if !found {
		return domain.PaymentIntent{}, domain.ErrIntentNotFound
	}
	return in, nil
}

// lockOrder serializes the lookup and create for one order reference. The
// lock is released before the provider call.
func (s *PaymentService) lockOrder(ref string) func() {
	s.mu.Lock()
	if s.pending == nil {
		s.pending = map[string]*orderLock{}
	}
	l, ok := s.pending[ref]
	if !ok {
		l = &orderLock{}
		s.pending[ref] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.pending, ref)
		}
		s.mu.Unlock()
	}
}

type orderLock struct {
	mu   sync.Mutex
	refs int
}

func (s *PaymentService) newID() string {
	if s.IDGen != nil {
		return s.IDGen()
	}
	return util.NewIntentID()
}

func (s *PaymentService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

func toResponse(in domain.PaymentIntent, customerMessage string) domain.PushResponse {
	return domain.PushResponse{
		IntentID:          in.ID,
		State:             in.State,
		CheckoutRequestID: in.ProviderCheckoutID,
		CustomerMessage:   customerMessage,
	}
}
