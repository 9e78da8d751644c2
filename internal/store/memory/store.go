// Package memory is a process-local payment intent store. Writes are
// serialized per intent; lookups across intents only take the index lock.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"storefront/internal/domain"
	"storefront/internal/store"
)

type entry struct {
	mu     sync.Mutex
	intent domain.PaymentIntent
}

type Store struct {
	mu         sync.RWMutex
	intents    map[string]*entry
	byCheckout map[string]string
	byOrder    map[string][]string
	orders     map[string]store.OrderPayment

	logMu     sync.Mutex
	callbacks []store.CallbackEvent
	events    []store.IntentEvent
}

func New() *Store {
	return &Store{
		intents:    make(map[string]*entry),
		byCheckout: make(map[string]string),
		byOrder:    make(map[string][]string),
		orders:     make(map[string]store.OrderPayment),
	}
}

func (s *Store) CreateIntent(_ context.Context, in domain.PaymentIntent) (domain.PaymentIntent, error) {
	if err := in.Validate(); err != nil {
		return domain.PaymentIntent{}, err
	}
	s.mu.Lock()
	if _, exists := s.intents[in.ID]; exists {
		s.mu.Unlock()
		return domain.PaymentIntent{}, fmt.Errorf("intent %s already exists", in.ID)
	}
	s.intents[in.ID] = &entry{intent: clone(in)}
	s.byOrder[in.OrderReference] = append(s.byOrder[in.OrderReference], in.ID)
	s.mu.Unlock()

	s.appendEvent(store.IntentEvent{IntentID: in.ID, ToState: in.State, At: in.CreatedAt})
	return clone(in), nil
}

func (s *Store) TransitionIntent(_ context.Context, in store.IntentTransition) (domain.PaymentIntent, error) {
	e := s.lookup(in.ID)
	if e == nil {
		return domain.PaymentIntent{}, domain.ErrIntentNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.intent
	if cur.State != in.From || !domain.CanTransition(in.From, in.To) {
		return clone(cur), fmt.Errorf("%w: intent %s is %s, wanted %s -> %s", domain.ErrStaleTransition, in.ID, cur.State, in.From, in.To)
	}

	next := cur
	in.Extra.Apply(&next)
	next.State = in.To
	next.UpdatedAt = in.Now
	if in.To.Terminal() {
		resolved := in.Now
		next.ResolvedAt = &resolved
	}

	if next.ProviderCheckoutID != "" && cur.ProviderCheckoutID == "" {
		if err := s.indexCheckout(next.ProviderCheckoutID, next.ID); err != nil {
			return clone(cur), err
		}
	}
	if in.OrderPayment != nil {
		s.mu.Lock()
		if _, paid := s.orders[in.OrderPayment.OrderReference]; !paid {
			s.orders[in.OrderPayment.OrderReference] = *in.OrderPayment
		}
		s.mu.Unlock()
	}

	e.intent = next
	s.appendEvent(store.IntentEvent{IntentID: in.ID, FromState: in.From, ToState: in.To, Detail: store.Describe(in.Extra), At: in.Now})
	return clone(next), nil
}

func (s *Store) indexCheckout(checkoutID, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, taken := s.byCheckout[checkoutID]; taken && owner != intentID {
		return fmt.Errorf("checkout request id %s already belongs to intent %s", checkoutID, owner)
	}
	s.byCheckout[checkoutID] = intentID
	return nil
}

func (s *Store) GetIntent(_ context.Context, id string) (domain.PaymentIntent, bool, error) {
	e := s.lookup(id)
	if e == nil {
		return domain.PaymentIntent{}, false, nil
	}
	return e.snapshot(), true, nil
}

func (s *Store) FindByProviderCheckoutID(_ context.Context, checkoutID string) (domain.PaymentIntent, bool, error) {
	s.mu.RLock()
	id, ok := s.byCheckout[checkoutID]
	e := s.intents[id]
	s.mu.RUnlock()
	if !ok || e == nil {
		return domain.PaymentIntent{}, false, nil
	}
	return e.snapshot(), true, nil
}

// FindOpenByOrderReference returns the most recent intent for the order
// that is still in flight or already paid.
func (s *Store) FindOpenByOrderReference(_ context.Context, orderReference string) (domain.PaymentIntent, bool, error) {
	s.mu.RLock()
	ids := append([]string(nil), s.byOrder[orderReference]...)
	entries := make([]*entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, s.intents[id])
	}
	s.mu.RUnlock()

	for i := len(entries) - 1; i >= 0; i-- {
		p := entries[i].snapshot()
		if store.IsOpen(p.State) {
			return p, true, nil
		}
	}
	return domain.PaymentIntent{}, false, nil
}

// ListStaleIntents returns intents in state whose last update is before
// the cutoff, oldest first.
func (s *Store) ListStaleIntents(_ context.Context, state domain.PaymentState, before time.Time, limit int) ([]domain.PaymentIntent, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.intents))
	for _, e := range s.intents {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []domain.PaymentIntent
	for _, e := range entries {
		p := e.snapshot()
		if p.State == state && p.UpdatedAt.Before(before) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertCallbackEvent(_ context.Context, ev store.CallbackEvent) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	ev.Payload = append([]byte(nil), ev.Payload...)
	s.callbacks = append(s.callbacks, ev)
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

// OrderPayment reports the recorded payment for an order reference.
func (s *Store) OrderPayment(orderReference string) (store.OrderPayment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.orders[orderReference]
	return p, ok
}

func (s *Store) CallbackEvents() []store.CallbackEvent {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return append([]store.CallbackEvent(nil), s.callbacks...)
}

func (s *Store) IntentEvents(intentID string) []store.IntentEvent {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	var out []store.IntentEvent
	for _, ev := range s.events {
		if ev.IntentID == intentID {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) appendEvent(ev store.IntentEvent) {
	s.logMu.Lock()
	s.events = append(s.events, ev)
	s.logMu.Unlock()
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.intents[id]
}

func (e *entry) snapshot() domain.PaymentIntent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return clone(e.intent)
}

func clone(p domain.PaymentIntent) domain.PaymentIntent {
	if p.ResultCode != nil {
		code := *p.ResultCode
		p.ResultCode = &code
	}
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		p.ResolvedAt = &t
	}
	return p
}
