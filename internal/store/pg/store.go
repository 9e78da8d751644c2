package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"storefront/internal/domain"
	"storefront/internal/store"
)

const intentColumns = `
	id, order_reference, phone_number, amount, state,
	COALESCE(provider_checkout_id,''), COALESCE(provider_merchant_id,''),
	COALESCE(receipt_number,''), result_code, COALESCE(result_desc,''),
	COALESCE(last_error,''), created_at, updated_at, resolved_at`

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func (s *Store) CreateIntent(ctx context.Context, in domain.PaymentIntent) (domain.PaymentIntent, error) {
	if err := in.Validate(); err != nil {
		return domain.PaymentIntent{}, err
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		INSERT INTO payment_intents (id, order_reference, phone_number, amount, state, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$6)
		RETURNING `+intentColumns,
		in.ID, in.OrderReference, in.PhoneNumber, in.Amount, string(in.State), in.CreatedAt)
	out, err := scanIntent(row)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if err := insertEvent(ctx, tx, store.IntentEvent{IntentID: in.ID, ToState: in.State, At: in.CreatedAt}); err != nil {
		return domain.PaymentIntent{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.PaymentIntent{}, err
	}
	return out, nil
}

// TransitionIntent is a compare-and-swap on the intent state. The row is
// only updated when it is still in the expected state.
func (s *Store) TransitionIntent(ctx context.Context, in store.IntentTransition) (domain.PaymentIntent, error) {
	if !domain.CanTransition(in.From, in.To) {
		return domain.PaymentIntent{}, fmt.Errorf("%w: %s -> %s is not allowed", domain.ErrStaleTransition, in.From, in.To)
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE payment_intents SET
			state = $3,
			provider_checkout_id = COALESCE(provider_checkout_id, $4),
			provider_merchant_id = COALESCE(provider_merchant_id, $5),
			receipt_number = COALESCE($6, receipt_number),
			result_code = COALESCE($7, result_code),
			result_desc = COALESCE($8, result_desc),
			last_error = COALESCE($9, last_error),
			updated_at = $10,
			resolved_at = CASE WHEN $11 THEN $10 ELSE resolved_at END
		WHERE id = $1 AND state = $2
		RETURNING `+intentColumns,
		in.ID, string(in.From), string(in.To),
		nullIfEmpty(in.Extra.ProviderCheckoutID), nullIfEmpty(in.Extra.ProviderMerchantID),
		nullIfEmpty(in.Extra.ReceiptNumber), in.Extra.ResultCode, nullIfEmpty(in.Extra.ResultDesc),
		nullIfEmpty(in.Extra.LastError), in.Now, in.To.Terminal())

	out, err := scanIntent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.staleOrMissing(ctx, in)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.PaymentIntent{}, fmt.Errorf("checkout request id %s already assigned: %w", in.Extra.ProviderCheckoutID, err)
		}
		return domain.PaymentIntent{}, err
	}

	if err := insertEvent(ctx, tx, store.IntentEvent{
		IntentID: in.ID, FromState: in.From, ToState: in.To, Detail: store.Describe(in.Extra), At: in.Now,
	}); err != nil {
		return domain.PaymentIntent{}, err
	}

	if op := in.OrderPayment; op != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_payments (order_reference, intent_id, receipt_number, amount, paid_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (order_reference) DO NOTHING
		`, op.OrderReference, op.IntentID, nullIfEmpty(op.ReceiptNumber), op.Amount, op.PaidAt); err != nil {
			return domain.PaymentIntent{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.PaymentIntent{}, err
	}
	return out, nil
}

func (s *Store) staleOrMissing(ctx context.Context, in store.IntentTransition) (domain.PaymentIntent, error) {
	cur, found, err := s.GetIntent(ctx, in.ID)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if !found {
		return domain.PaymentIntent{}, domain.ErrIntentNotFound
	}
	return cur, fmt.Errorf("%w: intent %s is %s, wanted %s -> %s", domain.ErrStaleTransition, in.ID, cur.State, in.From, in.To)
}

func (s *Store) GetIntent(ctx context.Context, id string) (domain.PaymentIntent, bool, error) {
	return s.findOne(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id=$1`, id)
}

func (s *Store) FindByProviderCheckoutID(ctx context.Context, checkoutID string) (domain.PaymentIntent, bool, error) {
	return s.findOne(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE provider_checkout_id=$1`, checkoutID)
}

func (s *Store) FindOpenByOrderReference(ctx context.Context, orderReference string) (domain.PaymentIntent, bool, error) {
	states := make([]string, 0, len(store.OpenStates))
	for _, st := range store.OpenStates {
		states = append(states, string(st))
	}
	return s.findOne(ctx, `
		SELECT `+intentColumns+` FROM payment_intents
		WHERE order_reference=$1 AND state = ANY($2)
		ORDER BY created_at DESC LIMIT 1
	`, orderReference, states)
}

func (s *Store) ListStaleIntents(ctx context.Context, state domain.PaymentState, before time.Time, limit int) ([]domain.PaymentIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `
		SELECT `+intentColumns+` FROM payment_intents
		WHERE state=$1 AND updated_at < $2
		ORDER BY updated_at LIMIT $3
	`, string(state), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PaymentIntent
	for rows.Next() {
		p, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) InsertCallbackEvent(ctx context.Context, ev store.CallbackEvent) error {
	var payload any
	if json.Valid(ev.Payload) {
		payload = ev.Payload
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO payment_callbacks (provider, checkout_request_id, result_code, result_desc, payload_json, received_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, ev.Provider, nullIfEmpty(ev.CheckoutRequestID), ev.ResultCode, nullIfEmpty(ev.ResultDesc), payload, ev.ReceivedAt)
	return err
}

func (s *Store) findOne(ctx context.Context, query string, args ...any) (domain.PaymentIntent, bool, error) {
	p, err := scanIntent(s.DB.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PaymentIntent{}, false, nil
		}
		return domain.PaymentIntent{}, false, err
	}
	return p, true, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev store.IntentEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO intent_events (intent_id, from_state, to_state, detail, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, ev.IntentID, nullIfEmpty(string(ev.FromState)), string(ev.ToState), nullIfEmpty(ev.Detail), ev.At)
	return err
}

func scanIntent(row pgx.Row) (domain.PaymentIntent, error) {
	var p domain.PaymentIntent
	var state string
	err := row.Scan(&p.ID, &p.OrderReference, &p.PhoneNumber, &p.Amount, &state,
		&p.ProviderCheckoutID, &p.ProviderMerchantID, &p.ReceiptNumber, &p.ResultCode,
		&p.ResultDesc, &p.LastError, &p.CreatedAt, &p.UpdatedAt, &p.ResolvedAt)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	p.State = domain.PaymentState(state)
	return p, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
