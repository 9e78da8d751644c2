//go:build integration

package pg

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/domain"
	"storefront/internal/store"
)

func TestIntentLifecyclePaid(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := New(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	in, err := domain.NewPaymentIntent("pi_1", "ORD1", "0712345678", 250, now)
	require.NoError(t, err)
	created, err := s.CreateIntent(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "254712345678", created.PhoneNumber)
	assert.Equal(t, domain.StateCreated, created.State)

	_, err = s.TransitionIntent(ctx, store.IntentTransition{ID: "pi_1", From: domain.StateCreated, To: domain.StateSubmitted, Now: now})
	require.NoError(t, err)
	accepted, err := s.TransitionIntent(ctx, store.IntentTransition{
		ID: "pi_1", From: domain.StateSubmitted, To: domain.StateProviderAccepted, Now: now,
		Extra: domain.TransitionExtra{ProviderCheckoutID: "ws_CO_1", ProviderMerchantID: "m-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", accepted.ProviderCheckoutID)

	found, ok, err := s.FindByProviderCheckoutID(ctx, "ws_CO_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pi_1", found.ID)

	code := 0
	paid, err := s.TransitionIntent(ctx, store.IntentTransition{
		ID: "pi_1", From: domain.StateProviderAccepted, To: domain.StateConfirmedPaid, Now: now,
		Extra:        domain.TransitionExtra{ProviderCheckoutID: "ws_CO_2", ReceiptNumber: "RCP1", ResultCode: &code, ResultDesc: "ok"},
		OrderPayment: &store.OrderPayment{OrderReference: "ORD1", IntentID: "pi_1", ReceiptNumber: "RCP1", Amount: 250, PaidAt: now},
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", paid.ProviderCheckoutID)
	require.NotNil(t, paid.ResolvedAt)
	require.NotNil(t, paid.ResultCode)

	_, err = s.TransitionIntent(ctx, store.IntentTransition{ID: "pi_1", From: domain.StateProviderAccepted, To: domain.StateTimedOut, Now: now})
	assert.ErrorIs(t, err, domain.ErrStaleTransition)

	_, err = s.TransitionIntent(ctx, store.IntentTransition{ID: "nope", From: domain.StateCreated, To: domain.StateSubmitted, Now: now})
	assert.ErrorIs(t, err, domain.ErrIntentNotFound)

	var orderIntent string
	require.NoError(t, db.QueryRow(ctx, `SELECT intent_id FROM order_payments WHERE order_reference='ORD1'`).Scan(&orderIntent))
	assert.Equal(t, "pi_1", orderIntent)

	var events int
	require.NoError(t, db.QueryRow(ctx, `SELECT count(*) FROM intent_events WHERE intent_id='pi_1'`).Scan(&events))
	assert.Equal(t, 4, events)
}

func TestListStaleAndOpenLookups(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := New(db)
	base := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Microsecond)

	in, err := domain.NewPaymentIntent("pi_old", "ORD9", "254712345678", 10, base)
	require.NoError(t, err)
	_, err = s.CreateIntent(ctx, in)
	require.NoError(t, err)
	_, err = s.TransitionIntent(ctx, store.IntentTransition{ID: "pi_old", From: domain.StateCreated, To: domain.StateSubmitted, Now: base})
	require.NoError(t, err)
	_, err = s.TransitionIntent(ctx, store.IntentTransition{
		ID: "pi_old", From: domain.StateSubmitted, To: domain.StateProviderAccepted, Now: base,
		Extra: domain.TransitionExtra{ProviderCheckoutID: "ws_CO_old"},
	})
	require.NoError(t, err)

	open, ok, err := s.FindOpenByOrderReference(ctx, "ORD9")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pi_old", open.ID)

	stale, err := s.ListStaleIntents(ctx, domain.StateProviderAccepted, base.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	code := 1032
	require.NoError(t, s.InsertCallbackEvent(ctx, store.CallbackEvent{
		Provider: "mpesa", CheckoutRequestID: "ws_CO_old", ResultCode: &code,
		ResultDesc: "Request cancelled by user", Payload: []byte(`{"Body":{}}`), ReceivedAt: base,
	}))
	require.NoError(t, s.InsertCallbackEvent(ctx, store.CallbackEvent{
		Provider: "mpesa", Payload: []byte(`not json`), ReceivedAt: base,
	}))
}

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	ctx := context.Background()
	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)

	dbDSN, err := withSearchPath(dsn, schema)
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, dbDSN))

	db, err := NewPool(ctx, dbDSN, PoolOptions{MaxConns: 4})
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})
	return db
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
