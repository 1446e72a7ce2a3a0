package payments

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/counsel-ai/counsel/internal/ledger"
)

type fakeLedger struct {
	mu      sync.Mutex
	credits map[string]int64
	calls   int64
	err     error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{credits: make(map[string]int64)}
}

func (f *fakeLedger) ApplyDelta(_ context.Context, accountID string, delta int64) (*ledger.Account, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits[accountID] += delta
	return &ledger.Account{AccountID: accountID, Balance: f.credits[accountID]}, nil
}

func newStore(t *testing.T, led Ledger) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "postgres"), led, zap.NewNop()), mock
}

func succeededIntent() Intent {
	return Intent{
		IntentID:    "pi_123",
		EventID:     "evt_abc",
		AmountCents: 500,
		Status:      StatusSucceeded,
		Metadata:    map[string]string{"account_id": "acct-1"},
	}
}

func claimedRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"intent_id", "event_id", "account_id", "requested_credit", "applied_credit",
		"status", "processed", "processed_at", "created_at", "updated_at",
	}).AddRow("pi_123", "evt_abc", "acct-1", int64(5000), int64(5000),
		StatusSucceeded, true, time.Now(), time.Now(), time.Now())
}

func TestUpsertFromIntentConvertsCentsToTenths(t *testing.T) {
	store, mock := newStore(t, newFakeLedger())

	mock.ExpectExec("INSERT INTO payments").
		WithArgs("pi_123", "evt_abc", "acct-1", int64(5000), StatusSucceeded).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpsertFromIntent(context.Background(), succeededIntent())

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertFromIntentMissingAccount(t *testing.T) {
	store, _ := newStore(t, newFakeLedger())

	in := succeededIntent()
	in.Metadata = map[string]string{}

	err := store.UpsertFromIntent(context.Background(), in)
	assert.True(t, errors.Is(err, ErrMissingAccount))
}

func TestApplyIfUnclaimedCreditsOnce(t *testing.T) {
	led := newFakeLedger()
	store, mock := newStore(t, led)

	mock.ExpectQuery("UPDATE payments").
		WithArgs("pi_123", StatusSucceeded).
		WillReturnRows(claimedRow())

	applied, err := store.ApplyIfUnclaimed(context.Background(), "pi_123")

	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(5000), led.credits["acct-1"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyIfUnclaimedCreditsAppliedAmount(t *testing.T) {
	led := newFakeLedger()
	store, mock := newStore(t, led)

	// The claim stamps applied_credit on the row; the ledger credit must use
	// that column, not the requested amount.
	row := sqlmock.NewRows([]string{
		"intent_id", "event_id", "account_id", "requested_credit", "applied_credit",
		"status", "processed", "processed_at", "created_at", "updated_at",
	}).AddRow("pi_123", "evt_abc", "acct-1", int64(9999), int64(5000),
		StatusSucceeded, true, time.Now(), time.Now(), time.Now())
	mock.ExpectQuery("UPDATE payments").
		WithArgs("pi_123", StatusSucceeded).
		WillReturnRows(row)

	applied, err := store.ApplyIfUnclaimed(context.Background(), "pi_123")

	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(5000), led.credits["acct-1"])
}

func TestApplyIfUnclaimedAlreadyProcessed(t *testing.T) {
	led := newFakeLedger()
	store, mock := newStore(t, led)

	// Conditional claim matches no row: the intent was already processed.
	mock.ExpectQuery("UPDATE payments").
		WithArgs("pi_123", StatusSucceeded).
		WillReturnRows(sqlmock.NewRows([]string{"intent_id"}))

	applied, err := store.ApplyIfUnclaimed(context.Background(), "pi_123")

	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(0), led.calls, "no credit on a lost claim")
}

func TestApplyIfUnclaimedReleasesClaimWhenCreditFails(t *testing.T) {
	led := newFakeLedger()
	led.err = errors.New("ledger unavailable")
	store, mock := newStore(t, led)

	mock.ExpectQuery("UPDATE payments").
		WithArgs("pi_123", StatusSucceeded).
		WillReturnRows(claimedRow())
	mock.ExpectExec("UPDATE payments SET processed = FALSE").
		WithArgs("pi_123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := store.ApplyIfUnclaimed(context.Background(), "pi_123")

	require.Error(t, err)
	assert.False(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlePaymentSucceededIdempotentAcrossDeliveries(t *testing.T) {
	led := newFakeLedger()
	store, mock := newStore(t, led)

	// First delivery: upsert, claim wins, credit applied.
	mock.ExpectExec("INSERT INTO payments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE payments").
		WillReturnRows(claimedRow())
	// Replay: upsert refreshes the row, claim matches nothing.
	mock.ExpectExec("INSERT INTO payments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE payments").
		WillReturnRows(sqlmock.NewRows([]string{"intent_id"}))

	in := succeededIntent()
	require.NoError(t, store.HandlePaymentSucceeded(context.Background(), in))
	require.NoError(t, store.HandlePaymentSucceeded(context.Background(), in))

	assert.Equal(t, int64(5000), led.credits["acct-1"], "credit applied exactly once")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConcurrentDeliveriesCreditOnce(t *testing.T) {
	const deliveries = 20

	led := newFakeLedger()
	store, mock := newStore(t, led)
	mock.MatchExpectationsInOrder(false)

	// The database serializes the conditional claim: exactly one delivery
	// sees the row, the rest see zero rows.
	mock.ExpectQuery("UPDATE payments").
		WithArgs("pi_123", StatusSucceeded).
		WillReturnRows(claimedRow())
	for i := 1; i < deliveries; i++ {
		mock.ExpectQuery("UPDATE payments").
			WithArgs("pi_123", StatusSucceeded).
			WillReturnRows(sqlmock.NewRows([]string{"intent_id"}))
	}

	var wg sync.WaitGroup
	var wins int64
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := store.ApplyIfUnclaimed(context.Background(), "pi_123")
			assert.NoError(t, err)
			if applied {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins)
	assert.Equal(t, int64(5000), led.credits["acct-1"])
}

func TestHandlePaymentFailedNeverCredits(t *testing.T) {
	led := newFakeLedger()
	store, mock := newStore(t, led)

	mock.ExpectExec("INSERT INTO payments").
		WithArgs("pi_123", "evt_abc", "acct-1", int64(5000), StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	in := succeededIntent()
	require.NoError(t, store.HandlePaymentFailed(context.Background(), in))

	assert.Equal(t, int64(0), led.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}
