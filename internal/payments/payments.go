// Package payments records payment provider events and credits account
// balances exactly once per payment intent.
package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/counsel-ai/counsel/internal/ledger"
	"github.com/counsel-ai/counsel/internal/metrics"
)

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrMissingAccount is returned when an event carries no account reference
// in its metadata.
var ErrMissingAccount = errors.New("payment event has no account_id metadata")

// Intent is the subset of a payment provider's intent object the service
// persists. Amounts arrive in cents and are stored as the requested credit
// in tenths of cents.
type Intent struct {
	IntentID    string            `db:"intent_id"`
	EventID     string            `db:"event_id"`
	AmountCents int64             `db:"amount_cents"`
	Status      string            `db:"status"`
	Metadata    map[string]string `db:"-"`
}

// Record mirrors a row of the payments table.
type Record struct {
	IntentID        string       `db:"intent_id"`
	EventID         string       `db:"event_id"`
	AccountID       string       `db:"account_id"`
	RequestedCredit int64        `db:"requested_credit"`
	AppliedCredit   int64        `db:"applied_credit"`
	Status          string       `db:"status"`
	Processed       bool         `db:"processed"`
	ProcessedAt     sql.NullTime `db:"processed_at"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

// Ledger is the balance surface the store credits against.
type Ledger interface {
	ApplyDelta(ctx context.Context, accountID string, delta int64) (*ledger.Account, error)
}

// Store persists payment events and applies credits.
type Store struct {
	db     *sqlx.DB
	ledger Ledger
	logger *zap.Logger
}

func NewStore(db *sqlx.DB, ledger Ledger, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, ledger: ledger, logger: logger}
}

// UpsertFromIntent records the latest observed state of a payment intent.
// Webhook deliveries can repeat and arrive out of order, so the write is an
// upsert keyed by intent: a replay refreshes status and event ID but never
// resets the processed flag.
func (s *Store) UpsertFromIntent(ctx context.Context, in Intent) error {
	accountID, ok := in.Metadata["account_id"]
	if !ok || accountID == "" {
		return ErrMissingAccount
	}
	credit := in.AmountCents * 10

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (intent_id, event_id, account_id, requested_credit, status, processed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, NOW(), NOW())
		ON CONFLICT (intent_id) DO UPDATE SET
			event_id = EXCLUDED.event_id,
			status = EXCLUDED.status,
			updated_at = NOW()`,
		in.IntentID, in.EventID, accountID, credit, in.Status)
	if err != nil {
		return fmt.Errorf("upsert payment %s: %w", in.IntentID, err)
	}
	return nil
}

// ApplyIfUnclaimed credits the account for a succeeded intent if no earlier
// delivery already did. The claim is a conditional update on the processed
// flag, so among any number of concurrent deliveries exactly one wins the row
// and performs the credit. The claim stamps applied_credit, keeping the
// requested amount and the amount actually granted as separate facts on the
// row. Returns true when this call applied the credit.
func (s *Store) ApplyIfUnclaimed(ctx context.Context, intentID string) (bool, error) {
	var rec Record
	err := s.db.GetContext(ctx, &rec, `
		UPDATE payments
		SET processed = TRUE, processed_at = NOW(), applied_credit = requested_credit, updated_at = NOW()
		WHERE intent_id = $1 AND status = $2 AND processed = FALSE
		RETURNING intent_id, event_id, account_id, requested_credit, applied_credit, status, processed, processed_at, created_at, updated_at`,
		intentID, StatusSucceeded)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.DuplicatePaymentEvents.Inc()
		s.logger.Info("payment already claimed or not creditable",
			zap.String("intent_id", intentID))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim payment %s: %w", intentID, err)
	}

	if _, err := s.ledger.ApplyDelta(ctx, rec.AccountID, rec.AppliedCredit); err != nil {
		// The claim is held but the credit failed; releasing the flag lets a
		// later delivery retry.
		if _, rbErr := s.db.ExecContext(ctx,
			`UPDATE payments SET processed = FALSE, processed_at = NULL, applied_credit = 0, updated_at = NOW() WHERE intent_id = $1`,
			intentID); rbErr != nil {
			s.logger.Error("failed to release payment claim",
				zap.String("intent_id", intentID), zap.Error(rbErr))
		}
		return false, fmt.Errorf("credit account %s: %w", rec.AccountID, err)
	}

	metrics.PaymentsCredited.Inc()
	s.logger.Info("payment credited",
		zap.String("intent_id", intentID),
		zap.String("account_id", rec.AccountID),
		zap.Int64("credit_tenths", rec.AppliedCredit))
	return true, nil
}

// HandlePaymentSucceeded persists the intent and applies the credit. It is
// safe to call for every delivery of the same event.
func (s *Store) HandlePaymentSucceeded(ctx context.Context, in Intent) error {
	in.Status = StatusSucceeded
	if err := s.UpsertFromIntent(ctx, in); err != nil {
		return err
	}
	_, err := s.ApplyIfUnclaimed(ctx, in.IntentID)
	return err
}

// HandlePaymentFailed records the failure so the intent can never be
// claimed for credit.
func (s *Store) HandlePaymentFailed(ctx context.Context, in Intent) error {
	in.Status = StatusFailed
	return s.UpsertFromIntent(ctx, in)
}
