// Package ledger holds per-account monetary balances in integer tenths of
// cents. Every mutation goes through a single atomic SQL delta; the balance
// is never computed client-side.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DefaultStartingCredit is granted when an account is first referenced
// (1000 tenths of cents = $1).
const DefaultStartingCredit int64 = 1000

// Account is one balance row.
type Account struct {
	AccountID string    `db:"account_id"`
	Balance   int64     `db:"balance"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Store manages balance accounts.
type Store struct {
	db             *sqlx.DB
	logger         *zap.Logger
	startingCredit int64
}

// NewStore creates a ledger store with the default starting credit.
func NewStore(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger, startingCredit: DefaultStartingCredit}
}

// NewStoreWithStartingCredit overrides the credit granted on first reference.
func NewStoreWithStartingCredit(db *sqlx.DB, logger *zap.Logger, credit int64) *Store {
	return &Store{db: db, logger: logger, startingCredit: credit}
}

// GetOrCreate returns the account, lazily creating it with the starting
// credit on first reference. Accounts are never deleted.
func (s *Store) GetOrCreate(ctx context.Context, accountID string) (*Account, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balance_accounts (account_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id) DO NOTHING
	`, accountID, s.startingCredit)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	var acct Account
	err = s.db.GetContext(ctx, &acct, `
		SELECT account_id, balance, updated_at
		FROM balance_accounts
		WHERE account_id = $1
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return &acct, nil
}

// ApplyDelta atomically adds delta to the balance (positive = credit,
// negative = debit) using the database's native increment, and returns the
// refreshed account. The account must exist.
func (s *Store) ApplyDelta(ctx context.Context, accountID string, delta int64) (*Account, error) {
	var acct Account
	err := s.db.GetContext(ctx, &acct, `
		UPDATE balance_accounts
		SET balance = balance + $2, updated_at = NOW()
		WHERE account_id = $1
		RETURNING account_id, balance, updated_at
	`, accountID, delta)
	if err != nil {
		return nil, fmt.Errorf("apply balance delta: %w", err)
	}
	s.logger.Debug("Applied balance delta",
		zap.String("account_id", accountID),
		zap.Int64("delta", delta),
		zap.Int64("balance", acct.Balance))
	return &acct, nil
}

// HasSufficient reports whether the account balance is strictly above the
// floor. The floor may be negative to allow limited overdraft.
func (s *Store) HasSufficient(ctx context.Context, accountID string, floor int64) (bool, error) {
	acct, err := s.GetOrCreate(ctx, accountID)
	if err != nil {
		return false, err
	}
	return acct.Balance > floor, nil
}
