// Package usage persists one immutable record per billable call. The unique
// (account_id, idempotency_token) constraint is the idempotency contract for
// at-least-once callers: a duplicate write is absorbed, not surfaced.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/counsel-ai/counsel/internal/metrics"
)

// Record statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// uniqueViolation is the Postgres error code for a unique constraint breach.
const uniqueViolation = "23505"

// Record is one billable call.
type Record struct {
	ID               string    `db:"id"`
	AccountID        string    `db:"account_id"`
	IdempotencyToken string    `db:"idempotency_token"`
	ModelID          string    `db:"model_id"`
	InputTokens      int64     `db:"input_tokens"`
	OutputTokens     int64     `db:"output_tokens"`
	CostTenths       int64     `db:"cost_tenths"`
	Status           string    `db:"status"`
	CreatedAt        time.Time `db:"created_at"`
}

// Recorder writes usage records.
type Recorder struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewRecorder creates a usage recorder.
func NewRecorder(db *sqlx.DB, logger *zap.Logger) *Recorder {
	return &Recorder{db: db, logger: logger}
}

// Record inserts the usage record. A second write with the same
// (account_id, idempotency_token) pair is a no-op returning nil.
func (r *Recorder) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = StatusSuccess
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO usage_records (
			id, account_id, idempotency_token, model_id,
			input_tokens, output_tokens, cost_tenths, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`, rec.ID, rec.AccountID, rec.IdempotencyToken, rec.ModelID,
		rec.InputTokens, rec.OutputTokens, rec.CostTenths, rec.Status)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			metrics.DuplicateUsageRecords.Inc()
			r.logger.Info("Usage record already exists, skipping",
				zap.String("account_id", rec.AccountID),
				zap.String("idempotency_token", rec.IdempotencyToken))
			return nil
		}
		return fmt.Errorf("store usage record: %w", err)
	}

	r.logger.Debug("Recorded usage",
		zap.String("account_id", rec.AccountID),
		zap.String("model_id", rec.ModelID),
		zap.Int64("input_tokens", rec.InputTokens),
		zap.Int64("output_tokens", rec.OutputTokens),
		zap.Int64("cost_tenths", rec.CostTenths),
		zap.String("status", rec.Status))
	return nil
}
