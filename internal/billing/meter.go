// Package billing wraps every external generation call with the metering
// sequence: pre-flight balance check, invoke, token accounting, atomic debit,
// usage record. Failed calls are recorded with zero cost and never touch the
// balance.
package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/counsel-ai/counsel/internal/ledger"
	"github.com/counsel-ai/counsel/internal/metrics"
	"github.com/counsel-ai/counsel/internal/provider"
	"github.com/counsel-ai/counsel/internal/usage"
)

// DefaultFloorTenths allows a small overdraft before refusing new work
// (-100 tenths of cents = -$0.10).
const DefaultFloorTenths int64 = -100

var (
	// ErrPaymentRequired indicates the account balance is at or below the
	// floor. It is surfaced to the caller as a distinct status, never
	// silently degraded.
	ErrPaymentRequired = errors.New("insufficient balance")

	// ErrRateLimited indicates the account exceeded its configured request
	// rate. No provider call is made and no usage is recorded.
	ErrRateLimited = errors.New("account rate limit exceeded")
)

// Call runs the wrapped external generation call.
type Call func(ctx context.Context) (*provider.Response, error)

// StreamCall opens the wrapped streaming generation call.
type StreamCall func(ctx context.Context) (<-chan provider.Chunk, error)

// BillingInfo summarizes one metered call.
type BillingInfo struct {
	ModelID      string
	InputTokens  int64
	OutputTokens int64
	CostTenths   int64
	Balance      int64
	Estimated    bool // token counts came from the heuristic fallback
}

// Ledger is the balance store consumed by the meter.
type Ledger interface {
	HasSufficient(ctx context.Context, accountID string, floor int64) (bool, error)
	ApplyDelta(ctx context.Context, accountID string, delta int64) (*ledger.Account, error)
}

// Recorder persists usage records.
type Recorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Calculator prices token usage.
type Calculator interface {
	Cost(model string, inputTokens, outputTokens int64) (int64, error)
}

// Meter wraps generation calls with metering and billing.
type Meter struct {
	ledger     Ledger
	recorder   Recorder
	calculator Calculator
	logger     *zap.Logger
	floor      int64

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
	limit      rate.Limit
	burst      int
}

// NewMeter creates a meter with the default overdraft floor and no rate limit.
func NewMeter(l Ledger, r Recorder, c Calculator, logger *zap.Logger) *Meter {
	return &Meter{
		ledger:     l,
		recorder:   r,
		calculator: c,
		logger:     logger,
		floor:      DefaultFloorTenths,
		limiters:   make(map[string]*rate.Limiter),
		limit:      rate.Inf,
	}
}

// SetFloor overrides the balance floor.
func (m *Meter) SetFloor(floor int64) { m.floor = floor }

// SetRateLimit enables a per-account request rate limit.
func (m *Meter) SetRateLimit(perSecond float64, burst int) {
	m.limitersMu.Lock()
	defer m.limitersMu.Unlock()
	m.limit = rate.Limit(perSecond)
	m.burst = burst
	m.limiters = make(map[string]*rate.Limiter)
}

// Allow reports whether the account is inside its configured request rate.
// Each allowed call consumes one limiter token, so callers admitting work at
// an outer boundary share the same budget as metered calls.
func (m *Meter) Allow(accountID string) bool {
	m.limitersMu.Lock()
	defer m.limitersMu.Unlock()
	if m.limit == rate.Inf {
		return true
	}
	lim, ok := m.limiters[accountID]
	if !ok {
		lim = rate.NewLimiter(m.limit, m.burst)
		m.limiters[accountID] = lim
	}
	return lim.Allow()
}

// preflight runs the checks that must pass before any external call is made,
// and returns the idempotency token for the call.
func (m *Meter) preflight(ctx context.Context, accountID string) (string, error) {
	ok, err := m.ledger.HasSufficient(ctx, accountID, m.floor)
	if err != nil {
		return "", fmt.Errorf("balance check: %w", err)
	}
	if !ok {
		m.logger.Warn("Refusing metered call below balance floor",
			zap.String("account_id", accountID),
			zap.Int64("floor", m.floor))
		return "", ErrPaymentRequired
	}
	if !m.Allow(accountID) {
		return "", ErrRateLimited
	}
	return uuid.New().String(), nil
}

// settle performs the success-path bookkeeping: token accounting, pricing,
// debit, usage record.
func (m *Meter) settle(ctx context.Context, accountID, modelID, token, input, output string, usageMeta *provider.TokenUsage) (BillingInfo, error) {
	info := BillingInfo{ModelID: modelID}
	if usageMeta != nil {
		info.InputTokens = usageMeta.InputTokens
		info.OutputTokens = usageMeta.OutputTokens
	} else {
		info.InputTokens = estimateTokens(input)
		info.OutputTokens = estimateTokens(output)
		info.Estimated = true
		metrics.TokenFallbacks.Inc()
		m.logger.Warn("No provider usage metadata, billing on heuristic token estimate",
			zap.String("account_id", accountID),
			zap.String("model_id", modelID),
			zap.Int64("input_tokens", info.InputTokens),
			zap.Int64("output_tokens", info.OutputTokens))
	}

	cost, err := m.calculator.Cost(modelID, info.InputTokens, info.OutputTokens)
	if err != nil {
		return info, err
	}
	info.CostTenths = cost

	acct, err := m.ledger.ApplyDelta(ctx, accountID, -cost)
	if err != nil {
		return info, fmt.Errorf("debit balance: %w", err)
	}
	info.Balance = acct.Balance

	if err := m.recorder.Record(ctx, usage.Record{
		AccountID:        accountID,
		IdempotencyToken: token,
		ModelID:          modelID,
		InputTokens:      info.InputTokens,
		OutputTokens:     info.OutputTokens,
		CostTenths:       cost,
		Status:           usage.StatusSuccess,
	}); err != nil {
		// The debit stands but the usage log does not know about it. Refund
		// so the two stay consistent; the call is then reported as failed
		// with zero cost.
		if _, rbErr := m.ledger.ApplyDelta(context.WithoutCancel(ctx), accountID, cost); rbErr != nil {
			m.logger.Error("Failed to refund debit after usage record failure",
				zap.String("account_id", accountID),
				zap.String("model_id", modelID),
				zap.Int64("cost_tenths", cost),
				zap.Error(rbErr))
		}
		return info, fmt.Errorf("record usage: %w", err)
	}

	metrics.InvocationsTotal.WithLabelValues(modelID, "success").Inc()
	metrics.InvocationCostTenths.Observe(float64(cost))
	return info, nil
}

// recordFailure writes the zero-cost failed usage record. It runs on every
// failing exit path of the wrapper and must not mask the original error.
func (m *Meter) recordFailure(ctx context.Context, accountID, modelID, token string) {
	metrics.InvocationsTotal.WithLabelValues(modelID, "failed").Inc()
	// The failure record must be written even when the surrounding call
	// timed out or was canceled.
	ctx = context.WithoutCancel(ctx)
	if err := m.recorder.Record(ctx, usage.Record{
		AccountID:        accountID,
		IdempotencyToken: token,
		ModelID:          modelID,
		Status:           usage.StatusFailed,
	}); err != nil {
		m.logger.Error("Failed to record failed usage",
			zap.String("account_id", accountID),
			zap.String("model_id", modelID),
			zap.Error(err))
	}
}

// Invoke wraps a single generation call. The pre-flight balance check runs
// before the provider is contacted, so rejected callers never cost anything.
func (m *Meter) Invoke(ctx context.Context, accountID, modelID, input string, call Call) (*provider.Response, BillingInfo, error) {
	token, err := m.preflight(ctx, accountID)
	if err != nil {
		return nil, BillingInfo{}, err
	}

	settled := false
	defer func() {
		// Guarantees the failure record even if the call path panics.
		if !settled {
			m.recordFailure(ctx, accountID, modelID, token)
		}
	}()

	resp, err := call(ctx)
	if err != nil {
		return nil, BillingInfo{}, err
	}

	info, err := m.settle(ctx, accountID, modelID, token, input, resp.Text, resp.Usage)
	if err != nil {
		return nil, info, err
	}
	settled = true
	return resp, info, nil
}

// InvokeStream wraps a streaming generation call. Chunks are forwarded as
// they arrive; metering and the debit are deferred until the stream drains,
// at which point the trailing chunk carries the billing summary. A stream
// error yields a zero-cost failed record, exactly like a failed Invoke.
func (m *Meter) InvokeStream(ctx context.Context, accountID, modelID, input string, call StreamCall) (<-chan StreamEvent, error) {
	token, err := m.preflight(ctx, accountID)
	if err != nil {
		return nil, err
	}

	src, err := call(ctx)
	if err != nil {
		m.recordFailure(ctx, accountID, modelID, token)
		return nil, err
	}

	out := make(chan StreamEvent)
	emit := func(ev StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(out)
		var text []byte
		var usageMeta *provider.TokenUsage
		for chunk := range src {
			if chunk.Err != nil {
				m.recordFailure(ctx, accountID, modelID, token)
				emit(StreamEvent{Err: chunk.Err})
				return
			}
			if chunk.Usage != nil {
				usageMeta = chunk.Usage
			}
			if chunk.Text != "" {
				text = append(text, chunk.Text...)
				if !emit(StreamEvent{Text: chunk.Text}) {
					m.recordFailure(ctx, accountID, modelID, token)
					return
				}
			}
		}

		info, err := m.settle(ctx, accountID, modelID, token, input, string(text), usageMeta)
		if err != nil {
			emit(StreamEvent{Err: err})
			return
		}
		emit(StreamEvent{Billing: &info})
	}()
	return out, nil
}

// StreamEvent is one element of a metered stream: a text increment, the
// final billing summary, or a terminal error.
type StreamEvent struct {
	Text    string
	Billing *BillingInfo
	Err     error
}
