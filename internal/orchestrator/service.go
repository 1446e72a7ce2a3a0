// Package orchestrator exposes the service-level entry points: running one
// advisory round for an account and applying payment provider events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/counsel-ai/counsel/internal/billing"
	"github.com/counsel-ai/counsel/internal/convstore"
	"github.com/counsel-ai/counsel/internal/graph"
	"github.com/counsel-ai/counsel/internal/ledger"
	"github.com/counsel-ai/counsel/internal/models"
	"github.com/counsel-ai/counsel/internal/payments"
)

// SafeFailureMessage is returned verbatim when a round produces nothing
// usable. It never carries internal error detail.
const SafeFailureMessage = "I apologize, but I was unable to process your request. Please try again."

// DefaultHistoryWindow caps how much stored conversation is handed to a
// round.
const DefaultHistoryWindow = 20

// Result is what one advisory round returns to the transport layer.
type Result struct {
	ConversationID string
	FinalResponse  string
	TaskResults    map[string]models.TaskResult
	ResolverMeta   map[string]string
	Balance        int64
}

// Ledger is the balance surface the service needs.
type Ledger interface {
	GetOrCreate(ctx context.Context, accountID string) (*ledger.Account, error)
	HasSufficient(ctx context.Context, accountID string, floor int64) (bool, error)
}

// Conversations is the persistence surface for chat history.
type Conversations interface {
	GetOrCreate(ctx context.Context, accountID, conversationID string) (*convstore.Conversation, error)
	History(ctx context.Context, conversationID string, n int) ([]models.Turn, error)
	Append(ctx context.Context, conversationID string, turns ...models.Turn) error
}

// Payments applies payment provider events.
type Payments interface {
	HandlePaymentSucceeded(ctx context.Context, in payments.Intent) error
	HandlePaymentFailed(ctx context.Context, in payments.Intent) error
}

// RateGate admits or refuses a round before any work is done for it. The
// billing meter satisfies it.
type RateGate interface {
	Allow(accountID string) bool
}

// Service runs advisory rounds.
type Service struct {
	driver        *graph.Driver
	conversations Conversations
	ledger        Ledger
	payments      Payments
	gate          RateGate
	floor         int64
	historyWindow int
	logger        *zap.Logger
}

func NewService(driver *graph.Driver, conversations Conversations, led Ledger, pay Payments, floor int64, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		driver:        driver,
		conversations: conversations,
		ledger:        led,
		payments:      pay,
		floor:         floor,
		historyWindow: DefaultHistoryWindow,
		logger:        logger,
	}
}

// SetRateGate enables an admission check at the start of each round. Refused
// rounds fail with billing.ErrRateLimited before any model call.
func (s *Service) SetRateGate(g RateGate) { s.gate = g }

// Run executes one advisory round. The balance is checked before any model
// call; accounts at or below the floor are refused with
// billing.ErrPaymentRequired. Round failures never surface internals: the
// caller gets SafeFailureMessage and both turns are still persisted.
func (s *Service) Run(ctx context.Context, accountID, conversationID, query string) (*Result, error) {
	if _, err := s.ledger.GetOrCreate(ctx, accountID); err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	ok, err := s.ledger.HasSufficient(ctx, accountID, s.floor)
	if err != nil {
		return nil, fmt.Errorf("check balance: %w", err)
	}
	if !ok {
		return nil, billing.ErrPaymentRequired
	}
	if s.gate != nil && !s.gate.Allow(accountID) {
		return nil, billing.ErrRateLimited
	}

	conv, err := s.conversations.GetOrCreate(ctx, accountID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	history, err := s.conversations.History(ctx, conv.ID, s.historyWindow)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	state, runErr := s.driver.Run(ctx, accountID, query, history)
	final := state.FinalResponse
	if runErr != nil {
		s.logger.Error("advisory round failed",
			zap.String("account_id", accountID),
			zap.String("conversation_id", conv.ID),
			zap.Error(runErr))
		if !errors.Is(runErr, graph.ErrNoUsableResults) && !errors.Is(runErr, graph.ErrStepLimitExceeded) {
			s.logger.Warn("unexpected round error, returning safe response", zap.Error(runErr))
		}
		final = SafeFailureMessage
	}

	now := time.Now().UTC()
	if err := s.conversations.Append(ctx, conv.ID,
		models.Turn{Role: models.RoleHuman, Content: query, At: now},
		models.Turn{Role: models.RoleAssistant, Content: final, At: now},
	); err != nil {
		// The answer exists; losing the transcript is not worth failing the
		// round over.
		s.logger.Error("failed to persist conversation turns",
			zap.String("conversation_id", conv.ID), zap.Error(err))
	}

	acct, err := s.ledger.GetOrCreate(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("refresh balance: %w", err)
	}

	return &Result{
		ConversationID: conv.ID,
		FinalResponse:  final,
		TaskResults:    state.TaskResults,
		ResolverMeta:   state.ResolverMeta,
		Balance:        acct.Balance,
	}, nil
}

// Balance returns the account's current balance in tenths of cents, creating
// the account with the starting credit on first sight.
func (s *Service) Balance(ctx context.Context, accountID string) (int64, error) {
	acct, err := s.ledger.GetOrCreate(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("load account: %w", err)
	}
	return acct.Balance, nil
}

// ApplyPayment routes a payment event by status. Unknown statuses are
// recorded as failures so the intent can never be claimed.
func (s *Service) ApplyPayment(ctx context.Context, in payments.Intent) error {
	switch in.Status {
	case payments.StatusSucceeded:
		return s.payments.HandlePaymentSucceeded(ctx, in)
	case payments.StatusFailed:
		return s.payments.HandlePaymentFailed(ctx, in)
	default:
		s.logger.Info("ignoring payment event with unhandled status",
			zap.String("intent_id", in.IntentID),
			zap.String("status", in.Status))
		return nil
	}
}
