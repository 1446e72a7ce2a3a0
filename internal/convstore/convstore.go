// Package convstore persists conversations in Redis as JSON blobs with a
// sliding TTL. A conversation is owned by one account; lookups from another
// account fall back to a fresh conversation rather than exposing history.
package convstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/counsel-ai/counsel/internal/models"
)

// DefaultTTL is how long an idle conversation survives.
const DefaultTTL = 24 * time.Hour

// Conversation is the stored blob.
type Conversation struct {
	ID        string        `json:"id"`
	AccountID string        `json:"account_id"`
	Turns     []models.Turn `json:"turns"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Store manages conversation blobs.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New connects to Redis and verifies the connection.
func New(addr, password string, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, logger), nil
}

// NewWithClient wraps an existing client, mainly for tests.
func NewWithClient(client *redis.Client, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, ttl: DefaultTTL, logger: logger}
}

// SetTTL overrides the idle expiry.
func (s *Store) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		s.ttl = ttl
	}
}

// GetOrCreate loads the conversation, creating a fresh one when the ID is
// empty, unknown, expired, or owned by a different account.
func (s *Store) GetOrCreate(ctx context.Context, accountID, conversationID string) (*Conversation, error) {
	if conversationID != "" {
		conv, err := s.load(ctx, conversationID)
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if conv != nil {
			if conv.AccountID == accountID {
				return conv, nil
			}
			s.logger.Warn("conversation requested by non-owner, starting fresh",
				zap.String("conversation_id", conversationID),
				zap.String("account_id", accountID))
		}
	}

	conv := &Conversation{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Turns:     []models.Turn{},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.save(ctx, conv); err != nil {
		return nil, err
	}
	s.logger.Info("created conversation",
		zap.String("conversation_id", conv.ID),
		zap.String("account_id", accountID))
	return conv, nil
}

// History returns the most recent n turns, oldest first. n <= 0 returns all.
func (s *Store) History(ctx context.Context, conversationID string, n int) ([]models.Turn, error) {
	conv, err := s.load(ctx, conversationID)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	turns := conv.Turns
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns, nil
}

// Append adds turns to the conversation and refreshes the TTL.
func (s *Store) Append(ctx context.Context, conversationID string, turns ...models.Turn) error {
	conv, err := s.load(ctx, conversationID)
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	if err != nil {
		return err
	}
	conv.Turns = append(conv.Turns, turns...)
	conv.UpdatedAt = time.Now().UTC()
	return s.save(ctx, conv)
}

func (s *Store) key(conversationID string) string {
	return "conversation:" + conversationID
}

func (s *Store) load(ctx context.Context, conversationID string) (*Conversation, error) {
	data, err := s.client.Get(ctx, s.key(conversationID)).Bytes()
	if err != nil {
		return nil, err
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", conversationID, err)
	}
	return &conv, nil
}

func (s *Store) save(ctx context.Context, conv *Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", conv.ID, err)
	}
	if err := s.client.Set(ctx, s.key(conv.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
