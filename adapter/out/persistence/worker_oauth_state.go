package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// OAuthStateKey Redis key prefix for OAuth state
const OAuthStateKey = "mailsync:oauth:state:"

// RedisOAuthStateStore keeps the CSRF state of a pending mailbox connect.
type RedisOAuthStateStore struct {
	client *redis.Client
}

func NewRedisOAuthStateStore(client *redis.Client) *RedisOAuthStateStore {
	return &RedisOAuthStateStore{client: client}
}

// StoreState state를 Redis에 저장
func (s *RedisOAuthStateStore) StoreState(ctx context.Context, state string, ownerID uuid.UUID, ttl time.Duration) error {
	if state == "" {
		return errors.New("state cannot be empty")
	}
	if ownerID == uuid.Nil {
		return errors.New("ownerID cannot be nil")
	}

	if err := s.client.Set(ctx, OAuthStateKey+state, ownerID.String(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to store OAuth state: %w", err)
	}
	return nil
}

// ConsumeState returns the owner bound to state and deletes it (GETDEL, 일회용).
func (s *RedisOAuthStateStore) ConsumeState(ctx context.Context, state string) (uuid.UUID, error) {
	if state == "" {
		return uuid.Nil, ErrInvalidState
	}

	raw, err := s.client.GetDel(ctx, OAuthStateKey+state).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, ErrInvalidState
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to consume OAuth state: %w", err)
	}

	ownerID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid owner in state: %w", err)
	}
	return ownerID, nil
}
