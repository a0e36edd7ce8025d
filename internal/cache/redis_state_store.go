// Package cache holds short-lived authorization state outside the primary store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/baymingyih/KR7/internal/oauth"
)

// RedisStateStore implements oauth.StateStore backed by Redis.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ oauth.StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// SaveState stores the encoded state with TTL.
func (s *RedisStateStore) SaveState(ctx context.Context, key string, state oauth.State, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// ConsumeState takes the state with GETDEL, so only one caller can redeem it.
func (s *RedisStateStore) ConsumeState(ctx context.Context, key string) (*oauth.State, error) {
	raw, err := s.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("consume state: %w", err)
	}
	var state oauth.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}
