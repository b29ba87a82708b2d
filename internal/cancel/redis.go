package cancel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rshade/flowbatch/internal/config"
)

// DefaultRequestTTL bounds how long a cancel request is kept.
const DefaultRequestTTL = 24 * time.Hour

// ErrNoRedisAddr is returned when no Redis address is configured.
var ErrNoRedisAddr = errors.New("redis address is required")

// RedisSource stores cancel requests as keys "<prefix><run id>".
type RedisSource struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var (
	_ Source    = (*RedisSource)(nil)
	_ Requester = (*RedisSource)(nil)
)

// NewRedisSource wraps an existing client.
func NewRedisSource(client redis.UniversalClient, prefix string) *RedisSource {
	if prefix == "" {
		prefix = config.DefaultRedisKeyPrefix
	}
	return &RedisSource{client: client, prefix: prefix, ttl: DefaultRequestTTL}
}

// Dial connects to the Redis server in cfg and verifies it with a ping.
func Dial(ctx context.Context, cfg config.RedisConfig) (*RedisSource, error) {
	if !cfg.Enabled() {
		return nil, ErrNoRedisAddr
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisSource(client, cfg.KeyPrefix), nil
}

// Key returns the key holding the cancel request of runID.
func (s *RedisSource) Key(runID string) string {
	return s.prefix + runID
}

// RequestCancel marks runID as canceled.
func (s *RedisSource) RequestCancel(ctx context.Context, runID string) error {
	if err := s.client.Set(ctx, s.Key(runID), time.Now().UTC().Format(time.RFC3339), s.ttl).Err(); err != nil {
		return fmt.Errorf("requesting cancel of %s: %w", runID, err)
	}
	return nil
}

// Canceled reports whether a cancel request exists for runID.
func (s *RedisSource) Canceled(ctx context.Context, runID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.Key(runID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking cancel of %s: %w", runID, err)
	}
	return n > 0, nil
}

// Clear removes the cancel request of runID.
func (s *RedisSource) Clear(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, s.Key(runID)).Err(); err != nil {
		return fmt.Errorf("clearing cancel of %s: %w", runID, err)
	}
	return nil
}

// Close closes the client.
func (s *RedisSource) Close() error {
	return s.client.Close()
}
