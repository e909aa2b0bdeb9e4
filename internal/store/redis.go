package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lukasbauer/parley/internal/dialogue"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one dialogue session as a JSON array under a single key.
type RedisStore struct {
	client  *redis.Client
	session string
	prefix  string
	ttl     time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix. Default is "parley".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithTTL expires the dialogue key after ttl of inactivity. Default 0 keeps it forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedis returns a store for the given dialogue session.
func NewRedis(client *redis.Client, session string, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:  client,
		session: session,
		prefix:  "parley",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key() string {
	return s.prefix + ":dialogue:" + s.session
}

// Save replaces the stored dialogue.
func (s *RedisStore) Save(ctx context.Context, records []dialogue.Record) error {
	if records == nil {
		records = []dialogue.Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal dialogue: %w", err)
	}
	if err := s.client.Set(ctx, s.key(), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Load returns the stored dialogue, or nil if the key does not exist.
func (s *RedisStore) Load(ctx context.Context) ([]dialogue.Record, error) {
	data, err := s.client.Get(ctx, s.key()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var records []dialogue.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dialogue: %w", err)
	}
	return records, nil
}
