package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 24 * time.Hour

// Options configure the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient opens a Redis client and checks it with a PING.
func NewClient(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}

// Store keeps JSON-encoded values under a key prefix with a fixed TTL.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New creates a Store. A zero ttl falls back to 24 hours.
func New(client *redis.Client, prefix string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

// Get decodes the value stored under key into v. It reports false without
// an error when the key does not exist.
func (s *Store) Get(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("getting %s%s: %w", s.prefix, key, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s%s: %w", s.prefix, key, err)
	}
	return true, nil
}

// Set stores v under key.
func (s *Store) Set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s%s: %w", s.prefix, key, err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("setting %s%s: %w", s.prefix, key, err)
	}
	return nil
}
