// Package redis provides a Redis-backed cursorstore.Store so multiple
// relay processes share resume state.
package redis

import (
	"context"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/opencode-studio/eventstream-go/cursorstore"
)

// Config for the Redis cursor store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: CURSORS_KEY_PREFIX
	KeyPrefix string `env:"CURSORS_KEY_PREFIX,default=eventhub:cursors:"`

	// Client overrides the connection built from RedisAddr.
	Client redis.UniversalClient
}

// Store implements cursorstore.Store on plain Redis keys.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New creates a Store from cfg.
func New(cfg Config) (*Store, error) {
	client := cfg.Client
	if client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "eventhub:cursors:"
	}
	return &Store{client: client, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (s *Store) Load(ctx context.Context, label string) (string, error) {
	v, err := s.client.Get(ctx, s.keyPrefix+label).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load cursor %q: %w", label, err)
	}
	return v, nil
}

func (s *Store) Save(ctx context.Context, label, cursor string) error {
	if err := s.client.Set(ctx, s.keyPrefix+label, cursor, 0).Err(); err != nil {
		return fmt.Errorf("save cursor %q: %w", label, err)
	}
	return nil
}

func (s *Store) Close() error { return s.client.Close() }

var _ cursorstore.Store = (*Store)(nil)
