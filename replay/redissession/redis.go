package redissession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/oidcauth/replay"
)

const maxTxRetries = 8

// ErrContention is returned when an entry kept changing under a transaction.
var ErrContention = errors.New("redissession: too many concurrent updates")

// Config for the Redis-backed session store. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: REPLAY_KEY_PREFIX
	KeyPrefix string `env:"REPLAY_KEY_PREFIX,default=oidcauth:replay:"`
	// TTL applied on every write. ENV: REPLAY_TTL
	TTL time.Duration `env:"REPLAY_TTL,default=1h"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// New connects to cfg.RedisAddr and verifies the connection.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg), nil
}

// NewWithClient uses an existing client. cfg.RedisAddr is ignored.
func NewWithClient(cl *redis.Client, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "oidcauth:replay:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{client: cl, keyPrefix: prefix, ttl: ttl}
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redissession: env: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) entryKey(sessionID, key string) string {
	return s.keyPrefix + sessionID + ":" + key
}

// Update performs an optimistic WATCH/MULTI read-modify-write, retrying
// when another writer touched the entry in between.
func (s *Store) Update(ctx context.Context, sessionID, key string, fn func(cur []byte) ([]byte, error)) error {
	k := s.entryKey(sessionID, key)

	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, k).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == redis.Nil {
			cur = nil
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, k)
				return nil
			}
			pipe.Set(ctx, k, next, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, k)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrContention
}

var _ replay.SessionStore = (*Store)(nil)
