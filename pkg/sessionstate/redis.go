package sessionstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements StorageBackend using Redis, for multi-node
// deployments where a session's actor may be rehydrated on a different
// process than the one that last wrote it.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all session keys (default: "sessionagent:").
	Prefix string
	// SessionTTL is the per-key expiry (0 = never expire).
	SessionTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisBackend dials Redis and verifies connectivity with a Ping.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("sessionstate: redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "sessionagent:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sessionstate: redis ping failed: %w", err)
	}

	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    cfg.SessionTTL,
	}, nil
}

// NewRedisBackendFromClient builds a backend around an already-configured
// client, useful for testing against miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "sessionagent:"
	}
	return &RedisBackend{client: client, prefix: prefix, ttl: ttl}
}

func (b *RedisBackend) key(sessionID, field string) string {
	return b.prefix + sessionID + ":" + field
}

func (b *RedisBackend) indexKey(sessionID string) string {
	return b.prefix + "keys:" + sessionID
}

// Get returns the raw value stored under (sessionID, key).
func (b *RedisBackend) Get(ctx context.Context, sessionID, key string) ([]byte, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}

	data, err := b.client.Get(ctx, b.key(sessionID, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessionstate: get %s/%s: %w", sessionID, key, err)
	}
	return data, nil
}

// Set durably writes value under (sessionID, key) and records the field
// name in a per-session index so Delete can find every key written.
func (b *RedisBackend) Set(ctx context.Context, sessionID, key string, value []byte) error {
	if b.isClosed() {
		return ErrClosed
	}

	pipe := b.client.Pipeline()
	if b.ttl > 0 {
		pipe.Set(ctx, b.key(sessionID, key), value, b.ttl)
		pipe.Expire(ctx, b.indexKey(sessionID), b.ttl)
	} else {
		pipe.Set(ctx, b.key(sessionID, key), value, 0)
	}
	pipe.SAdd(ctx, b.indexKey(sessionID), key)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sessionstate: set %s/%s: %w", sessionID, key, err)
	}
	return nil
}

// Delete removes every key ever written for sessionID.
func (b *RedisBackend) Delete(ctx context.Context, sessionID string) error {
	if b.isClosed() {
		return ErrClosed
	}

	fields, err := b.client.SMembers(ctx, b.indexKey(sessionID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("sessionstate: list keys for %s: %w", sessionID, err)
	}

	pipe := b.client.Pipeline()
	for _, field := range fields {
		pipe.Del(ctx, b.key(sessionID, field))
	}
	pipe.Del(ctx, b.indexKey(sessionID))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sessionstate: delete %s: %w", sessionID, err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

// Ping checks whether the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if b.isClosed() {
		return ErrClosed
	}
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
