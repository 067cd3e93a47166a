package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotInteger = errors.New("ERR value is not an integer or out of range")
	ErrNotFloat   = errors.New("ERR value is not a valid float")
	ErrOverflow   = errors.New("ERR increment or decrement would overflow")
	ErrClosed     = errors.New("store is closed")
)

// Store is one key space of the mock server.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) int64
	Exists(ctx context.Context, keys ...string) int64

	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)

	ExpireAt(ctx context.Context, key string, at time.Time) bool
	Persist(ctx context.Context, key string) bool

	// TTL returns the remaining time to live of key. ok is false for missing
	// keys, the duration is negative for keys that never expire.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool)

	Len(ctx context.Context) int64
	Flush(ctx context.Context)

	Restore(values []byte) error
	Backup() ([]byte, error)

	Close() error
}
