package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotInitialised is returned when a store method is called on a nil store.
var ErrNotInitialised = errors.New("cache: store not initialised")

// Store represents the shared cache used for sessions, presence, typing flags and upload claims.
// A zero or negative ttl means the key never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// IncrementWithTTL bumps a fixed-window counter and returns its count and remaining window.
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}
