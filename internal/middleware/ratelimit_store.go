package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/evanigwilo/meet-up-sub001/internal/cache"
)

// RateStore coordinates fixed-window counters for a key.
type RateStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int, ttl time.Duration, err error)
}

// memoryRateStore keeps counters in process. It backs tests and single-node setups.
type memoryRateStore struct {
	mu    sync.Mutex
	clock clockwork.Clock
	data  map[string]*memoryCounter
}

type memoryCounter struct {
	count     int
	windowEnd time.Time
}

// NewMemoryRateStore constructs an in-memory rate store.
func NewMemoryRateStore(clock clockwork.Clock) RateStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &memoryRateStore{clock: clock, data: make(map[string]*memoryCounter)}
}

func (s *memoryRateStore) Increment(_ context.Context, key string, window time.Duration) (int, time.Duration, error) {
	if window <= 0 {
		window = time.Minute
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	// expired windows are swept on access
	if len(s.data) > 1024 {
		for k, v := range s.data {
			if !now.Before(v.windowEnd) {
				delete(s.data, k)
			}
		}
	}

	counter, ok := s.data[key]
	if !ok || !now.Before(counter.windowEnd) {
		counter = &memoryCounter{windowEnd: now.Add(window)}
		s.data[key] = counter
	}
	counter.count++
	return counter.count, counter.windowEnd.Sub(now), nil
}

// storeRateStore shares counters through the cache, so every instance behind a
// load balancer draws from the same budget.
type storeRateStore struct {
	store cache.Store
}

// NewCacheRateStore builds a RateStore over the Redis or SQL cache store.
func NewCacheRateStore(store cache.Store) RateStore {
	if store == nil {
		return nil
	}
	return &storeRateStore{store: store}
}

func (s *storeRateStore) Increment(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	if window <= 0 {
		window = time.Minute
	}
	count, ttl, err := s.store.IncrementWithTTL(ctx, "ratelimit:"+key, window)
	return int(count), ttl, err
}
