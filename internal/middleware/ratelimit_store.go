package middleware

import (
	"context"
	"sync"
	"time"
)

// RateStore counts requests per key within a fixed window.
type RateStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int, ttl time.Duration, err error)
}

// WindowCounter is the shared-store primitive behind RateStore; both the Redis
// client and the database cache store provide it.
type WindowCounter interface {
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// NewSharedRateStore counts in a store shared by every broker replica. A nil
// counter yields a nil store, which disables limiting.
func NewSharedRateStore(counter WindowCounter) RateStore {
	if counter == nil {
		return nil
	}
	return sharedRateStore{counter: counter}
}

type sharedRateStore struct {
	counter WindowCounter
}

func (s sharedRateStore) Increment(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	count, ttl, err := s.counter.IncrementWithTTL(ctx, key, window)
	return int(count), ttl, err
}

// memoryRateStore keeps per-process counters. Expired windows are dropped
// during Increment at most once per gcEvery, so no background goroutine is needed.
type memoryRateStore struct {
	mu      sync.Mutex
	windows map[string]memoryWindow
	now     func() time.Time
	lastGC  time.Time
	gcEvery time.Duration
}

type memoryWindow struct {
	count int
	ends  time.Time
}

// NewMemoryRateStore constructs a process-local rate store for tests and single replica setups.
func NewMemoryRateStore() RateStore {
	return newMemoryRateStore(time.Now)
}

func newMemoryRateStore(now func() time.Time) *memoryRateStore {
	return &memoryRateStore{
		windows: make(map[string]memoryWindow),
		now:     now,
		lastGC:  now(),
		gcEvery: time.Minute,
	}
}

func (s *memoryRateStore) Increment(_ context.Context, key string, window time.Duration) (int, time.Duration, error) {
	if window <= 0 {
		window = time.Minute
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastGC) >= s.gcEvery {
		for k, w := range s.windows {
			if !w.ends.After(now) {
				delete(s.windows, k)
			}
		}
		s.lastGC = now
	}

	w, ok := s.windows[key]
	if !ok || !w.ends.After(now) {
		w = memoryWindow{ends: now.Add(window)}
	}
	w.count++
	s.windows[key] = w

	return w.count, w.ends.Sub(now), nil
}
