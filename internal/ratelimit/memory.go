package ratelimit

import (
	"context"
	"sync"
	"time"
)

// tokenBucket tracks the remaining budget for one key.
type tokenBucket struct {
	tokens   float64
	lastSeen time.Time
}

// MemoryLimiter is an in-process Limiter giving each key a token bucket
// sized to a per-minute budget. Capacity equals the budget, refill is
// budget/60 tokens per second, so a quiet key can burst a full minute of
// requests at once. A background goroutine evicts idle keys.
type MemoryLimiter struct {
	perSecond float64
	capacity  float64
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter allowing perMinute requests per key
// per minute. Call Close to stop the eviction goroutine.
func NewMemoryLimiter(perMinute int) *MemoryLimiter {
	m := &MemoryLimiter{
		perSecond: float64(perMinute) / 60.0,
		capacity:  float64(perMinute),
		now:       time.Now,
		buckets:   make(map[string]*tokenBucket),
		done:      make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// Allow consumes one token for key, reporting whether the request may
// proceed. It never returns an error.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		m.buckets[key] = &tokenBucket{tokens: m.capacity - 1, lastSeen: now}
		return true, nil
	}

	b.tokens += now.Sub(b.lastSeen).Seconds() * m.perSecond
	if b.tokens > m.capacity {
		b.tokens = m.capacity
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const idleEviction = 10 * time.Minute

func (m *MemoryLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-idleEviction)
	for key, b := range m.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
