package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, perMinute int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(perMinute)
	m.now = clock.Now
	t.Cleanup(func() { _ = m.Close() })
	return m, clock
}

func TestAllowWithinBudget(t *testing.T) {
	m, _ := newTestLimiter(t, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := m.Allow(ctx, "ingest:project:a")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i)
	}

	ok, err := m.Allow(ctx, "ingest:project:a")
	require.NoError(t, err)
	assert.False(t, ok, "sixth request should be denied")
}

func TestKeysAreIndependent(t *testing.T) {
	m, _ := newTestLimiter(t, 1)
	ctx := context.Background()

	ok, err := m.Allow(ctx, "ingest:project:a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Allow(ctx, "ingest:project:a")
	require.NoError(t, err)
	require.False(t, ok)

	// A different project still has its full budget.
	ok, err = m.Allow(ctx, "ingest:project:b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTokensRefillOverTime(t *testing.T) {
	m, clock := newTestLimiter(t, 60) // one token per second
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		ok, err := m.Allow(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := m.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(2 * time.Second)

	ok, err = m.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok, "refilled token should be granted")
}

func TestRefillCapsAtBudget(t *testing.T) {
	m, clock := newTestLimiter(t, 3)
	ctx := context.Background()

	_, err := m.Allow(ctx, "k")
	require.NoError(t, err)

	// A long idle period must not accumulate more than one minute's budget.
	clock.Advance(time.Hour)

	allowed := 0
	for i := 0; i < 10; i++ {
		ok, err := m.Allow(ctx, "k")
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestEvictIdleRemovesStaleKeys(t *testing.T) {
	m, clock := newTestLimiter(t, 5)
	ctx := context.Background()

	_, err := m.Allow(ctx, "stale")
	require.NoError(t, err)

	clock.Advance(idleEviction + time.Minute)

	_, err = m.Allow(ctx, "fresh")
	require.NoError(t, err)

	m.evictIdle()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "stale")
	assert.Contains(t, m.buckets, "fresh")
}

func TestCloseIsIdempotent(t *testing.T) {
	m := NewMemoryLimiter(5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestConcurrentAllow(t *testing.T) {
	m, _ := newTestLimiter(t, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Allow(ctx, "hot")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, allowed)
}
