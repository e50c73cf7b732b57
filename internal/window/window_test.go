package window_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenta-ai/tracequery/internal/model"
	"github.com/agenta-ai/tracequery/internal/window"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func intervalPtr(minutes int) *int { return &minutes }

func TestResolveDefaults(t *testing.T) {
	now := ts("2025-03-10T14:30:00Z")
	plan := window.Resolve(model.Windowing{}, now)

	assert.Equal(t, ts("2025-03-11T00:00:00Z"), plan.Newest)
	assert.Equal(t, plan.Newest.Add(-window.DefaultLookback), plan.Oldest)
	assert.Equal(t, window.DefaultIntervalMinutes, plan.Interval)
	assert.Len(t, plan.Buckets, 30)
	assert.Equal(t, plan.Oldest, plan.Buckets[0])
}

func TestResolveKeepsRequestedIntervalWhenSafe(t *testing.T) {
	oldest := ts("2025-03-10T00:00:00Z")
	newest := ts("2025-03-10T06:00:00Z")
	plan := window.Resolve(model.Windowing{
		Oldest:   &oldest,
		Newest:   &newest,
		Interval: intervalPtr(5),
	}, newest)

	assert.Equal(t, 5, plan.Interval)
	assert.Len(t, plan.Buckets, 72)
}

func TestResolveCoarsensPastCeiling(t *testing.T) {
	oldest := ts("2025-01-01T00:00:00Z")
	newest := ts("2025-03-01T00:00:00Z") // 59 days
	plan := window.Resolve(model.Windowing{
		Oldest:   &oldest,
		Newest:   &newest,
		Interval: intervalPtr(1),
	}, newest)

	// 59 days at 1m would be 84960 buckets; the smallest safe ladder entry
	// is 180m (59*24*60/180 = 472 <= 1024; 60m gives 1416 > 1024).
	assert.Equal(t, 180, plan.Interval)
	assert.Len(t, plan.Buckets, 472)
	assert.LessOrEqual(t, len(plan.Buckets), window.MaxAllowedBuckets)
}

func TestResolveCeilingHoldsAcrossLadder(t *testing.T) {
	newest := ts("2025-03-01T00:00:00Z")
	for days := 1; days <= 365; days += 7 {
		oldest := newest.AddDate(0, 0, -days)
		plan := window.Resolve(model.Windowing{
			Oldest:   &oldest,
			Newest:   &newest,
			Interval: intervalPtr(1),
		}, newest)
		assert.LessOrEqual(t, len(plan.Buckets), window.MaxAllowedBuckets,
			"window of %d days overflowed the bucket ceiling", days)
	}
}

func TestResolveInvertedBoundsFallBackToLookback(t *testing.T) {
	oldest := ts("2025-04-01T00:00:00Z")
	newest := ts("2025-03-01T00:00:00Z")
	plan := window.Resolve(model.Windowing{Oldest: &oldest, Newest: &newest}, newest)

	assert.Equal(t, newest, plan.Newest)
	assert.Equal(t, newest.Add(-window.DefaultLookback), plan.Oldest)
}

func TestResolveIncludesPartialTailBucket(t *testing.T) {
	oldest := ts("2025-03-10T00:00:00Z")
	newest := ts("2025-03-10T02:30:00Z")
	plan := window.Resolve(model.Windowing{
		Oldest:   &oldest,
		Newest:   &newest,
		Interval: intervalPtr(60),
	}, newest)

	require.Len(t, plan.Buckets, 3)
	assert.Equal(t, ts("2025-03-10T02:00:00Z"), plan.Buckets[2])
}

func TestResolveEqualBoundsYieldEmptyWindow(t *testing.T) {
	bound := ts("2025-03-10T00:00:00Z")
	plan := window.Resolve(model.Windowing{Oldest: &bound, Newest: &bound}, bound)

	assert.Equal(t, bound, plan.Oldest)
	assert.Equal(t, bound, plan.Newest)
	assert.Empty(t, plan.Buckets)
}
