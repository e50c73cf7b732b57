// Package window selects safe aggregation intervals and generates bucket
// boundaries for analytics queries.
//
// Analytics group rows by a time-truncation expression, so an unbounded or
// caller-chosen interval could generate pathological bucket counts and
// defeat the per-query statement timeout. The planner trades requested
// precision for a hard bucket ceiling, deterministically.
package window

import (
	"time"

	"github.com/agenta-ai/tracequery/internal/model"
)

const (
	// MaxAllowedBuckets is the hard ceiling on buckets per analytics query.
	MaxAllowedBuckets = 1024

	// DefaultIntervalMinutes is one calendar day.
	DefaultIntervalMinutes = 1440

	// DefaultLookback is applied when the caller gives no oldest bound, or
	// gives one after the newest bound.
	DefaultLookback = 30 * 24 * time.Hour
)

// suggestedIntervals is the ascending coarsening ladder, in minutes:
// 1m, 5m, 15m, 30m, 1h, 3h, 6h, 12h, 1d, 3d, 7d, 14d, 30d.
var suggestedIntervals = []int{1, 5, 15, 30, 60, 180, 360, 720, 1440, 4320, 10080, 20160, 43200}

// Plan is a resolved analytics window: the effective bounds, the chosen
// interval, and the ordered bucket-start timestamps.
type Plan struct {
	Oldest   time.Time
	Newest   time.Time
	Interval int // minutes
	Buckets  []time.Time
}

// IntervalDuration returns the chosen interval as a time.Duration.
func (p Plan) IntervalDuration() time.Duration {
	return time.Duration(p.Interval) * time.Minute
}

// Resolve picks a safe bucketing interval for the requested windowing and
// produces the bucket boundary list. now anchors the defaults: newest
// defaults to the start of the next UTC day, oldest to newest minus the
// default lookback.
func Resolve(w model.Windowing, now time.Time) Plan {
	newest := startOfNextDay(now.UTC())
	if w.Newest != nil {
		newest = w.Newest.UTC()
	}

	// An explicit oldest equal to newest is a legitimate empty window; only
	// an inverted pair falls back to the default lookback.
	oldest := newest.Add(-DefaultLookback)
	if w.Oldest != nil && !w.Oldest.After(newest) {
		oldest = w.Oldest.UTC()
	}

	requested := DefaultIntervalMinutes
	if w.Interval != nil && *w.Interval > 0 {
		requested = *w.Interval
	}

	interval := coarsen(oldest, newest, requested)

	plan := Plan{Oldest: oldest, Newest: newest, Interval: interval}
	step := plan.IntervalDuration()
	for ts := oldest; ts.Before(newest); ts = ts.Add(step) {
		plan.Buckets = append(plan.Buckets, ts)
	}
	return plan
}

// coarsen returns the requested interval when it is already within the
// ceiling; otherwise the smallest ladder entry whose bucket count fits, or
// the largest entry when none does.
func coarsen(oldest, newest time.Time, requested int) int {
	totalMinutes := int(newest.Sub(oldest) / time.Minute)
	if buckets(totalMinutes, requested) <= MaxAllowedBuckets {
		return requested
	}
	for _, candidate := range suggestedIntervals {
		if buckets(totalMinutes, candidate) <= MaxAllowedBuckets {
			return candidate
		}
	}
	return suggestedIntervals[len(suggestedIntervals)-1]
}

func buckets(totalMinutes, interval int) int {
	if interval <= 0 {
		return 0
	}
	return totalMinutes / interval
}

func startOfNextDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
