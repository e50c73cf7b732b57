package storage

import (
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// sampleBuckets is the number of stable sampling buckets a trace id can
// land in. A windowing rate r includes buckets [0, r*100).
const sampleBuckets = 100

// SampleBucket hashes a trace id into its stable 0–99 sampling bucket.
// The bucket is computed once at ingest and stored alongside the span, so
// the same trace always lands in the same bucket across pages and across
// processes. The exact hash is an implementation detail; only stability
// matters.
func SampleBucket(traceID uuid.UUID) int16 {
	return int16(xxhash.Sum64String(traceID.String()) % sampleBuckets)
}

// sampleThreshold converts a windowing rate into the exclusive bucket
// threshold. Returns (threshold, enabled): rates >= 1 disable sampling,
// rate 0 yields threshold 0 (matches nothing).
func sampleThreshold(rate *float64) (int16, bool) {
	if rate == nil || *rate >= 1 {
		return 0, false
	}
	if *rate <= 0 {
		return 0, true
	}
	return int16(*rate * sampleBuckets), true
}
