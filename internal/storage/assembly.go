package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/agenta-ai/tracequery/internal/model"
	"github.com/agenta-ai/tracequery/internal/stats"
)

// metricAccumulator collects raw per-(bucket, spec) aggregates from the
// concurrent statistic stages and assembles the final MetricsBucket list.
// Safe for concurrent writes.
type metricAccumulator struct {
	mu sync.Mutex

	specs map[int]normSpec

	numeric   map[metricKey]stats.Numeric
	histogram map[metricKey]*histogramAgg
	frequency map[metricKey]*frequencyAgg
	presence  map[metricKey]int64
}

type metricKey struct {
	bucket  int64 // unix seconds
	specIdx int
}

type histogramAgg struct {
	lo, hi float64
	bins   map[int]int64
}

type frequencyAgg struct {
	rows   []stats.FrequencyRow
	unique int
	total  int64
}

func newMetricAccumulator(specs []normSpec) *metricAccumulator {
	byOrdinal := make(map[int]normSpec, len(specs))
	for _, s := range specs {
		byOrdinal[s.ordinal] = s
	}
	return &metricAccumulator{
		specs:     byOrdinal,
		numeric:   make(map[metricKey]stats.Numeric),
		histogram: make(map[metricKey]*histogramAgg),
		frequency: make(map[metricKey]*frequencyAgg),
		presence:  make(map[metricKey]int64),
	}
}

func key(bucket time.Time, specIdx int) metricKey {
	return metricKey{bucket: bucket.UTC().Unix(), specIdx: specIdx}
}

func (a *metricAccumulator) setNumeric(bucket time.Time, specIdx int, n stats.Numeric) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.numeric[key(bucket, specIdx)] = n
}

func (a *metricAccumulator) addHistogramBin(bucket time.Time, specIdx int, lo, hi float64, bin int, count int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := key(bucket, specIdx)
	agg, ok := a.histogram[k]
	if !ok {
		agg = &histogramAgg{lo: lo, hi: hi, bins: make(map[int]int64)}
		a.histogram[k] = agg
	}
	agg.bins[bin] += count
}

func (a *metricAccumulator) addFrequencyRow(bucket time.Time, specIdx int, value string, count int64, unique int, total int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := key(bucket, specIdx)
	agg, ok := a.frequency[k]
	if !ok {
		agg = &frequencyAgg{}
		a.frequency[k] = agg
	}
	agg.rows = append(agg.rows, stats.FrequencyRow{Value: value, Count: count})
	agg.unique = unique
	agg.total = total
}

func (a *metricAccumulator) setPresence(bucket time.Time, specIdx int, count int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.presence[key(bucket, specIdx)] = count
}

// assemble merges the stage outputs into one MetricsBucket per timestamp,
// re-attaching each spec's original path and declared type. Only timestamps
// with at least one statistic are emitted, in ascending order.
func (a *metricAccumulator) assemble(interval int) []model.MetricsBucket {
	a.mu.Lock()
	defer a.mu.Unlock()

	timestamps := make(map[int64]struct{})
	for k := range a.numeric {
		timestamps[k.bucket] = struct{}{}
	}
	for k := range a.frequency {
		timestamps[k.bucket] = struct{}{}
	}
	for k := range a.presence {
		timestamps[k.bucket] = struct{}{}
	}

	ordered := make([]int64, 0, len(timestamps))
	for ts := range timestamps {
		ordered = append(ordered, ts)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	buckets := make([]model.MetricsBucket, 0, len(ordered))
	for _, ts := range ordered {
		metrics := make(map[string]any)
		for _, spec := range a.specs {
			k := metricKey{bucket: ts, specIdx: spec.ordinal}
			if payload := a.payloadFor(spec, k); payload != nil {
				metrics[spec.origPath] = payload
			}
		}
		if len(metrics) == 0 {
			continue
		}
		buckets = append(buckets, model.MetricsBucket{
			Timestamp: time.Unix(ts, 0).UTC(),
			Interval:  interval,
			Metrics:   metrics,
		})
	}
	return buckets
}

func (a *metricAccumulator) payloadFor(spec normSpec, k metricKey) any {
	switch spec.typ {
	case model.MetricTypeContinuous:
		n, ok := a.numeric[k]
		if !ok {
			return nil
		}
		n.Histogram = a.histogramFor(k)
		return ContinuousMetric{Type: spec.typ, Numeric: n}

	case model.MetricTypeDiscrete:
		n, ok := a.numeric[k]
		if !ok {
			return nil
		}
		n.Histogram = a.histogramFor(k)
		payload := DiscreteMetric{Type: spec.typ, Numeric: n}
		if agg, ok := a.frequency[k]; ok {
			payload.Unique = agg.unique
			payload.Table = agg.rows
		}
		return payload

	case model.MetricTypeCategorical, model.MetricTypeLabel, model.MetricTypeBinary:
		agg, ok := a.frequency[k]
		if !ok {
			return nil
		}
		return CategoricalMetric{
			Type:      spec.typ,
			Frequency: stats.NewFrequency(agg.total, agg.unique, agg.rows),
		}

	case model.MetricTypeString, model.MetricTypeJSON:
		count, ok := a.presence[k]
		if !ok {
			return nil
		}
		return PresenceMetric{Type: spec.typ, Presence: stats.Presence{Count: count}}

	default:
		return nil
	}
}

func (a *metricAccumulator) histogramFor(k metricKey) []stats.HistogramBin {
	agg, ok := a.histogram[k]
	if !ok {
		return nil
	}
	return stats.NewHistogram(agg.lo, agg.hi, agg.bins)
}
