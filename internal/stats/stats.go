// Package stats computes the derived statistic payloads the analytics
// engine attaches to each (timestamp, metric) pair. The heavy aggregation
// (counts, percentiles, histogram bins, frequency rows) happens in SQL;
// this package shapes those raw aggregates into result payloads and derives
// the spread/shape measures that are cheaper to compute client-side.
//
// Percentiles are computed upstream with percentile_cont, i.e. linear
// interpolation between closest ranks: the p50 of 1..10 is 5.5.
package stats

// Quantiles is the percentile set computed per (bucket, metric).
type Quantiles struct {
	P25 float64 `json:"p25"`
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
	P90 float64 `json:"p90"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// Numeric is the full statistic payload for continuous and discrete metrics.
type Numeric struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Sum   float64 `json:"sum"`
	Range float64 `json:"range"`

	Quantiles Quantiles `json:"quantiles"`

	// IQR is the inter-quartile range, CQV the coefficient of quartile
	// variation, Skew the quartile skew coefficient (Bowley). CQV and Skew
	// are zero when their denominators vanish.
	IQR  float64 `json:"iqr"`
	CQV  float64 `json:"cqv"`
	Skew float64 `json:"skew"`

	Histogram []HistogramBin `json:"histogram,omitempty"`
}

// HistogramBin is one equal-width bin with its normalized share.
type HistogramBin struct {
	Lower    float64 `json:"lower"`
	Upper    float64 `json:"upper"`
	Count    int64   `json:"count"`
	Fraction float64 `json:"fraction"`
}

// FrequencyRow is one value of a frequency table.
type FrequencyRow struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// Frequency is the payload for categorical, label, binary and discrete
// metrics.
type Frequency struct {
	Count  int64          `json:"count"`
	Unique int            `json:"unique"`
	Table  []FrequencyRow `json:"frequency"`
}

// Presence is the payload for string and json metrics.
type Presence struct {
	Count int64 `json:"count"`
}

// NewNumeric assembles a numeric payload and its derived measures from raw
// SQL aggregates.
func NewNumeric(count int64, min, max, avg, sum float64, q Quantiles) Numeric {
	n := Numeric{
		Count:     count,
		Min:       min,
		Max:       max,
		Avg:       avg,
		Sum:       sum,
		Range:     max - min,
		Quantiles: q,
		IQR:       q.P75 - q.P25,
	}
	if spread := q.P75 + q.P25; spread != 0 {
		n.CQV = (q.P75 - q.P25) / spread
	}
	if iqr := q.P75 - q.P25; iqr != 0 {
		n.Skew = (q.P25 + q.P75 - 2*q.P50) / iqr
	}
	return n
}

// HistogramBins is the fixed bin count for numeric histograms.
const HistogramBins = 10

// NewHistogram shapes width_bucket counts into normalized equal-width bins.
// binCounts is indexed by width_bucket output (1..HistogramBins; values that
// equal max land in bucket HistogramBins+1 and are folded into the last
// bin). A degenerate range (min == max) yields a single full bin.
func NewHistogram(min, max float64, binCounts map[int]int64) []HistogramBin {
	var total int64
	for _, c := range binCounts {
		total += c
	}
	if total == 0 {
		return nil
	}

	if min == max {
		return []HistogramBin{{Lower: min, Upper: max, Count: total, Fraction: 1}}
	}

	width := (max - min) / HistogramBins
	bins := make([]HistogramBin, HistogramBins)
	for i := range bins {
		bins[i].Lower = min + float64(i)*width
		bins[i].Upper = min + float64(i+1)*width
	}
	bins[HistogramBins-1].Upper = max

	for bucket, count := range binCounts {
		idx := bucket - 1
		if idx >= HistogramBins {
			idx = HistogramBins - 1
		}
		if idx < 0 {
			idx = 0
		}
		bins[idx].Count += count
	}
	for i := range bins {
		bins[i].Fraction = float64(bins[i].Count) / float64(total)
	}
	return bins
}

// NewFrequency assembles a frequency payload. Rows are expected in
// descending count order; unique is the distinct-value count, which may
// exceed len(rows) when the table was truncated by the guardrail.
func NewFrequency(count int64, unique int, rows []FrequencyRow) Frequency {
	return Frequency{Count: count, Unique: unique, Table: rows}
}
