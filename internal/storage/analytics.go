package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/agenta-ai/tracequery/internal/filter"
	"github.com/agenta-ai/tracequery/internal/model"
	"github.com/agenta-ai/tracequery/internal/stats"
	"github.com/agenta-ai/tracequery/internal/window"
)

// frequencyTableLimit bounds the number of distinct values reported per
// (bucket, metric). The unique count still reflects the full cardinality.
const frequencyTableLimit = 50

// ContinuousMetric is the analytics payload for continuous specs.
type ContinuousMetric struct {
	Type model.MetricType `json:"type"`
	stats.Numeric
}

// DiscreteMetric adds the frequency table to the numeric payload.
type DiscreteMetric struct {
	Type model.MetricType `json:"type"`
	stats.Numeric
	Unique int                  `json:"unique"`
	Table  []stats.FrequencyRow `json:"frequency,omitempty"`
}

// CategoricalMetric is the payload for categorical, label and binary specs.
type CategoricalMetric struct {
	Type model.MetricType `json:"type"`
	stats.Frequency
}

// PresenceMetric is the payload for string and json specs.
type PresenceMetric struct {
	Type model.MetricType `json:"type"`
	stats.Presence
}

// normSpec is a spec resolved against the stored attribute document: the
// original path is restored on output, the segments address the JSONB doc.
type normSpec struct {
	ordinal  int
	origPath string
	segments []string
	typ      model.MetricType
}

func (s normSpec) isNumeric() bool {
	return s.typ == model.MetricTypeContinuous || s.typ == model.MetricTypeDiscrete
}

func (s normSpec) isFrequency() bool {
	switch s.typ {
	case model.MetricTypeDiscrete, model.MetricTypeCategorical,
		model.MetricTypeLabel, model.MetricTypeBinary:
		return true
	}
	return false
}

func (s normSpec) isPresence() bool {
	return s.typ == model.MetricTypeString || s.typ == model.MetricTypeJSON
}

// normalizeSpecs strips the "attributes." (and wire "ag.") prefix from each
// spec path. Specs that resolve to nothing are dropped rather than failing
// the call.
func normalizeSpecs(specs []model.MetricSpec) []normSpec {
	normalized := make([]normSpec, 0, len(specs))
	for i, spec := range specs {
		path := strings.TrimPrefix(spec.Path, "attributes.")
		path = strings.TrimPrefix(path, "ag.")
		if path == "" {
			continue
		}
		normalized = append(normalized, normSpec{
			ordinal:  i,
			origPath: spec.Path,
			segments: strings.Split(path, "."),
			typ:      spec.Type,
		})
	}
	return normalized
}

// SpecMetrics computes time-bucketed statistics for the given metric specs
// in one pass over the filtered, windowed, sampled span set. Statistic
// classes (numeric aggregates, histograms, frequency tables, presence
// counts) run as concurrent statements sharing the same base row-set
// definition, then merge into one MetricsBucket per timestamp.
func (db *DB) SpecMetrics(ctx context.Context, projectID uuid.UUID, q model.Query, specs []model.MetricSpec) ([]model.MetricsBucket, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	normalized := normalizeSpecs(specs)
	if len(normalized) == 0 {
		return nil, nil
	}

	threshold, sampled := sampleThreshold(q.Windowing.Rate)
	if sampled && threshold == 0 {
		return nil, nil
	}

	plan := window.Resolve(q.Windowing, time.Now().UTC())

	args := filter.NewArgs(projectID, plan.IntervalDuration(), plan.Oldest, plan.Newest)
	where := []string{
		"project_id = $1",
		"start_time >= $3",
		"start_time < $4",
	}
	if sampled {
		where = append(where, "sample_bucket < "+args.Add(threshold))
	}
	filterSQL, err := filter.Compile(args, q.Filtering)
	if err != nil {
		return nil, err
	}
	if filterSQL != "" {
		where = append(where, filterSQL)
	}

	baseCTE := fmt.Sprintf(`base AS (
		SELECT date_bin($2, start_time, $3) AS bucket, attributes
		FROM spans
		WHERE %s
	)`, strings.Join(where, " AND "))

	var (
		numeric   []normSpec
		frequency []normSpec
		presence  []normSpec
	)
	for _, spec := range normalized {
		if spec.isNumeric() {
			numeric = append(numeric, spec)
		}
		if spec.isFrequency() {
			frequency = append(frequency, spec)
		}
		if spec.isPresence() {
			presence = append(presence, spec)
		}
	}

	acc := newMetricAccumulator(normalized)

	g, gctx := errgroup.WithContext(ctx)
	if len(numeric) > 0 {
		g.Go(func() error { return db.runNumericStage(gctx, baseCTE, args, numeric, acc) })
		g.Go(func() error { return db.runHistogramStage(gctx, baseCTE, args, numeric, acc) })
	}
	if len(frequency) > 0 {
		g.Go(func() error { return db.runFrequencyStage(gctx, baseCTE, args, frequency, acc) })
	}
	if len(presence) > 0 {
		g.Go(func() error { return db.runPresenceStage(gctx, baseCTE, args, presence, acc) })
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("storage: spec metrics: %w", err)
	}

	return acc.assemble(plan.Interval), nil
}

// extractCTE produces one row per (base row, spec) with the typed extracted
// value, tagged with the spec ordinal. The numeric stage casts to float8 and
// only extracts JSON numbers, so a span carrying a string or object at the
// path drops out of that spec's rows instead of failing the whole statement.
func extractCTE(specs []normSpec, args *filter.Args, numericValues bool) string {
	selects := make([]string, 0, len(specs))
	for _, spec := range specs {
		pathArg := args.Add(spec.segments)
		value := fmt.Sprintf("attributes #>> %s", pathArg)
		guard := fmt.Sprintf("attributes #> %s IS NOT NULL", pathArg)
		if numericValues {
			value = "(" + value + ")::float8"
			guard = fmt.Sprintf("jsonb_typeof(attributes #> %s) = 'number'", pathArg)
		}
		selects = append(selects, fmt.Sprintf(
			"SELECT bucket, %d AS spec_idx, %s AS val FROM base WHERE %s",
			spec.ordinal, value, guard,
		))
	}
	return "extracted AS (\n" + strings.Join(selects, "\nUNION ALL\n") + "\n)"
}

func (db *DB) runNumericStage(ctx context.Context, baseCTE string, shared *filter.Args, specs []normSpec, acc *metricAccumulator) error {
	args := filter.NewArgs(shared.Values()...)
	sql := fmt.Sprintf(`
		WITH %s, %s
		SELECT bucket, spec_idx, count(*), min(val), max(val), avg(val), sum(val),
			percentile_cont(ARRAY[0.25, 0.5, 0.75, 0.9, 0.95, 0.99]) WITHIN GROUP (ORDER BY val)
		FROM extracted
		GROUP BY bucket, spec_idx`,
		baseCTE, extractCTE(specs, args, true),
	)

	return db.withStatementTimeout(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql, args.Values()...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				bucket             time.Time
				specIdx            int
				count              int64
				min, max, avg, sum float64
				percentiles        []float64
			)
			if err := rows.Scan(&bucket, &specIdx, &count, &min, &max, &avg, &sum, &percentiles); err != nil {
				return err
			}
			if len(percentiles) != 6 {
				continue
			}
			acc.setNumeric(bucket, specIdx, stats.NewNumeric(count, min, max, avg, sum, stats.Quantiles{
				P25: percentiles[0], P50: percentiles[1], P75: percentiles[2],
				P90: percentiles[3], P95: percentiles[4], P99: percentiles[5],
			}))
		}
		return rows.Err()
	})
}

func (db *DB) runHistogramStage(ctx context.Context, baseCTE string, shared *filter.Args, specs []normSpec, acc *metricAccumulator) error {
	args := filter.NewArgs(shared.Values()...)
	sql := fmt.Sprintf(`
		WITH %s, %s, ranged AS (
			SELECT bucket, spec_idx, val,
				min(val) OVER w AS lo,
				max(val) OVER w AS hi
			FROM extracted
			WINDOW w AS (PARTITION BY bucket, spec_idx)
		)
		SELECT bucket, spec_idx,
			CASE WHEN hi = lo THEN 1 ELSE width_bucket(val, lo, hi, %d) END AS bin,
			min(lo), max(hi), count(*)
		FROM ranged
		GROUP BY bucket, spec_idx, bin`,
		baseCTE, extractCTE(specs, args, true), stats.HistogramBins,
	)

	return db.withStatementTimeout(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql, args.Values()...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				bucket  time.Time
				specIdx int
				bin     int
				lo, hi  float64
				count   int64
			)
			if err := rows.Scan(&bucket, &specIdx, &bin, &lo, &hi, &count); err != nil {
				return err
			}
			acc.addHistogramBin(bucket, specIdx, lo, hi, bin, count)
		}
		return rows.Err()
	})
}

func (db *DB) runFrequencyStage(ctx context.Context, baseCTE string, shared *filter.Args, specs []normSpec, acc *metricAccumulator) error {
	args := filter.NewArgs(shared.Values()...)
	sql := fmt.Sprintf(`
		WITH %s, %s
		SELECT bucket, spec_idx, val, cnt, uniq, total FROM (
			SELECT bucket, spec_idx, val, count(*) AS cnt,
				row_number() OVER (PARTITION BY bucket, spec_idx ORDER BY count(*) DESC, val) AS rn,
				count(*) OVER (PARTITION BY bucket, spec_idx) AS uniq,
				sum(count(*)) OVER (PARTITION BY bucket, spec_idx) AS total
			FROM extracted
			GROUP BY bucket, spec_idx, val
		) ranked
		WHERE rn <= %d
		ORDER BY bucket, spec_idx, cnt DESC, val`,
		baseCTE, extractCTE(specs, args, false), frequencyTableLimit,
	)

	return db.withStatementTimeout(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql, args.Values()...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				bucket      time.Time
				specIdx     int
				value       string
				cnt         int64
				uniq, total int64
			)
			if err := rows.Scan(&bucket, &specIdx, &value, &cnt, &uniq, &total); err != nil {
				return err
			}
			acc.addFrequencyRow(bucket, specIdx, value, cnt, int(uniq), total)
		}
		return rows.Err()
	})
}

func (db *DB) runPresenceStage(ctx context.Context, baseCTE string, shared *filter.Args, specs []normSpec, acc *metricAccumulator) error {
	args := filter.NewArgs(shared.Values()...)
	sql := fmt.Sprintf(`
		WITH %s, %s
		SELECT bucket, spec_idx, count(*)
		FROM extracted
		GROUP BY bucket, spec_idx`,
		baseCTE, extractCTE(specs, args, false),
	)

	return db.withStatementTimeout(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql, args.Values()...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				bucket  time.Time
				specIdx int
				count   int64
			)
			if err := rows.Scan(&bucket, &specIdx, &count); err != nil {
				return err
			}
			acc.setPresence(bucket, specIdx, count)
		}
		return rows.Err()
	})
}
