package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agenta-ai/tracequery/internal/filter"
	"github.com/agenta-ai/tracequery/internal/model"
	"github.com/agenta-ai/tracequery/internal/window"
)

// LegacyTotals is one side of the legacy error-vs-total comparison.
type LegacyTotals struct {
	Count    int64   `json:"count"`
	Duration float64 `json:"duration"` // seconds
	Cost     float64 `json:"cost"`
	Tokens   float64 `json:"tokens"`
}

// LegacyBucket is the fixed-shape aggregation bucket served to callers not
// yet using the spec-based analytics interface.
type LegacyBucket struct {
	Timestamp time.Time    `json:"timestamp"`
	Interval  int          `json:"interval"`
	Total     LegacyTotals `json:"total"`
	Errors    LegacyTotals `json:"errors"`
}

// LegacyMetrics computes fixed duration/cost/token sums per bucket, once
// over all matching rows and once over the error subset. Same windowing,
// filter compilation and sampling as the spec-based path.
func (db *DB) LegacyMetrics(ctx context.Context, projectID uuid.UUID, q model.Query) ([]LegacyBucket, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
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

	sql := fmt.Sprintf(`
		SELECT date_bin($2, start_time, $3) AS bucket,
			count(*),
			coalesce(sum(extract(epoch FROM (end_time - start_time))), 0),
			coalesce(sum((attributes #>> '{metrics,acc,costs,total}')::float8), 0),
			coalesce(sum((attributes #>> '{metrics,acc,tokens,total}')::float8), 0),
			count(*) FILTER (WHERE status_code = 'error'),
			coalesce(sum(extract(epoch FROM (end_time - start_time))) FILTER (WHERE status_code = 'error'), 0),
			coalesce(sum((attributes #>> '{metrics,acc,costs,total}')::float8) FILTER (WHERE status_code = 'error'), 0),
			coalesce(sum((attributes #>> '{metrics,acc,tokens,total}')::float8) FILTER (WHERE status_code = 'error'), 0)
		FROM spans
		WHERE %s
		GROUP BY bucket
		ORDER BY bucket ASC`,
		strings.Join(where, " AND "),
	)

	var buckets []LegacyBucket
	err = db.withStatementTimeout(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql, args.Values()...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			b := LegacyBucket{Interval: plan.Interval}
			if err := rows.Scan(
				&b.Timestamp,
				&b.Total.Count, &b.Total.Duration, &b.Total.Cost, &b.Total.Tokens,
				&b.Errors.Count, &b.Errors.Duration, &b.Errors.Cost, &b.Errors.Tokens,
			); err != nil {
				return err
			}
			b.Timestamp = b.Timestamp.UTC()
			buckets = append(buckets, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("storage: legacy metrics: %w", err)
	}
	return buckets, nil
}
