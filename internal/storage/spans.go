package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agenta-ai/tracequery/internal/filter"
	"github.com/agenta-ai/tracequery/internal/model"
)

// spanColumns is the canonical SELECT list for the spans table.
const spanColumns = `project_id, trace_id, span_id, parent_id, span_name, span_kind,
	span_type, trace_type, start_time, end_time, status_code, status_message,
	attributes, links, created_at, updated_at, created_by_id, updated_by_id`

// DefaultQueryLimit is applied when a query sets no limit.
const DefaultQueryLimit = 100

// IngestSpans upserts a batch of spans keyed on (project_id, trace_id,
// span_id): insert, or on conflict overwrite every mutable column while
// preserving the original created_at/created_by_id. The whole batch runs in
// one transaction — on any failure nothing is persisted and the caller
// retries the batch. Returns one link per input span, in input order.
func (db *DB) IngestSpans(ctx context.Context, projectID, actorID uuid.UUID, spans []model.Span) ([]model.SpanLink, error) {
	if len(spans) == 0 {
		return nil, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin ingest tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	links := make([]model.SpanLink, 0, len(spans))

	for i := range spans {
		s := &spans[i]
		linksJSON, err := json.Marshal(s.Links)
		if err != nil {
			return nil, fmt.Errorf("storage: encode span links: %w", err)
		}

		batch.Queue(`
			INSERT INTO spans (
				project_id, trace_id, span_id, parent_id, span_name, span_kind,
				span_type, trace_type, start_time, end_time, status_code, status_message,
				attributes, links, sample_bucket, created_at, created_by_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			ON CONFLICT (project_id, trace_id, span_id) DO UPDATE SET
				parent_id      = EXCLUDED.parent_id,
				span_name      = EXCLUDED.span_name,
				span_kind      = EXCLUDED.span_kind,
				span_type      = EXCLUDED.span_type,
				trace_type     = EXCLUDED.trace_type,
				start_time     = EXCLUDED.start_time,
				end_time       = EXCLUDED.end_time,
				status_code    = EXCLUDED.status_code,
				status_message = EXCLUDED.status_message,
				attributes     = EXCLUDED.attributes,
				links          = EXCLUDED.links,
				sample_bucket  = EXCLUDED.sample_bucket,
				updated_at     = now(),
				updated_by_id  = $18`,
			projectID, s.TraceID, s.SpanID, s.ParentID, s.SpanName, string(s.SpanKind),
			s.SpanType, s.TraceType, s.StartTime.UTC(), s.EndTime.UTC(),
			string(s.StatusCode), s.StatusMessage,
			s.Attributes, linksJSON, SampleBucket(s.TraceID), now, actorID, actorID,
		)
		links = append(links, model.SpanLink{TraceID: s.TraceID, SpanID: s.SpanID})
	}

	results := tx.SendBatch(ctx, batch)
	for range spans {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return nil, fmt.Errorf("storage: upsert span: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("storage: close ingest batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit ingest tx: %w", err)
	}
	return links, nil
}

// QuerySpans returns spans matching the query. Span focus returns raw rows;
// trace focus returns one representative row per distinct trace (latest by
// start time) with a compound (timestamp, trace id) cursor so pages never
// skip or duplicate traces on timestamp ties.
func (db *DB) QuerySpans(ctx context.Context, projectID uuid.UUID, q model.Query) ([]model.Span, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	threshold, sampled := sampleThreshold(q.Windowing.Rate)
	if sampled && threshold == 0 {
		return nil, nil
	}

	args := filter.NewArgs(projectID)
	where := []string{"project_id = $1"}

	if q.Windowing.Oldest != nil {
		where = append(where, "start_time >= "+args.Add(q.Windowing.Oldest.UTC()))
	}
	if q.Windowing.Newest != nil {
		where = append(where, "start_time < "+args.Add(q.Windowing.Newest.UTC()))
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

	limit := q.Windowing.Limit
	if limit <= 0 || limit > model.MaxQueryLimit {
		limit = DefaultQueryLimit
	}

	var sql string
	if q.Formatting.Focus == model.FocusTrace {
		sql = buildTraceFocusSQL(args, where, q.Windowing, limit)
	} else {
		sql = buildSpanFocusSQL(args, where, q.Windowing, limit)
	}

	var spans []model.Span
	err = db.withStatementTimeout(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql, args.Values()...)
		if err != nil {
			return err
		}
		defer rows.Close()
		spans, err = scanSpans(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: query spans: %w", err)
	}
	return spans, nil
}

func buildSpanFocusSQL(args *filter.Args, where []string, w model.Windowing, limit int) string {
	cmp, dir := "<", "DESC"
	if w.Order == model.OrderAscending {
		cmp, dir = ">", "ASC"
	}
	// Row comparison against (start_time, span_id) so spans sharing the
	// boundary start time are not skipped across pages.
	switch {
	case w.Next != nil && w.NextID != nil:
		where = append(where, fmt.Sprintf("(start_time, span_id) %s (%s, %s)",
			cmp, args.Add(w.Next.UTC()), args.Add(*w.NextID)))
	case w.Next != nil:
		where = append(where, fmt.Sprintf("start_time %s %s", cmp, args.Add(w.Next.UTC())))
	}
	return fmt.Sprintf(
		`SELECT %s FROM spans WHERE %s ORDER BY start_time %s, span_id %s LIMIT %s`,
		spanColumns, strings.Join(where, " AND "), dir, dir, args.Add(limit),
	)
}

func buildTraceFocusSQL(args *filter.Args, where []string, w model.Windowing, limit int) string {
	cmp, dir := "<", "DESC"
	if w.Order == model.OrderAscending {
		cmp, dir = ">", "ASC"
	}

	outer := []string{"TRUE"}
	switch {
	case w.Next != nil && w.NextID != nil:
		outer = append(outer, fmt.Sprintf("(start_time, trace_id) %s (%s, %s)",
			cmp, args.Add(w.Next.UTC()), args.Add(*w.NextID)))
	case w.Next != nil:
		outer = append(outer, fmt.Sprintf("start_time %s %s", cmp, args.Add(w.Next.UTC())))
	}

	// The inner DISTINCT ON picks each trace's representative row: the
	// latest span by start time, ties broken by span id for determinism.
	return fmt.Sprintf(`
		SELECT %[1]s FROM (
			SELECT DISTINCT ON (trace_id) %[1]s
			FROM spans
			WHERE %[2]s
			ORDER BY trace_id, start_time DESC, span_id DESC
		) reps
		WHERE %[3]s
		ORDER BY start_time %[4]s, trace_id %[4]s
		LIMIT %[5]s`,
		spanColumns, strings.Join(where, " AND "), strings.Join(outer, " AND "), dir, args.Add(limit),
	)
}

// FetchTraces bulk-fetches every span of the given traces, ordered by start
// time ascending for full-trace reconstruction. No pagination.
func (db *DB) FetchTraces(ctx context.Context, projectID uuid.UUID, traceIDs []uuid.UUID) ([]model.Span, error) {
	if len(traceIDs) == 0 {
		return nil, nil
	}

	var spans []model.Span
	err := db.withStatementTimeout(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, fmt.Sprintf(
			`SELECT %s FROM spans
			 WHERE project_id = $1 AND trace_id = ANY($2)
			 ORDER BY start_time ASC, span_id ASC`, spanColumns),
			projectID, traceIDs)
		if err != nil {
			return err
		}
		defer rows.Close()
		spans, err = scanSpans(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: fetch traces: %w", err)
	}
	return spans, nil
}

// DeleteTraces bulk-deletes every span of the given traces and returns the
// links that were removed.
func (db *DB) DeleteTraces(ctx context.Context, projectID uuid.UUID, traceIDs []uuid.UUID) ([]model.SpanLink, error) {
	if len(traceIDs) == 0 {
		return nil, nil
	}

	rows, err := db.pool.Query(ctx,
		`DELETE FROM spans
		 WHERE project_id = $1 AND trace_id = ANY($2)
		 RETURNING trace_id, span_id`,
		projectID, traceIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: delete traces: %w", err)
	}
	defer rows.Close()

	var links []model.SpanLink
	for rows.Next() {
		var link model.SpanLink
		if err := rows.Scan(&link.TraceID, &link.SpanID); err != nil {
			return nil, fmt.Errorf("storage: scan deleted link: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: delete traces: %w", err)
	}
	return links, nil
}

// DeleteSpan deletes one span and, by parent traversal, every descendant
// span within the same trace.
func (db *DB) DeleteSpan(ctx context.Context, projectID, traceID, spanID uuid.UUID) ([]model.SpanLink, error) {
	rows, err := db.pool.Query(ctx, `
		WITH RECURSIVE doomed AS (
			SELECT span_id FROM spans
			WHERE project_id = $1 AND trace_id = $2 AND span_id = $3
			UNION ALL
			SELECT s.span_id FROM spans s
			JOIN doomed d ON s.parent_id = d.span_id
			WHERE s.project_id = $1 AND s.trace_id = $2
		)
		DELETE FROM spans
		WHERE project_id = $1 AND trace_id = $2
		  AND span_id IN (SELECT span_id FROM doomed)
		RETURNING trace_id, span_id`,
		projectID, traceID, spanID)
	if err != nil {
		return nil, fmt.Errorf("storage: delete span: %w", err)
	}
	defer rows.Close()

	var links []model.SpanLink
	for rows.Next() {
		var link model.SpanLink
		if err := rows.Scan(&link.TraceID, &link.SpanID); err != nil {
			return nil, fmt.Errorf("storage: scan deleted link: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: delete span: %w", err)
	}
	return links, nil
}

// withStatementTimeout runs fn inside a transaction whose statement timeout
// is bounded, converting a resulting cancellation into ErrQueryCancelled.
func (db *DB) withStatementTimeout(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"SET LOCAL statement_timeout = '%dms'", db.statementTimeout.Milliseconds())); err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		return classifyQueryErr(err)
	}
	return tx.Commit(ctx)
}
