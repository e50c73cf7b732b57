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
)

var (
	sessionIDPath = []string{"meta", "session", "id"}
	userIDPath    = []string{"meta", "user", "id"}
)

// Sessions returns the distinct session identifiers observed within the
// window, plus the cursor timestamp for the next page. Stable mode
// (realtime=false) anchors each identifier at its first-seen span; realtime
// mode at its last-seen span.
func (db *DB) Sessions(ctx context.Context, projectID uuid.UUID, realtime bool, w model.Windowing) ([]string, *time.Time, error) {
	return db.discoverIdentifiers(ctx, projectID, sessionIDPath, realtime, w)
}

// Users returns the distinct user identifiers observed within the window,
// with the same cursor semantics as Sessions.
func (db *DB) Users(ctx context.Context, projectID uuid.UUID, realtime bool, w model.Windowing) ([]string, *time.Time, error) {
	return db.discoverIdentifiers(ctx, projectID, userIDPath, realtime, w)
}

// discoverIdentifiers picks one representative row per identifier (first-
// or last-seen by start time), re-sorts the deduplicated identifiers by
// their picked timestamp, and pages on that timestamp.
func (db *DB) discoverIdentifiers(ctx context.Context, projectID uuid.UUID, path []string, realtime bool, w model.Windowing) ([]string, *time.Time, error) {
	args := filter.NewArgs(projectID, path)
	where := []string{"project_id = $1", "attributes #>> $2 IS NOT NULL"}

	if w.Oldest != nil {
		where = append(where, "start_time >= "+args.Add(w.Oldest.UTC()))
	}
	if w.Newest != nil {
		where = append(where, "start_time < "+args.Add(w.Newest.UTC()))
	}

	pick := "ASC"
	if realtime {
		pick = "DESC"
	}

	order, cursorCmp := "DESC", "<"
	if w.Order == model.OrderAscending {
		order, cursorCmp = "ASC", ">"
	}

	outer := "TRUE"
	if w.Next != nil {
		outer = fmt.Sprintf("seen_at %s %s", cursorCmp, args.Add(w.Next.UTC()))
	}

	limit := w.Limit
	if limit <= 0 || limit > model.MaxQueryLimit {
		limit = DefaultQueryLimit
	}

	sql := fmt.Sprintf(`
		SELECT ident, seen_at FROM (
			SELECT DISTINCT ON (attributes #>> $2)
				attributes #>> $2 AS ident,
				start_time AS seen_at
			FROM spans
			WHERE %s
			ORDER BY attributes #>> $2, start_time %s
		) picked
		WHERE %s
		ORDER BY seen_at %s
		LIMIT %s`,
		strings.Join(where, " AND "), pick, outer, order, args.Add(limit),
	)

	var (
		ids    []string
		cursor *time.Time
	)
	err := db.withStatementTimeout(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql, args.Values()...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				ident  string
				seenAt time.Time
			)
			if err := rows.Scan(&ident, &seenAt); err != nil {
				return err
			}
			ids = append(ids, ident)
			cursor = &seenAt
		}
		return rows.Err()
	})
	if err != nil {
		return nil, nil, fmt.Errorf("storage: discover identifiers: %w", err)
	}
	return ids, cursor, nil
}
