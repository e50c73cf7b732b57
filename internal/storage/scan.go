package storage

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agenta-ai/tracequery/internal/model"
)

// scanSpans reads rows produced by a spanColumns SELECT.
func scanSpans(rows pgx.Rows) ([]model.Span, error) {
	var spans []model.Span
	for rows.Next() {
		span, err := scanSpan(rows)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span)
	}
	return spans, rows.Err()
}

func scanSpan(row pgx.Row) (model.Span, error) {
	var (
		s         model.Span
		kind      string
		status    string
		linksJSON []byte
	)
	if err := row.Scan(
		&s.ProjectID, &s.TraceID, &s.SpanID, &s.ParentID, &s.SpanName, &kind,
		&s.SpanType, &s.TraceType, &s.StartTime, &s.EndTime, &status, &s.StatusMessage,
		&s.Attributes, &linksJSON, &s.CreatedAt, &s.UpdatedAt, &s.CreatedByID, &s.UpdatedByID,
	); err != nil {
		return model.Span{}, fmt.Errorf("storage: scan span: %w", err)
	}
	s.SpanKind = model.SpanKind(kind)
	s.StatusCode = model.StatusCode(status)

	if len(linksJSON) > 0 {
		if err := json.Unmarshal(linksJSON, &s.Links); err != nil {
			return model.Span{}, fmt.Errorf("storage: decode span links: %w", err)
		}
	}
	return s, nil
}
