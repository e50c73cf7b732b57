package model

import (
	"time"

	"github.com/google/uuid"
)

// SpanKind represents the OTEL span kind.
type SpanKind string

const (
	SpanKindInternal SpanKind = "internal"
	SpanKindClient   SpanKind = "client"
	SpanKindServer   SpanKind = "server"
	SpanKindProducer SpanKind = "producer"
	SpanKindConsumer SpanKind = "consumer"
)

// StatusCode represents the OTEL span status.
type StatusCode string

const (
	StatusCodeUnset StatusCode = "unset"
	StatusCodeOK    StatusCode = "ok"
	StatusCodeError StatusCode = "error"
)

// LinkRole describes why a link points at another span
// (e.g. an annotation linking back to the span it evaluates).
type LinkRole string

const (
	LinkRoleChild      LinkRole = "child"
	LinkRoleAnnotation LinkRole = "annotation"
	LinkRoleEvaluation LinkRole = "evaluation"
)

// SpanLink is a typed association to another span.
type SpanLink struct {
	TraceID uuid.UUID `json:"trace_id"`
	SpanID  uuid.UUID `json:"span_id"`
	Role    LinkRole  `json:"role,omitempty"`
}

// Span is the stored form of one recorded unit of work within a trace.
// Identity is the composite (ProjectID, TraceID, SpanID); re-ingesting the
// same identity overwrites mutable fields (upsert, not an error).
type Span struct {
	ProjectID uuid.UUID  `json:"project_id"`
	TraceID   uuid.UUID  `json:"trace_id"`
	SpanID    uuid.UUID  `json:"span_id"`
	ParentID  *uuid.UUID `json:"parent_id,omitempty"`

	SpanName  string   `json:"span_name"`
	SpanKind  SpanKind `json:"span_kind"`
	SpanType  string   `json:"span_type,omitempty"`
	TraceType string   `json:"trace_type,omitempty"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	StatusCode    StatusCode `json:"status_code"`
	StatusMessage *string    `json:"status_message,omitempty"`

	// Attributes is the nested schemaless payload, logically partitioned
	// into the data/metrics/meta/tags/refs/flags namespaces.
	Attributes map[string]any `json:"attributes,omitempty"`

	Links []SpanLink `json:"links,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	CreatedByID uuid.UUID  `json:"created_by_id"`
	UpdatedByID *uuid.UUID `json:"updated_by_id,omitempty"`
}

// Duration returns the span's wall-clock duration.
func (s Span) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// IsRoot reports whether the span is a root within its trace.
func (s Span) IsRoot() bool {
	return s.ParentID == nil
}

// FlatSpan is the wire form of a span: identical identity/timing/status,
// but attributes carried as a flat dot-delimited key map ("ag.data.…",
// "ag.metrics.…"). The attributes codec converts between the two forms.
type FlatSpan struct {
	TraceID  uuid.UUID  `json:"trace_id"`
	SpanID   uuid.UUID  `json:"span_id"`
	ParentID *uuid.UUID `json:"parent_id,omitempty"`

	SpanName string   `json:"span_name"`
	SpanKind SpanKind `json:"span_kind,omitempty"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	StatusCode    StatusCode `json:"status_code,omitempty"`
	StatusMessage *string    `json:"status_message,omitempty"`

	Attributes map[string]any `json:"attributes,omitempty"`

	Links []SpanLink `json:"links,omitempty"`
}
