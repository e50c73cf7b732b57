package tracequery

import (
	"time"

	"github.com/google/uuid"
)

// Span is the public wire form of a span: flat dot-delimited attribute keys
// ("ag.data.…", "ag.metrics.…"). No internal package imports — safe to use
// from outside the module.
type Span struct {
	TraceID  uuid.UUID  `json:"trace_id"`
	SpanID   uuid.UUID  `json:"span_id"`
	ParentID *uuid.UUID `json:"parent_id,omitempty"`

	SpanName string `json:"span_name"`
	SpanKind string `json:"span_kind,omitempty"` // internal | client | server | producer | consumer

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	StatusCode    string  `json:"status_code,omitempty"` // unset | ok | error
	StatusMessage *string `json:"status_message,omitempty"`

	Attributes map[string]any `json:"attributes,omitempty"`

	Links []Link `json:"links,omitempty"`
}

// Link is a typed association to another span.
type Link struct {
	TraceID uuid.UUID `json:"trace_id"`
	SpanID  uuid.UUID `json:"span_id"`
	Role    string    `json:"role,omitempty"`
}

// Condition is a leaf filter predicate over one column or attribute path.
type Condition struct {
	Field    string           `json:"field"`
	Key      string           `json:"key,omitempty"`
	Value    any              `json:"value,omitempty"`
	Operator string           `json:"operator,omitempty"`
	Options  ConditionOptions `json:"options,omitempty"`
}

// ConditionOptions tune string operators.
type ConditionOptions struct {
	CaseSensitive bool `json:"case_sensitive,omitempty"`
	Exact         bool `json:"exact,omitempty"`
}

// Filter is a node of the filter tree: a logical operator (and/or/not) over
// conditions and nested filters.
type Filter struct {
	Operator   string       `json:"operator,omitempty"`
	Conditions []FilterNode `json:"conditions,omitempty"`
}

// FilterNode is one child of a Filter: exactly one field is set.
type FilterNode struct {
	Filter    *Filter
	Condition *Condition
}

// Windowing scopes a query in time and paginates it.
type Windowing struct {
	Oldest   *time.Time `json:"oldest,omitempty"`
	Newest   *time.Time `json:"newest,omitempty"`
	Next     *time.Time `json:"next,omitempty"`
	NextID   *uuid.UUID `json:"next_id,omitempty"`
	Limit    int        `json:"limit,omitempty"`
	Order    string     `json:"order,omitempty"` // ascending | descending
	Interval *int       `json:"interval,omitempty"`
	Rate     *float64   `json:"rate,omitempty"`
}

// Query is one span-store read request.
type Query struct {
	Focus     string    `json:"focus,omitempty"` // span | trace
	Filter    *Filter   `json:"filter,omitempty"`
	Windowing Windowing `json:"windowing,omitempty"`
}

// MetricSpec names one attribute path and how to aggregate it.
type MetricSpec struct {
	Path string `json:"path"`
	Type string `json:"type"` // continuous | discrete | categorical | label | binary | string | json
}

// MetricsBucket is a per-timestamp analytics result. Metrics maps each
// requested path to its statistic payload (JSON-marshalable).
type MetricsBucket struct {
	Timestamp time.Time      `json:"timestamp"`
	Interval  int            `json:"interval"`
	Metrics   map[string]any `json:"metrics"`
}

// LegacyTotals is one side of the legacy error-vs-total comparison.
type LegacyTotals struct {
	Count    int64   `json:"count"`
	Duration float64 `json:"duration"`
	Cost     float64 `json:"cost"`
	Tokens   float64 `json:"tokens"`
}

// LegacyBucket is the fixed-shape legacy analytics bucket.
type LegacyBucket struct {
	Timestamp time.Time    `json:"timestamp"`
	Interval  int          `json:"interval"`
	Total     LegacyTotals `json:"total"`
	Errors    LegacyTotals `json:"errors"`
}

// DiscoveryPage is one page of distinct session or user identifiers. Cursor
// is the timestamp to pass as Windowing.Next for the following page; nil
// when the page was empty.
type DiscoveryPage struct {
	IDs    []string   `json:"ids"`
	Cursor *time.Time `json:"cursor,omitempty"`
}
