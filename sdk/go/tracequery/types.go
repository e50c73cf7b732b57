package tracequery

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Span is the wire form of one recorded unit of work within a trace.
// Attributes are flat dot-separated keys with scalar leaves; nested JSON
// values carry the server's sentinel encoding.
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

// Link is a reference from one span to another, within or across traces.
type Link struct {
	TraceID uuid.UUID `json:"trace_id"`
	SpanID  uuid.UUID `json:"span_id"`
	Role    string    `json:"role,omitempty"`
}

// Condition is a single comparison over a span field or attribute key.
type Condition struct {
	Field    string           `json:"field"`
	Key      string           `json:"key,omitempty"`
	Value    any              `json:"value,omitempty"`
	Operator string           `json:"operator,omitempty"`
	Options  ConditionOptions `json:"options,omitempty"`
}

// ConditionOptions tune string matching behaviour.
type ConditionOptions struct {
	CaseSensitive bool `json:"case_sensitive,omitempty"`
	Exact         bool `json:"exact,omitempty"`
}

// Filtering combines conditions and nested filters under a boolean operator.
type Filtering struct {
	Operator   string       `json:"operator,omitempty"` // and | or | not
	Conditions []FilterNode `json:"conditions,omitempty"`
}

// FilterNode is one child of a Filtering: exactly one of Filtering or
// Condition is set. On the wire a node is the bare condition object or the
// nested filtering object, not a wrapper.
type FilterNode struct {
	Filtering *Filtering
	Condition *Condition
}

// MarshalJSON emits whichever side of the node is set.
func (n FilterNode) MarshalJSON() ([]byte, error) {
	switch {
	case n.Condition != nil:
		return json.Marshal(n.Condition)
	case n.Filtering != nil:
		return json.Marshal(n.Filtering)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts either a nested filtering object or a bare
// condition (recognized by its "field" key).
func (n *FilterNode) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if _, ok := probe["field"]; ok {
		var c Condition
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		n.Condition = &c
		return nil
	}
	var f Filtering
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	n.Filtering = &f
	return nil
}

// Windowing bounds a query in time and controls pagination and sampling.
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

// Formatting controls result shaping for span queries.
type Formatting struct {
	Focus string `json:"focus,omitempty"` // span | trace
}

// Query selects spans by focus, filter, and window.
type Query struct {
	Formatting Formatting `json:"formatting,omitempty"`
	Filtering  *Filtering `json:"filtering,omitempty"`
	Windowing  Windowing  `json:"windowing,omitempty"`
}

// MetricSpec names an attribute path and the statistics family to compute
// over it.
type MetricSpec struct {
	Path string `json:"path"`
	Type string `json:"type"` // continuous | discrete | categorical | label | binary | string | json
}

// MetricsBucket is one time bucket of computed metrics, keyed by spec path.
type MetricsBucket struct {
	Timestamp time.Time      `json:"timestamp"`
	Interval  int            `json:"interval"`
	Metrics   map[string]any `json:"metrics"`
}

// IngestRequest is the body of POST /v1/traces.
type IngestRequest struct {
	Spans []Span `json:"spans"`
}

// IngestResponse confirms persistence of each input span, in input order.
type IngestResponse struct {
	Links []Link `json:"links"`
}

// QueryRequest is the body of POST /v1/spans/query.
type QueryRequest struct {
	Query Query `json:"query"`
}

// QueryResponse carries matching spans in wire form.
type QueryResponse struct {
	Spans []Span `json:"spans"`
	Count int    `json:"count"`
}

// AnalyticsRequest is the body of POST /v1/analytics. An empty spec list
// requests the legacy duration/cost/token rollup.
type AnalyticsRequest struct {
	Query Query        `json:"query"`
	Specs []MetricSpec `json:"specs,omitempty"`
}

// AnalyticsResponse carries one bucket per timestamp.
type AnalyticsResponse struct {
	Buckets []MetricsBucket `json:"buckets"`
}

// FetchResponse carries all spans of the requested traces.
type FetchResponse struct {
	Spans []Span `json:"spans"`
}

// DeleteRequest is the body of DELETE /v1/traces.
type DeleteRequest struct {
	TraceIDs []uuid.UUID `json:"trace_ids"`
}

// DeleteResponse lists the links that were removed.
type DeleteResponse struct {
	Links []Link `json:"links"`
}

// DiscoveryResponse is a page of distinct session or user identifiers plus
// the cursor timestamp for the next page.
type DiscoveryResponse struct {
	IDs    []string `json:"ids"`
	Cursor *string  `json:"cursor,omitempty"`
}

// HealthResponse reports server and database status.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
