package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Focus selects the shape of a span query result: individual spans, or one
// representative row per distinct trace.
type Focus string

const (
	FocusSpan  Focus = "span"
	FocusTrace Focus = "trace"
)

// Formatting controls result shaping for span queries.
type Formatting struct {
	Focus Focus `json:"focus,omitempty"`
}

// LogicalOperator combines child filter nodes.
// NOT negates the conjunction of its children.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "and"
	LogicalOr  LogicalOperator = "or"
	LogicalNot LogicalOperator = "not"
)

// ConditionOperator is the comparison applied by a leaf condition.
type ConditionOperator string

const (
	// Comparison.
	OperatorIs    ConditionOperator = "is"
	OperatorIsNot ConditionOperator = "is_not"
	// Numeric.
	OperatorEq      ConditionOperator = "eq"
	OperatorNeq     ConditionOperator = "neq"
	OperatorGt      ConditionOperator = "gt"
	OperatorLt      ConditionOperator = "lt"
	OperatorGte     ConditionOperator = "gte"
	OperatorLte     ConditionOperator = "lte"
	OperatorBetween ConditionOperator = "btwn"
	// String.
	OperatorStartsWith ConditionOperator = "startswith"
	OperatorEndsWith   ConditionOperator = "endswith"
	OperatorContains   ConditionOperator = "contains"
	OperatorLike       ConditionOperator = "like"
	OperatorMatches    ConditionOperator = "matches"
	// List.
	OperatorIn ConditionOperator = "in"
	// Existence.
	OperatorExists    ConditionOperator = "exists"
	OperatorNotExists ConditionOperator = "not_exists"
)

// ConditionOptions tune string operators.
type ConditionOptions struct {
	CaseSensitive bool `json:"case_sensitive,omitempty"`
	Exact         bool `json:"exact,omitempty"`
}

// Condition is a leaf predicate over one column or attribute path.
// Field selects a top-level column (or "attributes"); Key is the dot path
// into a JSON column when Field addresses one.
type Condition struct {
	Field    string            `json:"field"`
	Key      string            `json:"key,omitempty"`
	Value    any               `json:"value,omitempty"`
	Operator ConditionOperator `json:"operator,omitempty"`
	Options  ConditionOptions  `json:"options,omitempty"`
}

// Filtering is a node in the filter tree: either a logical combination of
// children, or (when promoted from JSON) a bare condition leaf.
type Filtering struct {
	Operator   LogicalOperator `json:"operator,omitempty"`
	Conditions []FilterNode    `json:"conditions,omitempty"`
}

// FilterNode is one child of a Filtering: exactly one of Filtering or
// Condition is set.
type FilterNode struct {
	Filtering *Filtering
	Condition *Condition
}

// UnmarshalJSON accepts either a nested filtering object (has "operator" or
// "conditions") or a bare condition (has "field").
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

// Order is result ordering by timestamp.
type Order string

const (
	OrderAscending  Order = "ascending"
	OrderDescending Order = "descending"
)

// Windowing scopes a query in time and paginates it. Next is an opaque
// cursor timestamp; NextID breaks timestamp ties (the trace id under trace
// focus, the span id under span focus).
// Rate is a sampling fraction in [0,1]; Interval is the requested analytics
// bucket size in minutes.
type Windowing struct {
	Oldest   *time.Time `json:"oldest,omitempty"`
	Newest   *time.Time `json:"newest,omitempty"`
	Next     *time.Time `json:"next,omitempty"`
	NextID   *uuid.UUID `json:"next_id,omitempty"`
	Limit    int        `json:"limit,omitempty"`
	Order    Order      `json:"order,omitempty"`
	Interval *int       `json:"interval,omitempty"`
	Rate     *float64   `json:"rate,omitempty"`
}

// Query is one span-store read request.
type Query struct {
	Formatting Formatting `json:"formatting,omitempty"`
	Filtering  *Filtering `json:"filtering,omitempty"`
	Windowing  Windowing  `json:"windowing,omitempty"`
}

// Validate bounds the request before it reaches the store.
func (q Query) Validate() error {
	if q.Windowing.Limit < 0 {
		return fmt.Errorf("windowing limit must be non-negative")
	}
	if r := q.Windowing.Rate; r != nil && (*r < 0 || *r > 1) {
		return fmt.Errorf("windowing rate must be within [0,1]")
	}
	switch q.Formatting.Focus {
	case "", FocusSpan, FocusTrace:
	default:
		return fmt.Errorf("unknown focus %q", q.Formatting.Focus)
	}
	return nil
}

// MetricType declares the statistical treatment of a metric path.
type MetricType string

const (
	MetricTypeContinuous  MetricType = "continuous"
	MetricTypeDiscrete    MetricType = "discrete"
	MetricTypeCategorical MetricType = "categorical"
	MetricTypeLabel       MetricType = "label"
	MetricTypeBinary      MetricType = "binary"
	MetricTypeString      MetricType = "string"
	MetricTypeJSON        MetricType = "json"
)

// MetricSpec names one attribute path and how to aggregate it.
type MetricSpec struct {
	Path string     `json:"path"`
	Type MetricType `json:"type"`
}

// MetricsBucket is the per-timestamp analytics result: one stats payload per
// requested metric path.
type MetricsBucket struct {
	Timestamp time.Time      `json:"timestamp"`
	Interval  int            `json:"interval"`
	Metrics   map[string]any `json:"metrics"`
}
