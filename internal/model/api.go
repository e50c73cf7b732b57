package model

import (
	"fmt"

	"github.com/google/uuid"
)

// API error codes returned in the error envelope.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeInvalidFilter  = "invalid_filter"
	ErrCodeNotFound       = "not_found"
	ErrCodeQueryCancelled = "query_cancelled"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeInternal       = "internal_error"
)

// Request size limits. These bound a single call before it reaches the
// store; larger workloads are expected to split batches.
const (
	MaxIngestSpans   = 1000
	MaxQueryLimit    = 1000
	MaxFetchTraceIDs = 100
	MaxMetricSpecs   = 100
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// IngestRequest is the body of POST /v1/traces.
type IngestRequest struct {
	Spans []FlatSpan `json:"spans"`
}

// Validate checks batch bounds and per-span invariants.
func (r IngestRequest) Validate() error {
	if len(r.Spans) == 0 {
		return fmt.Errorf("spans must not be empty")
	}
	if len(r.Spans) > MaxIngestSpans {
		return fmt.Errorf("spans exceeds maximum batch size of %d", MaxIngestSpans)
	}
	for i, s := range r.Spans {
		if s.TraceID == uuid.Nil || s.SpanID == uuid.Nil {
			return fmt.Errorf("spans[%d]: trace_id and span_id are required", i)
		}
		if s.StartTime.IsZero() || s.EndTime.IsZero() {
			return fmt.Errorf("spans[%d]: start_time and end_time are required", i)
		}
		if s.EndTime.Before(s.StartTime) {
			return fmt.Errorf("spans[%d]: end_time precedes start_time", i)
		}
	}
	return nil
}

// IngestResponse confirms persistence of each input span, in input order.
type IngestResponse struct {
	Links []SpanLink `json:"links"`
}

// QueryRequest is the body of POST /v1/spans/query.
type QueryRequest struct {
	Query Query `json:"query"`
}

// QueryResponse carries matching spans in wire form.
type QueryResponse struct {
	Spans []FlatSpan `json:"spans"`
	Count int        `json:"count"`
}

// AnalyticsRequest is the body of POST /v1/analytics.
type AnalyticsRequest struct {
	Query Query        `json:"query"`
	Specs []MetricSpec `json:"specs,omitempty"`
}

// Validate bounds the spec list and delegates to the query.
func (r AnalyticsRequest) Validate() error {
	if len(r.Specs) > MaxMetricSpecs {
		return fmt.Errorf("specs exceeds maximum of %d", MaxMetricSpecs)
	}
	for i, s := range r.Specs {
		if s.Path == "" {
			return fmt.Errorf("specs[%d]: path is required", i)
		}
		switch s.Type {
		case MetricTypeContinuous, MetricTypeDiscrete, MetricTypeCategorical,
			MetricTypeLabel, MetricTypeBinary, MetricTypeString, MetricTypeJSON:
		default:
			return fmt.Errorf("specs[%d]: unknown metric type %q", i, s.Type)
		}
	}
	return r.Query.Validate()
}

// AnalyticsResponse carries one bucket per timestamp.
type AnalyticsResponse struct {
	Buckets []MetricsBucket `json:"buckets"`
}

// FetchResponse carries all spans of the requested traces.
type FetchResponse struct {
	Spans []FlatSpan `json:"spans"`
}

// DeleteRequest is the body of DELETE /v1/traces.
type DeleteRequest struct {
	TraceIDs []uuid.UUID `json:"trace_ids"`
}

// DeleteResponse lists the links that were removed.
type DeleteResponse struct {
	Links []SpanLink `json:"links"`
}

// DiscoveryResponse is a page of distinct session or user identifiers plus
// the cursor timestamp for the next page.
type DiscoveryResponse struct {
	IDs    []string `json:"ids"`
	Cursor *string  `json:"cursor,omitempty"`
}
