package tracequery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the TraceQuery server (e.g. "http://localhost:8080").
	BaseURL string

	// ProjectID scopes every request. Required.
	ProjectID uuid.UUID

	// ActorID, when set, is recorded as created_by/updated_by on ingested
	// spans. Optional.
	ActorID uuid.UUID

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the TraceQuery API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL   string
	projectID uuid.UUID
	actorID   uuid.UUID
	client    *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or ProjectID is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tracequery: BaseURL is required")
	}
	if cfg.ProjectID == uuid.Nil {
		return nil, fmt.Errorf("tracequery: ProjectID is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		projectID: cfg.ProjectID,
		actorID:   cfg.ActorID,
		client:    httpClient,
	}, nil
}

// Ingest persists a batch of spans. Re-ingesting an existing
// (trace_id, span_id) overwrites its mutable fields rather than failing.
// The returned links are in input order.
func (c *Client) Ingest(ctx context.Context, spans []Span) ([]Link, error) {
	var resp IngestResponse
	if err := c.post(ctx, "/v1/traces", IngestRequest{Spans: spans}, &resp); err != nil {
		return nil, err
	}
	return resp.Links, nil
}

// QuerySpans retrieves spans matching the query's filter, ordered and
// paginated by its windowing.
func (c *Client) QuerySpans(ctx context.Context, q Query) (*QueryResponse, error) {
	var resp QueryResponse
	if err := c.post(ctx, "/v1/spans/query", QueryRequest{Query: q}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Analytics computes time-bucketed metrics over the matching spans.
// An empty spec list requests the legacy duration/cost/token rollup.
func (c *Client) Analytics(ctx context.Context, q Query, specs []MetricSpec) ([]MetricsBucket, error) {
	var resp AnalyticsResponse
	if err := c.post(ctx, "/v1/analytics", AnalyticsRequest{Query: q, Specs: specs}, &resp); err != nil {
		return nil, err
	}
	return resp.Buckets, nil
}

// FetchTraces returns every span of the given traces, ordered by start time.
func (c *Client) FetchTraces(ctx context.Context, traceIDs []uuid.UUID) ([]Span, error) {
	ids := make([]string, len(traceIDs))
	for i, id := range traceIDs {
		ids[i] = id.String()
	}
	params := url.Values{}
	params.Set("trace_ids", strings.Join(ids, ","))

	var resp FetchResponse
	if err := c.get(ctx, "/v1/traces?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Spans, nil
}

// DeleteTraces removes the given traces and all their spans.
func (c *Client) DeleteTraces(ctx context.Context, traceIDs []uuid.UUID) ([]Link, error) {
	var resp DeleteResponse
	if err := c.doDelete(ctx, "/v1/traces", DeleteRequest{TraceIDs: traceIDs}, &resp); err != nil {
		return nil, err
	}
	return resp.Links, nil
}

// DiscoveryOptions page through distinct identifiers by time window.
type DiscoveryOptions struct {
	Oldest *time.Time
	Newest *time.Time
	Next   *time.Time
	Limit  int

	// Realtime anchors the window at the newest bound instead of serving
	// a stable page keyed to the cursor.
	Realtime bool
}

// Sessions lists distinct session identifiers observed in the window.
func (c *Client) Sessions(ctx context.Context, opts *DiscoveryOptions) (*DiscoveryResponse, error) {
	var resp DiscoveryResponse
	if err := c.get(ctx, "/v1/sessions?"+discoveryParams(opts).Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Users lists distinct user identifiers observed in the window.
func (c *Client) Users(ctx context.Context, opts *DiscoveryOptions) (*DiscoveryResponse, error) {
	var resp DiscoveryResponse
	if err := c.get(ctx, "/v1/users?"+discoveryParams(opts).Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health reports server and database status. It does not require a
// project scope.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/healthz", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func discoveryParams(opts *DiscoveryOptions) url.Values {
	params := url.Values{}
	if opts == nil {
		return params
	}
	if opts.Oldest != nil {
		params.Set("oldest", opts.Oldest.Format(time.RFC3339Nano))
	}
	if opts.Newest != nil {
		params.Set("newest", opts.Newest.Format(time.RFC3339Nano))
	}
	if opts.Next != nil {
		params.Set("next", opts.Next.Format(time.RFC3339Nano))
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Realtime {
		params.Set("realtime", "true")
	}
	return params
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("tracequery: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("tracequery: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("tracequery: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("tracequery: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("tracequery: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	req.Header.Set("X-Project-ID", c.projectID.String())
	if c.actorID != uuid.Nil {
		req.Header.Set("X-Actor-ID", c.actorID.String())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("tracequery: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("tracequery: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("tracequery: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		apiErr.Message = envelope.Error
		apiErr.Code = envelope.Code
		apiErr.RequestID = envelope.RequestID
	} else {
		apiErr.Code = "unknown"
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
