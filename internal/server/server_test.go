package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenta-ai/tracequery/internal/model"
	"github.com/agenta-ai/tracequery/internal/server"
	"github.com/agenta-ai/tracequery/internal/storage"
	"github.com/agenta-ai/tracequery/internal/testutil"
)

var (
	testDB      *storage.DB
	testHandler http.Handler
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	defer testDB.Close()

	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		Logger:              testutil.TestLogger(),
		Port:                0,
		ReadTimeout:         10 * time.Second,
		WriteTimeout:        10 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	testHandler = srv.Handler()

	os.Exit(m.Run())
}

func doRequest(t *testing.T, method, path string, projectID uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if projectID != uuid.Nil {
		req.Header.Set("X-Project-ID", projectID.String())
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	testHandler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func wireSpan(traceID uuid.UUID, name string, start time.Time) model.FlatSpan {
	return model.FlatSpan{
		TraceID:   traceID,
		SpanID:    uuid.New(),
		SpanName:  name,
		StartTime: start,
		EndTime:   start.Add(time.Second),
		Attributes: map[string]any{
			"ag.type.span":                "llm",
			"ag.data.input":               "hello",
			"ag.metrics.acc.tokens.total": 12.0,
		},
	}
}

func TestHealthz(t *testing.T) {
	rec := doRequest(t, http.MethodGet, "/healthz", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestOpenAPISpecIsServed(t *testing.T) {
	rec := doRequest(t, http.MethodGet, "/openapi.yaml", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "TraceQuery API")
}

func TestMissingProjectHeader(t *testing.T) {
	rec := doRequest(t, http.MethodPost, "/v1/spans/query", uuid.Nil, model.QueryRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody[model.ErrorResponse](t, rec)
	assert.Equal(t, model.ErrCodeBadRequest, body.Code)
	assert.NotEmpty(t, body.RequestID)
}

func TestIngestAndQueryRoundTrip(t *testing.T) {
	project := uuid.New()
	traceID := uuid.New()
	start := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	rec := doRequest(t, http.MethodPost, "/v1/traces", project, model.IngestRequest{
		Spans: []model.FlatSpan{wireSpan(traceID, "llm.call", start)},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ingest := decodeBody[model.IngestResponse](t, rec)
	require.Len(t, ingest.Links, 1)
	assert.Equal(t, traceID, ingest.Links[0].TraceID)

	rec = doRequest(t, http.MethodPost, "/v1/spans/query", project, model.QueryRequest{})
	require.Equal(t, http.StatusOK, rec.Code)

	result := decodeBody[model.QueryResponse](t, rec)
	require.Equal(t, 1, result.Count)
	span := result.Spans[0]
	assert.Equal(t, "llm.call", span.SpanName)
	// Attributes round-trip through the nested document back to wire keys.
	assert.Equal(t, "hello", span.Attributes["ag.data.input"])
	assert.Equal(t, "llm", span.Attributes["ag.type.span"])
}

func TestIngestRejectsInvalidSpan(t *testing.T) {
	project := uuid.New()
	bad := wireSpan(uuid.New(), "bad", time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	bad.EndTime = bad.StartTime.Add(-time.Second)

	rec := doRequest(t, http.MethodPost, "/v1/traces", project, model.IngestRequest{Spans: []model.FlatSpan{bad}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[model.ErrorResponse](t, rec)
	assert.Equal(t, model.ErrCodeBadRequest, body.Code)
}

func TestQueryInvalidFilterMapsTo400(t *testing.T) {
	project := uuid.New()
	req := model.QueryRequest{
		Query: model.Query{
			Filtering: &model.Filtering{
				Operator: model.LogicalAnd,
				Conditions: []model.FilterNode{
					{Condition: &model.Condition{Field: "bogus", Value: "x", Operator: model.OperatorIs}},
				},
			},
		},
	}
	rec := doRequest(t, http.MethodPost, "/v1/spans/query", project, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[model.ErrorResponse](t, rec)
	assert.Equal(t, model.ErrCodeInvalidFilter, body.Code)
}

func TestFetchAndDeleteTraces(t *testing.T) {
	project := uuid.New()
	traceID := uuid.New()
	start := time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)

	rec := doRequest(t, http.MethodPost, "/v1/traces", project, model.IngestRequest{
		Spans: []model.FlatSpan{
			wireSpan(traceID, "a", start),
			wireSpan(traceID, "b", start.Add(time.Second)),
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, http.MethodGet, "/v1/traces?trace_ids="+traceID.String(), project, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fetched := decodeBody[model.FetchResponse](t, rec)
	require.Len(t, fetched.Spans, 2)
	assert.Equal(t, "a", fetched.Spans[0].SpanName, "fetch is start-time ascending")

	rec = doRequest(t, http.MethodDelete, "/v1/traces", project, model.DeleteRequest{TraceIDs: []uuid.UUID{traceID}})
	require.Equal(t, http.StatusOK, rec.Code)
	deleted := decodeBody[model.DeleteResponse](t, rec)
	assert.Len(t, deleted.Links, 2)

	rec = doRequest(t, http.MethodGet, "/v1/traces?trace_ids="+traceID.String(), project, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fetched = decodeBody[model.FetchResponse](t, rec)
	assert.Empty(t, fetched.Spans)
}

func TestAnalyticsEndpoint(t *testing.T) {
	project := uuid.New()
	start := time.Date(2026, 6, 3, 0, 0, 0, 0, time.UTC)

	spans := make([]model.FlatSpan, 0, 10)
	for i := 1; i <= 10; i++ {
		s := wireSpan(uuid.New(), "llm.call", start.Add(time.Duration(i)*time.Minute))
		s.Attributes["ag.metrics.acc.tokens.total"] = float64(i)
		spans = append(spans, s)
	}
	rec := doRequest(t, http.MethodPost, "/v1/traces", project, model.IngestRequest{Spans: spans})
	require.Equal(t, http.StatusOK, rec.Code)

	oldest, newest := start, start.AddDate(0, 0, 1)
	interval := 1440
	rec = doRequest(t, http.MethodPost, "/v1/analytics", project, model.AnalyticsRequest{
		Query: model.Query{Windowing: model.Windowing{Oldest: &oldest, Newest: &newest, Interval: &interval}},
		Specs: []model.MetricSpec{{Path: "attributes.ag.metrics.acc.tokens.total", Type: model.MetricTypeContinuous}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[model.AnalyticsResponse](t, rec)
	require.Len(t, resp.Buckets, 1)

	raw, err := json.Marshal(resp.Buckets[0].Metrics["attributes.ag.metrics.acc.tokens.total"])
	require.NoError(t, err)
	var payload struct {
		Count     int64   `json:"count"`
		Sum       float64 `json:"sum"`
		Quantiles struct {
			P50 float64 `json:"p50"`
		} `json:"quantiles"`
	}
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, int64(10), payload.Count)
	assert.Equal(t, 55.0, payload.Sum)
	assert.InDelta(t, 5.5, payload.Quantiles.P50, 1e-9)
}

func TestSessionsEndpoint(t *testing.T) {
	project := uuid.New()
	start := time.Date(2026, 6, 4, 10, 0, 0, 0, time.UTC)

	s := wireSpan(uuid.New(), "turn", start)
	s.Attributes["ag.meta.session.id"] = "sess-1"
	s.Attributes["ag.meta.user.id"] = "user-1"
	rec := doRequest(t, http.MethodPost, "/v1/traces", project, model.IngestRequest{Spans: []model.FlatSpan{s}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, http.MethodGet, "/v1/sessions", project, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decodeBody[model.DiscoveryResponse](t, rec)
	assert.Equal(t, []string{"sess-1"}, sessions.IDs)

	rec = doRequest(t, http.MethodGet, "/v1/users", project, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	users := decodeBody[model.DiscoveryResponse](t, rec)
	assert.Equal(t, []string{"user-1"}, users.IDs)
}
