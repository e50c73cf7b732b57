package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agenta-ai/tracequery/api"
	"github.com/agenta-ai/tracequery/internal/attributes"
	"github.com/agenta-ai/tracequery/internal/filter"
	"github.com/agenta-ai/tracequery/internal/model"
	"github.com/agenta-ai/tracequery/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db          *storage.DB
	logger      *slog.Logger
	version     string
	maxBody     int64
	openapiSpec []byte
}

// HandlersDeps holds dependencies for creating Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		db:          deps.DB,
		logger:      deps.Logger,
		version:     deps.Version,
		maxBody:     deps.MaxRequestBodyBytes,
		openapiSpec: api.OpenAPISpec,
	}
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// HandleIngest handles POST /v1/traces.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var req model.IngestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
		return
	}

	projectID := ProjectIDFromContext(r.Context())
	actorID := actorIDFromRequest(r)
	spans := attributes.FromWireBatch(projectID, req.Spans)

	var links []model.SpanLink
	err := storage.WithRetry(r.Context(), 3, 50*time.Millisecond, func() error {
		var ierr error
		links, ierr = h.db.IngestSpans(r.Context(), projectID, actorID, spans)
		return ierr
	})
	if err != nil {
		h.writeStorageError(w, r, "ingest spans", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.IngestResponse{Links: links})
}

// HandleQuerySpans handles POST /v1/spans/query.
func (h *Handlers) HandleQuerySpans(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var req model.QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body: "+err.Error())
		return
	}

	projectID := ProjectIDFromContext(r.Context())
	spans, err := h.db.QuerySpans(r.Context(), projectID, req.Query)
	if err != nil {
		h.writeStorageError(w, r, "query spans", err)
		return
	}

	flats := attributes.ToWireBatch(spans)
	writeJSON(w, r, http.StatusOK, model.QueryResponse{Spans: flats, Count: len(flats)})
}

// HandleAnalytics handles POST /v1/analytics. With metric specs it runs the
// spec-based pipeline; without, the fixed legacy duration/cost/token sums.
func (h *Handlers) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var req model.AnalyticsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
		return
	}

	projectID := ProjectIDFromContext(r.Context())

	if len(req.Specs) == 0 {
		legacy, err := h.db.LegacyMetrics(r.Context(), projectID, req.Query)
		if err != nil {
			h.writeStorageError(w, r, "legacy analytics", err)
			return
		}
		buckets := make([]model.MetricsBucket, len(legacy))
		for i, b := range legacy {
			buckets[i] = model.MetricsBucket{
				Timestamp: b.Timestamp,
				Interval:  b.Interval,
				Metrics:   map[string]any{"total": b.Total, "errors": b.Errors},
			}
		}
		writeJSON(w, r, http.StatusOK, model.AnalyticsResponse{Buckets: buckets})
		return
	}

	buckets, err := h.db.SpecMetrics(r.Context(), projectID, req.Query, req.Specs)
	if err != nil {
		h.writeStorageError(w, r, "analytics", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AnalyticsResponse{Buckets: buckets})
}

// HandleFetchTraces handles GET /v1/traces?trace_ids=a,b,c.
func (h *Handlers) HandleFetchTraces(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("trace_ids")
	if raw == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "trace_ids query parameter is required")
		return
	}
	parts := strings.Split(raw, ",")
	if len(parts) > model.MaxFetchTraceIDs {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "too many trace_ids")
		return
	}
	traceIDs := make([]uuid.UUID, 0, len(parts))
	for _, p := range parts {
		id, err := uuid.Parse(strings.TrimSpace(p))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid trace id: "+p)
			return
		}
		traceIDs = append(traceIDs, id)
	}

	projectID := ProjectIDFromContext(r.Context())
	spans, err := h.db.FetchTraces(r.Context(), projectID, traceIDs)
	if err != nil {
		h.writeStorageError(w, r, "fetch traces", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.FetchResponse{Spans: attributes.ToWireBatch(spans)})
}

// HandleDeleteTraces handles DELETE /v1/traces.
func (h *Handlers) HandleDeleteTraces(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var req model.DeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.TraceIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "trace_ids must not be empty")
		return
	}
	if len(req.TraceIDs) > model.MaxFetchTraceIDs {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "too many trace_ids")
		return
	}

	projectID := ProjectIDFromContext(r.Context())
	links, err := h.db.DeleteTraces(r.Context(), projectID, req.TraceIDs)
	if err != nil {
		h.writeStorageError(w, r, "delete traces", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.DeleteResponse{Links: links})
}

// HandleSessions handles GET /v1/sessions.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	h.handleDiscovery(w, r, h.db.Sessions)
}

// HandleUsers handles GET /v1/users.
func (h *Handlers) HandleUsers(w http.ResponseWriter, r *http.Request) {
	h.handleDiscovery(w, r, h.db.Users)
}

func (h *Handlers) handleDiscovery(w http.ResponseWriter, r *http.Request,
	discover func(ctx context.Context, projectID uuid.UUID, realtime bool, w model.Windowing) ([]string, *time.Time, error),
) {
	windowing, realtime, err := discoveryParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
		return
	}

	projectID := ProjectIDFromContext(r.Context())
	ids, cursor, err := discover(r.Context(), projectID, realtime, windowing)
	if err != nil {
		h.writeStorageError(w, r, "discovery", err)
		return
	}

	resp := model.DiscoveryResponse{IDs: ids}
	if cursor != nil {
		s := cursor.UTC().Format(time.RFC3339Nano)
		resp.Cursor = &s
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// discoveryParams parses windowing query parameters for the discovery
// endpoints: oldest, newest, next (RFC3339), limit, realtime.
func discoveryParams(r *http.Request) (model.Windowing, bool, error) {
	q := r.URL.Query()
	var w model.Windowing

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"oldest", &w.Oldest},
		{"newest", &w.Newest},
		{"next", &w.Next},
	} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return w, false, fmt.Errorf("invalid %s timestamp: %q", p.name, raw)
		}
		*p.dst = &t
	}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > model.MaxQueryLimit {
			return w, false, fmt.Errorf("invalid limit: %q", raw)
		}
		w.Limit = n
	}

	realtime := q.Get("realtime") == "true"
	return w, realtime, nil
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// writeStorageError maps storage and filter errors onto the API envelope.
func (h *Handlers) writeStorageError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var ferr *filter.Error
	switch {
	case errors.As(err, &ferr):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidFilter, ferr.Error())
	case errors.Is(err, storage.ErrQueryCancelled):
		writeError(w, r, http.StatusRequestTimeout, model.ErrCodeQueryCancelled, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	default:
		h.logger.Error(op+" failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal server error")
	}
}

// actorIDFromRequest reads the optional X-Actor-ID header for ingest
// attribution. Missing or malformed values fall back to the nil UUID.
func actorIDFromRequest(r *http.Request) uuid.UUID {
	raw := r.Header.Get("X-Actor-ID")
	if raw == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	return id
}
