// Package tracequery is the public API for embedding the span query engine.
//
// Consumers import this package to construct and run the engine without
// touching its internals:
//
//	app, err := tracequery.New(
//	    tracequery.WithVersion(version),
//	    tracequery.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: tracequery (root)
// imports internal/*, but internal/* never imports the root. Public types
// (Span, Query, …) are standalone structs with no internal imports; the
// conversion helpers live here because this is the only file that sees both
// sides of the boundary.
package tracequery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/agenta-ai/tracequery/internal/attributes"
	"github.com/agenta-ai/tracequery/internal/config"
	"github.com/agenta-ai/tracequery/internal/model"
	"github.com/agenta-ai/tracequery/internal/ratelimit"
	"github.com/agenta-ai/tracequery/internal/server"
	"github.com/agenta-ai/tracequery/internal/storage"
	"github.com/agenta-ai/tracequery/internal/telemetry"
	"github.com/agenta-ai/tracequery/migrations"
)

// App is the engine lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the engine. It connects to the database, runs migrations,
// and wires the HTTP server. It does NOT start any goroutines or accept
// connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.statementTimeout != 0 {
		cfg.StatementTimeout = o.statementTimeout
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("tracequery starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.SetStatementTimeout(cfg.StatementTimeout)
	db.RegisterPoolMetrics()

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	var limiter ratelimit.Limiter
	if cfg.IngestRatePerMinute > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.IngestRatePerMinute)
		logger.Info("ingest rate limiting: memory (in-process token bucket)",
			"per_minute", cfg.IngestRatePerMinute)
	} else {
		logger.Info("ingest rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Logger:              logger,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown is called automatically —
// callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, then closes the database pool
// and OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("tracequery shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	a.db.Close()

	if err := a.otelShutdown(ctx); err != nil {
		a.logger.Error("otel shutdown error", "error", err)
	}
	return nil
}

// Handler returns the root HTTP handler, for embedding the API under an
// existing server or for tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Ingest upserts a batch of spans under the given project. actorID is
// recorded as the creating (or updating) identity. Returns one link per
// input span, in input order; the whole batch fails atomically.
func (a *App) Ingest(ctx context.Context, projectID, actorID uuid.UUID, spans []Span) ([]Link, error) {
	stored := make([]model.Span, len(spans))
	for i, s := range spans {
		stored[i] = attributes.FromWire(projectID, toWireSpan(s))
	}
	links, err := a.db.IngestSpans(ctx, projectID, actorID, stored)
	if err != nil {
		return nil, err
	}
	return toPublicLinks(links), nil
}

// Query returns spans matching the query, in wire form.
func (a *App) Query(ctx context.Context, projectID uuid.UUID, q Query) ([]Span, error) {
	spans, err := a.db.QuerySpans(ctx, projectID, toInternalQuery(q))
	if err != nil {
		return nil, err
	}
	return toPublicSpans(spans), nil
}

// Analytics computes time-bucketed statistics for the metric specs over the
// filtered, windowed span set.
func (a *App) Analytics(ctx context.Context, projectID uuid.UUID, q Query, specs []MetricSpec) ([]MetricsBucket, error) {
	internal := make([]model.MetricSpec, len(specs))
	for i, s := range specs {
		internal[i] = model.MetricSpec{Path: s.Path, Type: model.MetricType(s.Type)}
	}
	buckets, err := a.db.SpecMetrics(ctx, projectID, toInternalQuery(q), internal)
	if err != nil {
		return nil, err
	}
	out := make([]MetricsBucket, len(buckets))
	for i, b := range buckets {
		out[i] = MetricsBucket{Timestamp: b.Timestamp, Interval: b.Interval, Metrics: b.Metrics}
	}
	return out, nil
}

// LegacyAnalytics computes the fixed duration/cost/token sums per bucket.
func (a *App) LegacyAnalytics(ctx context.Context, projectID uuid.UUID, q Query) ([]LegacyBucket, error) {
	buckets, err := a.db.LegacyMetrics(ctx, projectID, toInternalQuery(q))
	if err != nil {
		return nil, err
	}
	out := make([]LegacyBucket, len(buckets))
	for i, b := range buckets {
		out[i] = LegacyBucket{
			Timestamp: b.Timestamp,
			Interval:  b.Interval,
			Total:     LegacyTotals(b.Total),
			Errors:    LegacyTotals(b.Errors),
		}
	}
	return out, nil
}

// Fetch returns every span of the given traces, start-time ascending.
func (a *App) Fetch(ctx context.Context, projectID uuid.UUID, traceIDs []uuid.UUID) ([]Span, error) {
	spans, err := a.db.FetchTraces(ctx, projectID, traceIDs)
	if err != nil {
		return nil, err
	}
	return toPublicSpans(spans), nil
}

// Delete removes every span of the given traces, returning the removed links.
func (a *App) Delete(ctx context.Context, projectID uuid.UUID, traceIDs []uuid.UUID) ([]Link, error) {
	links, err := a.db.DeleteTraces(ctx, projectID, traceIDs)
	if err != nil {
		return nil, err
	}
	return toPublicLinks(links), nil
}

// DeleteSpan removes one span and all of its descendants within the trace.
func (a *App) DeleteSpan(ctx context.Context, projectID, traceID, spanID uuid.UUID) ([]Link, error) {
	links, err := a.db.DeleteSpan(ctx, projectID, traceID, spanID)
	if err != nil {
		return nil, err
	}
	return toPublicLinks(links), nil
}

// Sessions lists the distinct session identifiers observed in the window.
// realtime=true anchors each session at its most recent span instead of its
// first.
func (a *App) Sessions(ctx context.Context, projectID uuid.UUID, realtime bool, w Windowing) (DiscoveryPage, error) {
	ids, cursor, err := a.db.Sessions(ctx, projectID, realtime, toInternalWindowing(w))
	if err != nil {
		return DiscoveryPage{}, err
	}
	return DiscoveryPage{IDs: ids, Cursor: cursor}, nil
}

// Users lists the distinct user identifiers observed in the window, with
// the same semantics as Sessions.
func (a *App) Users(ctx context.Context, projectID uuid.UUID, realtime bool, w Windowing) (DiscoveryPage, error) {
	ids, cursor, err := a.db.Users(ctx, projectID, realtime, toInternalWindowing(w))
	if err != nil {
		return DiscoveryPage{}, err
	}
	return DiscoveryPage{IDs: ids, Cursor: cursor}, nil
}

// ── Type converters ────────────────────────────────────────────────────────

func toWireSpan(s Span) model.FlatSpan {
	return model.FlatSpan{
		TraceID:       s.TraceID,
		SpanID:        s.SpanID,
		ParentID:      s.ParentID,
		SpanName:      s.SpanName,
		SpanKind:      model.SpanKind(s.SpanKind),
		StartTime:     s.StartTime,
		EndTime:       s.EndTime,
		StatusCode:    model.StatusCode(s.StatusCode),
		StatusMessage: s.StatusMessage,
		Attributes:    s.Attributes,
		Links:         toInternalLinks(s.Links),
	}
}

func toPublicSpans(spans []model.Span) []Span {
	out := make([]Span, len(spans))
	for i, s := range spans {
		f := attributes.ToWire(s)
		out[i] = Span{
			TraceID:       f.TraceID,
			SpanID:        f.SpanID,
			ParentID:      f.ParentID,
			SpanName:      f.SpanName,
			SpanKind:      string(f.SpanKind),
			StartTime:     f.StartTime,
			EndTime:       f.EndTime,
			StatusCode:    string(f.StatusCode),
			StatusMessage: f.StatusMessage,
			Attributes:    f.Attributes,
			Links:         toPublicSpanLinks(f.Links),
		}
	}
	return out
}

func toInternalLinks(links []Link) []model.SpanLink {
	if links == nil {
		return nil
	}
	out := make([]model.SpanLink, len(links))
	for i, l := range links {
		out[i] = model.SpanLink{TraceID: l.TraceID, SpanID: l.SpanID, Role: model.LinkRole(l.Role)}
	}
	return out
}

func toPublicLinks(links []model.SpanLink) []Link {
	if links == nil {
		return nil
	}
	out := make([]Link, len(links))
	for i, l := range links {
		out[i] = Link{TraceID: l.TraceID, SpanID: l.SpanID, Role: string(l.Role)}
	}
	return out
}

func toPublicSpanLinks(links []model.SpanLink) []Link {
	return toPublicLinks(links)
}

func toInternalQuery(q Query) model.Query {
	return model.Query{
		Formatting: model.Formatting{Focus: model.Focus(q.Focus)},
		Filtering:  toInternalFilter(q.Filter),
		Windowing:  toInternalWindowing(q.Windowing),
	}
}

func toInternalFilter(f *Filter) *model.Filtering {
	if f == nil {
		return nil
	}
	out := &model.Filtering{Operator: model.LogicalOperator(f.Operator)}
	for _, node := range f.Conditions {
		var converted model.FilterNode
		switch {
		case node.Condition != nil:
			converted.Condition = &model.Condition{
				Field:    node.Condition.Field,
				Key:      node.Condition.Key,
				Value:    node.Condition.Value,
				Operator: model.ConditionOperator(node.Condition.Operator),
				Options: model.ConditionOptions{
					CaseSensitive: node.Condition.Options.CaseSensitive,
					Exact:         node.Condition.Options.Exact,
				},
			}
		case node.Filter != nil:
			converted.Filtering = toInternalFilter(node.Filter)
		default:
			continue
		}
		out.Conditions = append(out.Conditions, converted)
	}
	return out
}

func toInternalWindowing(w Windowing) model.Windowing {
	return model.Windowing{
		Oldest:   w.Oldest,
		Newest:   w.Newest,
		Next:     w.Next,
		NextID:   w.NextID,
		Limit:    w.Limit,
		Order:    model.Order(w.Order),
		Interval: w.Interval,
		Rate:     w.Rate,
	}
}
