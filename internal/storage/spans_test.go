package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenta-ai/tracequery/internal/filter"
	"github.com/agenta-ai/tracequery/internal/model"
	"github.com/agenta-ai/tracequery/internal/storage"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestIngestSpansReturnsLinksInOrder(t *testing.T) {
	ctx := context.Background()
	project := newProject()
	traceID := uuid.New()

	spans := []model.Span{
		newSpan(traceID, "first", base, time.Second),
		newSpan(traceID, "second", base.Add(time.Second), time.Second),
		newSpan(traceID, "third", base.Add(2*time.Second), time.Second),
	}

	links, err := testDB.IngestSpans(ctx, project, testActor, spans)
	require.NoError(t, err)
	require.Len(t, links, 3)
	for i, link := range links {
		assert.Equal(t, spans[i].TraceID, link.TraceID)
		assert.Equal(t, spans[i].SpanID, link.SpanID)
	}
}

func TestIngestSpansUpsertPreservesCreation(t *testing.T) {
	ctx := context.Background()
	project := newProject()
	traceID := uuid.New()

	span := newSpan(traceID, "original", base, time.Second)
	span.Attributes = map[string]any{"data": map[string]any{"input": "v1"}}
	mustIngest(t, project, span)

	stored, err := testDB.FetchTraces(ctx, project, []uuid.UUID{traceID})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	createdAt := stored[0].CreatedAt
	assert.Nil(t, stored[0].UpdatedAt)
	assert.Equal(t, testActor, stored[0].CreatedByID)

	// Re-ingest the same identity with different content.
	other := uuid.New()
	span.SpanName = "replaced"
	span.StatusCode = model.StatusCodeError
	span.Attributes = map[string]any{"data": map[string]any{"input": "v2"}}
	_, err = testDB.IngestSpans(ctx, project, other, []model.Span{span})
	require.NoError(t, err)

	stored, err = testDB.FetchTraces(ctx, project, []uuid.UUID{traceID})
	require.NoError(t, err)
	require.Len(t, stored, 1)

	assert.Equal(t, "replaced", stored[0].SpanName)
	assert.Equal(t, model.StatusCodeError, stored[0].StatusCode)
	assert.Equal(t, map[string]any{"data": map[string]any{"input": "v2"}}, stored[0].Attributes)

	// Creation audit survives the overwrite; update audit reflects it.
	assert.True(t, stored[0].CreatedAt.Equal(createdAt), "created_at must not change on upsert")
	assert.Equal(t, testActor, stored[0].CreatedByID)
	require.NotNil(t, stored[0].UpdatedAt)
	require.NotNil(t, stored[0].UpdatedByID)
	assert.Equal(t, other, *stored[0].UpdatedByID)
}

func TestIngestSpansBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	project := newProject()
	traceID := uuid.New()

	good := newSpan(traceID, "good", base, time.Second)
	bad := newSpan(traceID, "bad", base, time.Second)
	bad.EndTime = bad.StartTime.Add(-time.Second) // violates the table check

	_, err := testDB.IngestSpans(ctx, project, testActor, []model.Span{good, bad})
	require.Error(t, err)

	stored, err := testDB.FetchTraces(ctx, project, []uuid.UUID{traceID})
	require.NoError(t, err)
	assert.Empty(t, stored, "no span from a failed batch may persist")
}

func TestQuerySpansFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	project := newProject()

	for i := 0; i < 5; i++ {
		s := newSpan(uuid.New(), "llm.call", base.Add(time.Duration(i)*time.Minute), time.Second)
		mustIngest(t, project, s)
	}
	mustIngest(t, project, newSpan(uuid.New(), "tool.call", base, time.Second))

	q := model.Query{
		Filtering: &model.Filtering{
			Operator: model.LogicalAnd,
			Conditions: []model.FilterNode{
				{Condition: &model.Condition{Field: "span_name", Value: "llm.call", Operator: model.OperatorIs}},
			},
		},
	}
	spans, err := testDB.QuerySpans(ctx, project, q)
	require.NoError(t, err)
	require.Len(t, spans, 5)

	// Default order is newest first.
	for i := 1; i < len(spans); i++ {
		assert.False(t, spans[i].StartTime.After(spans[i-1].StartTime))
	}

	q.Windowing.Order = model.OrderAscending
	spans, err = testDB.QuerySpans(ctx, project, q)
	require.NoError(t, err)
	require.Len(t, spans, 5)
	for i := 1; i < len(spans); i++ {
		assert.False(t, spans[i].StartTime.Before(spans[i-1].StartTime))
	}
}

func TestQuerySpansPaginationIsComplete(t *testing.T) {
	ctx := context.Background()
	project := newProject()

	const n = 10
	for i := 0; i < n; i++ {
		mustIngest(t, project, newSpan(uuid.New(), "paged", base.Add(time.Duration(i)*time.Second), time.Second))
	}

	seen := make(map[uuid.UUID]bool)
	var next *time.Time
	for page := 0; page < n; page++ {
		q := model.Query{Windowing: model.Windowing{Limit: 3, Next: next}}
		spans, err := testDB.QuerySpans(ctx, project, q)
		require.NoError(t, err)
		if len(spans) == 0 {
			break
		}
		for _, s := range spans {
			assert.False(t, seen[s.SpanID], "span %s returned twice", s.SpanID)
			seen[s.SpanID] = true
		}
		cursor := spans[len(spans)-1].StartTime
		next = &cursor
	}
	assert.Len(t, seen, n, "pagination must visit every span exactly once")
}

func TestQuerySpansTraceFocus(t *testing.T) {
	ctx := context.Background()
	project := newProject()

	traces := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for i, traceID := range traces {
		offset := time.Duration(i) * time.Hour
		root := newSpan(traceID, "root", base.Add(offset), time.Minute)
		child := newSpan(traceID, "child", base.Add(offset+10*time.Minute), time.Second)
		child.ParentID = &root.SpanID
		mustIngest(t, project, root, child)
	}

	q := model.Query{Formatting: model.Formatting{Focus: model.FocusTrace}}
	spans, err := testDB.QuerySpans(ctx, project, q)
	require.NoError(t, err)
	require.Len(t, spans, 3, "one representative per trace")

	for _, s := range spans {
		assert.Equal(t, "child", s.SpanName, "representative is the latest span of its trace")
	}
}

func TestQuerySpansTraceFocusCursorOnTies(t *testing.T) {
	ctx := context.Background()
	project := newProject()

	// Five traces whose representatives share one start time: paging must
	// fall back to the trace id tiebreak and still visit each exactly once.
	const n = 5
	for i := 0; i < n; i++ {
		mustIngest(t, project, newSpan(uuid.New(), "tied", base, time.Second))
	}

	seen := make(map[uuid.UUID]bool)
	var (
		next   *time.Time
		nextID *uuid.UUID
	)
	for page := 0; page < n; page++ {
		q := model.Query{
			Formatting: model.Formatting{Focus: model.FocusTrace},
			Windowing:  model.Windowing{Limit: 2, Next: next, NextID: nextID},
		}
		spans, err := testDB.QuerySpans(ctx, project, q)
		require.NoError(t, err)
		if len(spans) == 0 {
			break
		}
		for _, s := range spans {
			assert.False(t, seen[s.TraceID], "trace %s returned twice", s.TraceID)
			seen[s.TraceID] = true
		}
		last := spans[len(spans)-1]
		cursor, cursorID := last.StartTime, last.TraceID
		next, nextID = &cursor, &cursorID
	}
	assert.Len(t, seen, n)
}

func TestQuerySpansSampling(t *testing.T) {
	ctx := context.Background()
	project := newProject()

	traces := make([]uuid.UUID, 20)
	for i := range traces {
		traces[i] = uuid.New()
		mustIngest(t, project, newSpan(traces[i], "sampled", base.Add(time.Duration(i)*time.Second), time.Second))
	}

	zero, one, half := 0.0, 1.0, 0.5

	spans, err := testDB.QuerySpans(ctx, project, model.Query{Windowing: model.Windowing{Rate: &zero}})
	require.NoError(t, err)
	assert.Empty(t, spans, "rate 0 matches nothing")

	spans, err = testDB.QuerySpans(ctx, project, model.Query{Windowing: model.Windowing{Rate: &one, Limit: 100}})
	require.NoError(t, err)
	assert.Len(t, spans, 20, "rate 1 disables sampling")

	// The sampled subset is exactly the traces hashing below the threshold,
	// so repeating the query returns the same subset.
	want := make(map[uuid.UUID]bool)
	for _, traceID := range traces {
		if storage.SampleBucket(traceID) < 50 {
			want[traceID] = true
		}
	}
	for run := 0; run < 2; run++ {
		spans, err = testDB.QuerySpans(ctx, project, model.Query{Windowing: model.Windowing{Rate: &half, Limit: 100}})
		require.NoError(t, err)
		got := make(map[uuid.UUID]bool)
		for _, s := range spans {
			got[s.TraceID] = true
		}
		assert.Equal(t, want, got, "sampling must be deterministic")
	}
}

func TestQuerySpansInvalidFilter(t *testing.T) {
	ctx := context.Background()
	project := newProject()

	q := model.Query{
		Filtering: &model.Filtering{
			Operator: model.LogicalAnd,
			Conditions: []model.FilterNode{
				{Condition: &model.Condition{Field: "no_such_column", Value: "x", Operator: model.OperatorIs}},
			},
		},
	}
	_, err := testDB.QuerySpans(ctx, project, q)
	require.Error(t, err)

	var ferr *filter.Error
	assert.ErrorAs(t, err, &ferr)
}

func TestFetchTracesOrdering(t *testing.T) {
	ctx := context.Background()
	project := newProject()
	traceID := uuid.New()

	// Ingest out of order; fetch must come back start-time ascending.
	mustIngest(t, project,
		newSpan(traceID, "third", base.Add(2*time.Minute), time.Second),
		newSpan(traceID, "first", base, time.Second),
		newSpan(traceID, "second", base.Add(time.Minute), time.Second),
	)

	spans, err := testDB.FetchTraces(ctx, project, []uuid.UUID{traceID})
	require.NoError(t, err)
	require.Len(t, spans, 3)
	assert.Equal(t, "first", spans[0].SpanName)
	assert.Equal(t, "second", spans[1].SpanName)
	assert.Equal(t, "third", spans[2].SpanName)

	empty, err := testDB.FetchTraces(ctx, project, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFetchTracesProjectIsolation(t *testing.T) {
	ctx := context.Background()
	projectA, projectB := newProject(), newProject()
	traceID := uuid.New()

	mustIngest(t, projectA, newSpan(traceID, "owned", base, time.Second))

	spans, err := testDB.FetchTraces(ctx, projectB, []uuid.UUID{traceID})
	require.NoError(t, err)
	assert.Empty(t, spans, "projects must not see each other's traces")
}

func TestDeleteTraces(t *testing.T) {
	ctx := context.Background()
	project := newProject()
	doomed, kept := uuid.New(), uuid.New()

	mustIngest(t, project,
		newSpan(doomed, "a", base, time.Second),
		newSpan(doomed, "b", base.Add(time.Second), time.Second),
		newSpan(kept, "c", base, time.Second),
	)

	links, err := testDB.DeleteTraces(ctx, project, []uuid.UUID{doomed})
	require.NoError(t, err)
	assert.Len(t, links, 2)
	for _, link := range links {
		assert.Equal(t, doomed, link.TraceID)
	}

	remaining, err := testDB.FetchTraces(ctx, project, []uuid.UUID{doomed, kept})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, kept, remaining[0].TraceID)
}

func TestDeleteSpanCascadesToDescendants(t *testing.T) {
	ctx := context.Background()
	project := newProject()
	traceID := uuid.New()

	root := newSpan(traceID, "root", base, time.Minute)
	child := newSpan(traceID, "child", base.Add(time.Second), time.Second)
	child.ParentID = &root.SpanID
	grandchild := newSpan(traceID, "grandchild", base.Add(2*time.Second), time.Second)
	grandchild.ParentID = &child.SpanID
	sibling := newSpan(traceID, "sibling-root", base.Add(3*time.Second), time.Second)

	mustIngest(t, project, root, child, grandchild, sibling)

	links, err := testDB.DeleteSpan(ctx, project, traceID, child.SpanID)
	require.NoError(t, err)
	assert.Len(t, links, 2, "span plus its descendant")

	remaining, err := testDB.FetchTraces(ctx, project, []uuid.UUID{traceID})
	require.NoError(t, err)
	names := make([]string, 0, len(remaining))
	for _, s := range remaining {
		names = append(names, s.SpanName)
	}
	assert.ElementsMatch(t, []string{"root", "sibling-root"}, names)
}

func TestQuerySpansPaginationOnTiedStartTimes(t *testing.T) {
	ctx := context.Background()
	project := newProject()

	// Five spans share one start time: span-focus paging must use the span
	// id tiebreak and still visit each exactly once.
	traceID := uuid.New()
	const n = 5
	for i := 0; i < n; i++ {
		mustIngest(t, project, newSpan(traceID, "tied", base, time.Second))
	}

	seen := make(map[uuid.UUID]bool)
	var (
		next   *time.Time
		nextID *uuid.UUID
	)
	for page := 0; page < n; page++ {
		q := model.Query{Windowing: model.Windowing{Limit: 2, Next: next, NextID: nextID}}
		spans, err := testDB.QuerySpans(ctx, project, q)
		require.NoError(t, err)
		if len(spans) == 0 {
			break
		}
		for _, s := range spans {
			assert.False(t, seen[s.SpanID], "span %s returned twice", s.SpanID)
			seen[s.SpanID] = true
		}
		last := spans[len(spans)-1]
		cursor, cursorID := last.StartTime, last.SpanID
		next, nextID = &cursor, &cursorID
	}
	assert.Len(t, seen, n, "pagination must visit every span exactly once")
}

func TestQuerySpansNumericMembershipFilter(t *testing.T) {
	ctx := context.Background()
	project := newProject()

	for i, tokens := range []float64{10, 20, 100} {
		mustIngest(t, project, tokenSpan(base.Add(time.Duration(i)*time.Minute), tokens, "ok"))
	}

	spans, err := testDB.QuerySpans(ctx, project, model.Query{
		Filtering: &model.Filtering{
			Operator: model.LogicalAnd,
			Conditions: []model.FilterNode{
				{Condition: &model.Condition{
					Field:    "attributes",
					Key:      "metrics.acc.tokens.total",
					Value:    []any{float64(10), float64(20)},
					Operator: model.OperatorIn,
				}},
			},
		},
	})
	require.NoError(t, err)
	assert.Len(t, spans, 2)
}
