package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/agenta-ai/tracequery/internal/model"
	"github.com/agenta-ai/tracequery/internal/storage"
	"github.com/agenta-ai/tracequery/internal/testutil"
)

var testDB *storage.DB

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

	os.Exit(m.Run())
}

// Each test uses its own project so tests never see each other's spans.
func newProject() uuid.UUID { return uuid.New() }

var testActor = uuid.New()

func newSpan(traceID uuid.UUID, name string, start time.Time, dur time.Duration) model.Span {
	return model.Span{
		TraceID:    traceID,
		SpanID:     uuid.New(),
		SpanName:   name,
		SpanKind:   model.SpanKindInternal,
		StartTime:  start,
		EndTime:    start.Add(dur),
		StatusCode: model.StatusCodeOK,
	}
}

func mustIngest(t *testing.T, projectID uuid.UUID, spans ...model.Span) {
	t.Helper()
	_, err := testDB.IngestSpans(context.Background(), projectID, testActor, spans)
	require.NoError(t, err)
}
