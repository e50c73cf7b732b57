package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenta-ai/tracequery/internal/model"
)

func sessionSpan(session string, start time.Time) model.Span {
	s := newSpan(uuid.New(), "turn", start, time.Second)
	s.Attributes = map[string]any{
		"meta": map[string]any{
			"session": map[string]any{"id": session},
			"user":    map[string]any{"id": "user-" + session},
		},
	}
	return s
}

func TestSessionsStableVsRealtime(t *testing.T) {
	ctx := context.Background()
	project := newProject()
	anchor := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	// session-a spans the whole hour, session-b starts and ends in the middle.
	mustIngest(t, project,
		sessionSpan("session-a", anchor),
		sessionSpan("session-b", anchor.Add(20*time.Minute)),
		sessionSpan("session-b", anchor.Add(30*time.Minute)),
		sessionSpan("session-a", anchor.Add(50*time.Minute)),
	)

	// Stable mode anchors at first-seen, newest first: a (09:00) after b (09:20).
	ids, cursor, err := testDB.Sessions(ctx, project, false, model.Windowing{})
	require.NoError(t, err)
	assert.Equal(t, []string{"session-b", "session-a"}, ids)
	require.NotNil(t, cursor)
	assert.True(t, cursor.Equal(anchor), "cursor is the last row's picked timestamp")

	// Realtime mode anchors at last-seen: a (09:50) before b (09:30).
	ids, _, err = testDB.Sessions(ctx, project, true, model.Windowing{})
	require.NoError(t, err)
	assert.Equal(t, []string{"session-a", "session-b"}, ids)
}

func TestSessionsPagination(t *testing.T) {
	ctx := context.Background()
	project := newProject()
	anchor := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)

	const n = 5
	for i := 0; i < n; i++ {
		mustIngest(t, project, sessionSpan(string(rune('a'+i)), anchor.Add(time.Duration(i)*time.Minute)))
	}

	seen := make(map[string]bool)
	var next *time.Time
	for page := 0; page < n; page++ {
		ids, cursor, err := testDB.Sessions(ctx, project, false, model.Windowing{Limit: 2, Next: next})
		require.NoError(t, err)
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			assert.False(t, seen[id], "session %q returned twice", id)
			seen[id] = true
		}
		next = cursor
	}
	assert.Len(t, seen, n)
}

func TestSessionsWindowBounds(t *testing.T) {
	ctx := context.Background()
	project := newProject()
	anchor := time.Date(2026, 5, 3, 9, 0, 0, 0, time.UTC)

	mustIngest(t, project,
		sessionSpan("inside", anchor.Add(10*time.Minute)),
		sessionSpan("outside", anchor.Add(2*time.Hour)),
	)

	oldest, newest := anchor, anchor.Add(time.Hour)
	ids, _, err := testDB.Sessions(ctx, project, false, model.Windowing{Oldest: &oldest, Newest: &newest})
	require.NoError(t, err)
	assert.Equal(t, []string{"inside"}, ids)
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	project := newProject()
	anchor := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	mustIngest(t, project,
		sessionSpan("s1", anchor),
		sessionSpan("s2", anchor.Add(time.Minute)),
	)
	// A span without identity attributes contributes nothing.
	mustIngest(t, project, newSpan(uuid.New(), "anonymous", anchor.Add(2*time.Minute), time.Second))

	ids, _, err := testDB.Users(ctx, project, false, model.Windowing{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user-s1", "user-s2"}, ids)
}
