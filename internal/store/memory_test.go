package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/attemptengine/core/internal/types"
)

func TestMemoryProcessesListByAttemptOrderedAndDropped(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p1 := types.ExecutionProcess{ID: "p1", AttemptID: "a1", CreatedAt: base}
	p2 := types.ExecutionProcess{ID: "p2", AttemptID: "a1", CreatedAt: base.Add(time.Minute)}
	p3 := types.ExecutionProcess{ID: "p3", AttemptID: "a1", CreatedAt: base.Add(2 * time.Minute)}
	for _, p := range []types.ExecutionProcess{p2, p1, p3} {
		_, err := st.Processes.Create(ctx, p)
		require.NoError(t, err)
	}

	got, err := st.Processes.ListByAttempt(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []string{"p1", "p2", "p3"}, []string{got[0].ID, got[1].ID, got[2].ID})

	require.NoError(t, st.Processes.SoftDrop(ctx, []string{"p2", "p3"}))
	got, err = st.Processes.ListByAttempt(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "p1", got[0].ID)
}

func TestMemoryProcessesListRunning(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	_, err := st.Processes.Create(ctx, types.ExecutionProcess{ID: "p1", Status: types.StatusRunning})
	require.NoError(t, err)
	_, err = st.Processes.Create(ctx, types.ExecutionProcess{ID: "p2", Status: types.StatusCompleted})
	require.NoError(t, err)

	running, err := st.Processes.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, "p1", running[0].ID)
}

func TestMemoryAttemptsGetNotFound(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	_, err := st.Attempts.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySessionsCreateThenUpdate(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	sess := types.ExecutorSession{ProcessID: "p1", SessionID: "s1", Prompt: "do it"}
	_, err := st.Sessions.Create(ctx, sess)
	require.NoError(t, err)

	sess.Summary = "did it"
	updated, err := st.Sessions.Update(ctx, sess)
	require.NoError(t, err)
	require.Equal(t, "did it", updated.Summary)

	_, err = st.Sessions.Update(ctx, types.ExecutorSession{ProcessID: "unknown"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTasksListByProjectSorted(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	_, err := st.Tasks.Create(ctx, types.Task{ID: "t2", ProjectID: "proj"})
	require.NoError(t, err)
	_, err = st.Tasks.Create(ctx, types.Task{ID: "t1", ProjectID: "proj"})
	require.NoError(t, err)
	_, err = st.Tasks.Create(ctx, types.Task{ID: "t3", ProjectID: "other"})
	require.NoError(t, err)

	got, err := st.Tasks.ListByProject(ctx, "proj")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "t1", got[0].ID)
	require.Equal(t, "t2", got[1].ID)
}
