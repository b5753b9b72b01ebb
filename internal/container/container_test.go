package container

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/attemptengine/core/internal/gitintegration"
	"github.com/attemptengine/core/internal/store"
	"github.com/attemptengine/core/internal/types"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "init", "-b", "main")
	run(t, dir, "config", "user.email", "test@example.com")
	run(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run(t, dir, "add", "-A")
	run(t, dir, "commit", "-m", "initial")
	return dir
}

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
	return string(out)
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return New(store.NewMemoryStore(), gitintegration.New(), zap.NewNop().Sugar(), Config{WorktreeBaseDir: t.TempDir()}, nil, nil)
}

func TestGitSafeTitle(t *testing.T) {
	require.Equal(t, "fix-the-login-bug", gitSafeTitle("Fix the login bug!"))
	require.Equal(t, "task", gitSafeTitle("   "))
}

func TestBranchNameForIsUniqueAndPrefixed(t *testing.T) {
	a := branchNameFor("My Task")
	b := branchNameFor("My Task")
	require.NotEqual(t, a, b)
	require.Contains(t, a, "ae-")
	require.Contains(t, a, "my-task")
}

func TestCreateThenEnsureContainerExistsIsIdempotent(t *testing.T) {
	repo := initRepo(t)
	svc := newTestService(t)
	ctx := context.Background()

	attempt := types.TaskAttempt{ID: "a1"}
	attempt, err := svc.Create(ctx, attempt, repo, "Do the thing")
	require.NoError(t, err)
	require.NotEmpty(t, attempt.ContainerRef)
	require.Contains(t, attempt.Branch, "ae-")

	again, err := svc.EnsureContainerExists(ctx, attempt, repo)
	require.NoError(t, err)
	require.Equal(t, attempt.ContainerRef, again.ContainerRef)
}

func TestEnsureContainerExistsRecreatesDeletedWorktree(t *testing.T) {
	repo := initRepo(t)
	svc := newTestService(t)
	ctx := context.Background()

	attempt := types.TaskAttempt{ID: "a2"}
	attempt, err := svc.Create(ctx, attempt, repo, "Another task")
	require.NoError(t, err)

	svc.Delete(ctx, attempt, repo)
	attempt.WorktreeDeleted = true

	recreated, err := svc.EnsureContainerExists(ctx, attempt, repo)
	require.NoError(t, err)
	require.False(t, recreated.WorktreeDeleted)
	_, statErr := os.Stat(recreated.ContainerRef)
	require.NoError(t, statErr)
}

func TestStartExecutionRunsScriptToCompletion(t *testing.T) {
	repo := initRepo(t)
	svc := newTestService(t)
	ctx := context.Background()

	attempt := types.TaskAttempt{ID: "a3"}
	attempt, err := svc.Create(ctx, attempt, repo, "Script task")
	require.NoError(t, err)

	act := types.ExecutorAction{
		Kind:   types.ActionScript,
		Script: &types.ScriptAction{Source: "echo hi"},
	}
	proc, err := svc.StartExecution(ctx, attempt, act, "setup")
	require.NoError(t, err)
	require.Equal(t, types.StatusRunning, proc.Status)

	require.Eventually(t, func() bool {
		p, err := svc.store.Processes.Get(ctx, proc.ID)
		return err == nil && p.Status != types.StatusRunning
	}, 3*time.Second, 20*time.Millisecond)

	final, err := svc.store.Processes.Get(ctx, proc.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, final.Status)
	require.NotNil(t, final.ExitCode)
	require.Equal(t, 0, *final.ExitCode)
}

func TestStopExecutionOnUnknownProcessIsNoop(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.StopExecution("does-not-exist"))
}

func TestStopExecutionKillsRunningProcessAsKilled(t *testing.T) {
	repo := initRepo(t)
	svc := newTestService(t)
	ctx := context.Background()

	attempt := types.TaskAttempt{ID: "a4"}
	attempt, err := svc.Create(ctx, attempt, repo, "Sleep task")
	require.NoError(t, err)

	act := types.ExecutorAction{
		Kind:   types.ActionScript,
		Script: &types.ScriptAction{Source: "sleep 60"},
	}
	proc, err := svc.StartExecution(ctx, attempt, act, "setup")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		svc.mu.RLock()
		_, ok := svc.handles[proc.ID]
		svc.mu.RUnlock()
		return ok
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, svc.StopExecution(proc.ID))

	require.Eventually(t, func() bool {
		p, err := svc.store.Processes.Get(ctx, proc.ID)
		return err == nil && p.Status == types.StatusKilled
	}, 8*time.Second, 50*time.Millisecond)
}

func TestReconcileCrashedProcessesSweepsRunningToFailed(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	attempt, err := svc.store.Attempts.Create(ctx, types.TaskAttempt{})
	require.NoError(t, err)
	proc, err := svc.store.Processes.Create(ctx, types.ExecutionProcess{
		AttemptID: attempt.ID,
		Kind:      types.KindCodingAgent,
		Status:    types.StatusRunning,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	swept, err := svc.ReconcileCrashedProcesses(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	got, err := svc.store.Processes.Get(ctx, proc.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, got.Status)
	require.Nil(t, got.ExitCode)
	require.NotNil(t, got.CompletedAt)
}

func TestReconcileCrashedProcessesIsNoopWhenNoneRunning(t *testing.T) {
	svc := newTestService(t)
	swept, err := svc.ReconcileCrashedProcesses(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, swept)
}
