package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/attemptengine/core/internal/container"
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

type fakeGitHub struct {
	number int
	url    string
	err    error
}

func (f fakeGitHub) CreatePR(ctx context.Context, repoPath, head, base, title, body string) (int, string, error) {
	return f.number, f.url, f.err
}

type fakeBrowser struct{ opened []string }

func (f *fakeBrowser) Open(url string) error {
	f.opened = append(f.opened, url)
	return nil
}

func newTestService(t *testing.T) (*Service, *store.Store, string) {
	t.Helper()
	repo := initRepo(t)
	st := store.NewMemoryStore()
	git := gitintegration.New()
	cont := container.New(st, git, zap.NewNop().Sugar(), container.Config{WorktreeBaseDir: t.TempDir()}, nil, nil)
	svc := New(st, git, cont, zap.NewNop().Sugar(), fakeGitHub{number: 7, url: "https://github.com/o/r/pull/7"}, &fakeBrowser{})
	return svc, st, repo
}

func seedProject(t *testing.T, st *store.Store, ctx context.Context, repoPath string) types.Project {
	t.Helper()
	p, err := st.Projects.Create(ctx, types.Project{RepoPath: repoPath})
	require.NoError(t, err)
	return p
}

func seedTask(t *testing.T, st *store.Store, ctx context.Context, projectID string) types.Task {
	t.Helper()
	task, err := st.Tasks.Create(ctx, types.Task{ProjectID: projectID, Title: "Fix the bug", Status: types.TaskTodo})
	require.NoError(t, err)
	return task
}

func TestCreateAttemptDispatchesInitialAction(t *testing.T) {
	ctx := context.Background()
	svc, st, repo := newTestService(t)

	project := seedProject(t, st, ctx, repo)
	task := seedTask(t, st, ctx, project.ID)

	attempt, err := svc.CreateAttempt(ctx, task.ID, types.ExecutorProfile{Vendor: "claude"}, "main")
	require.NoError(t, err)
	require.NotEmpty(t, attempt.ContainerRef)
	require.Contains(t, attempt.Branch, "ae-")

	procs, err := st.Processes.ListByAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	require.Equal(t, types.KindCodingAgent, procs[0].Kind)
}

func TestStopOnAttemptWithNoRunningProcessIsNoop(t *testing.T) {
	ctx := context.Background()
	svc, st, repo := newTestService(t)
	project := seedProject(t, st, ctx, repo)
	task := seedTask(t, st, ctx, project.ID)
	attempt, err := st.Attempts.Create(ctx, types.TaskAttempt{TaskID: task.ID, BaseBranchRef: "main"})
	require.NoError(t, err)

	require.NoError(t, svc.Stop(ctx, attempt.ID))
}

func TestMergeRecordsDirectMergeAndMarksTaskDone(t *testing.T) {
	ctx := context.Background()
	svc, st, repo := newTestService(t)
	project := seedProject(t, st, ctx, repo)
	task := seedTask(t, st, ctx, project.ID)

	attempt, err := st.Attempts.Create(ctx, types.TaskAttempt{TaskID: task.ID, BaseBranchRef: "main"})
	require.NoError(t, err)
	attempt, err = svc.container.Create(ctx, attempt, repo, task.Title)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(attempt.ContainerRef, "feature.txt"), []byte("work\n"), 0o644))
	run(t, attempt.ContainerRef, "add", "-A")
	run(t, attempt.ContainerRef, "commit", "-m", "add feature")

	merged, err := svc.Merge(ctx, attempt.ID)
	require.NoError(t, err)
	require.NotNil(t, merged.Merge)
	require.Equal(t, types.MergeDirect, merged.Merge.Kind)
	require.NotEmpty(t, merged.MergeCommitID)

	gotTask, err := st.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, types.TaskDone, gotTask.Status)
}

func TestCreateGithubPrRecordsOpenPrAndOpensBrowser(t *testing.T) {
	ctx := context.Background()
	svc, st, repo := newTestService(t)
	project := seedProject(t, st, ctx, repo)
	task := seedTask(t, st, ctx, project.ID)

	attempt, err := st.Attempts.Create(ctx, types.TaskAttempt{TaskID: task.ID, BaseBranchRef: "main"})
	require.NoError(t, err)
	attempt, err = svc.container.Create(ctx, attempt, repo, task.Title)
	require.NoError(t, err)

	run(t, repo, "remote", "add", "origin", repo)

	got, err := svc.CreateGithubPR(ctx, attempt.ID, CreatePROptions{Title: "Fix the bug"})
	require.NoError(t, err)
	require.NotNil(t, got.Merge)
	require.Equal(t, types.MergePR, got.Merge.Kind)
	require.Equal(t, types.PROpen, got.Merge.PRStatus)
	require.Equal(t, 7, got.Merge.PRNumber)

	browser := svc.browser.(*fakeBrowser)
	require.Contains(t, browser.opened, "https://github.com/o/r/pull/7")
}

func TestRenameBranchRejectsEmptyName(t *testing.T) {
	ctx := context.Background()
	svc, st, repo := newTestService(t)
	project := seedProject(t, st, ctx, repo)
	task := seedTask(t, st, ctx, project.ID)
	attempt, err := st.Attempts.Create(ctx, types.TaskAttempt{TaskID: task.ID, BaseBranchRef: "main"})
	require.NoError(t, err)
	attempt, err = svc.container.Create(ctx, attempt, repo, task.Title)
	require.NoError(t, err)

	_, err = svc.RenameBranch(ctx, attempt.ID, "  ")
	require.ErrorIs(t, err, types.ErrInvalidBranchName)
}

func TestRenameBranchRepointsChildAttempts(t *testing.T) {
	ctx := context.Background()
	svc, st, repo := newTestService(t)
	project := seedProject(t, st, ctx, repo)
	task := seedTask(t, st, ctx, project.ID)

	parent, err := st.Attempts.Create(ctx, types.TaskAttempt{TaskID: task.ID, BaseBranchRef: "main"})
	require.NoError(t, err)
	parent, err = svc.container.Create(ctx, parent, repo, task.Title)
	require.NoError(t, err)

	child, err := st.Attempts.Create(ctx, types.TaskAttempt{TaskID: task.ID, BaseBranchRef: parent.Branch})
	require.NoError(t, err)

	renamed, err := svc.RenameBranch(ctx, parent.ID, "renamed-branch")
	require.NoError(t, err)
	require.Equal(t, "renamed-branch", renamed.Branch)

	gotChild, err := st.Attempts.Get(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, "renamed-branch", gotChild.BaseBranchRef)
}

func TestBranchStatusReportsCleanWorktree(t *testing.T) {
	ctx := context.Background()
	svc, st, repo := newTestService(t)
	project := seedProject(t, st, ctx, repo)
	task := seedTask(t, st, ctx, project.ID)
	attempt, err := st.Attempts.Create(ctx, types.TaskAttempt{TaskID: task.ID, BaseBranchRef: "main"})
	require.NoError(t, err)
	attempt, err = svc.container.Create(ctx, attempt, repo, task.Title)
	require.NoError(t, err)

	status, err := svc.BranchStatus(ctx, attempt.ID)
	require.NoError(t, err)
	require.False(t, status.HasUncommitted)
	require.False(t, status.IsRebaseInProgress)
	require.NotEmpty(t, status.HeadOID)
}
