package gitintegration

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "init", "-b", "main")
	run(t, dir, "config", "user.email", "test@example.com")
	run(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run(t, dir, "add", "-A")
	run(t, dir, "commit", "-m", "initial")
	return dir
}

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

func TestCreateAndCleanupWorktree(t *testing.T) {
	repo := initRepo(t)
	wt := filepath.Join(t.TempDir(), "wt")
	svc := New()
	ctx := context.Background()

	if err := svc.CreateWorktree(ctx, repo, "feature/x", wt, ""); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if _, err := os.Stat(filepath.Join(wt, "README.md")); err != nil {
		t.Fatalf("worktree missing checked-out files: %v", err)
	}

	if err := svc.CleanupWorktree(ctx, repo, wt); err != nil {
		t.Fatalf("CleanupWorktree: %v", err)
	}
	if _, err := os.Stat(wt); !os.IsNotExist(err) {
		t.Errorf("want worktree dir removed, got err=%v", err)
	}
}

func TestCreateWorktreeConflictOnExistingPath(t *testing.T) {
	repo := initRepo(t)
	wt := filepath.Join(t.TempDir(), "wt")
	svc := New()
	ctx := context.Background()

	if err := svc.CreateWorktree(ctx, repo, "feature/a", wt, ""); err != nil {
		t.Fatalf("first CreateWorktree: %v", err)
	}
	if err := svc.CreateWorktree(ctx, repo, "feature/b", wt, ""); err == nil {
		t.Error("want WorktreeConflict error for existing path, got nil")
	}
}

func TestGetWorktreeChangeCounts(t *testing.T) {
	repo := initRepo(t)
	wt := filepath.Join(t.TempDir(), "wt")
	svc := New()
	ctx := context.Background()
	if err := svc.CreateWorktree(ctx, repo, "feature/c", wt, ""); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}

	if err := os.WriteFile(filepath.Join(wt, "README.md"), []byte("changed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(wt, "new.txt"), []byte("new\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	counts, err := svc.GetWorktreeChangeCounts(ctx, wt)
	if err != nil {
		t.Fatalf("GetWorktreeChangeCounts: %v", err)
	}
	if counts.Uncommitted != 1 || counts.Untracked != 1 {
		t.Errorf("want 1 uncommitted + 1 untracked, got %+v", counts)
	}
}

func TestGetBranchStatusAheadBehind(t *testing.T) {
	repo := initRepo(t)
	wt := filepath.Join(t.TempDir(), "wt")
	svc := New()
	ctx := context.Background()
	if err := svc.CreateWorktree(ctx, repo, "feature/d", wt, ""); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}

	run(t, wt, "commit", "--allow-empty", "-m", "attempt commit")
	status, err := svc.GetBranchStatus(ctx, repo, "feature/d", "main")
	if err != nil {
		t.Fatalf("GetBranchStatus: %v", err)
	}
	if status.Ahead != 1 || status.Behind != 0 {
		t.Errorf("want ahead=1 behind=0, got %+v", status)
	}
}

func TestMergeChangesCommitsDirtyStateThenMerges(t *testing.T) {
	repo := initRepo(t)
	wt := filepath.Join(t.TempDir(), "wt")
	svc := New()
	ctx := context.Background()
	if err := svc.CreateWorktree(ctx, repo, "feature/e", wt, ""); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wt, "feature.txt"), []byte("work\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	commitID, err := svc.MergeChanges(ctx, repo, wt, "feature/e", "main", "merge feature/e")
	if err != nil {
		t.Fatalf("MergeChanges: %v", err)
	}
	if commitID == "" {
		t.Error("want non-empty merge commit id")
	}
	if _, err := os.Stat(filepath.Join(repo, "feature.txt")); err != nil {
		t.Errorf("want merged file present in repo_path, got %v", err)
	}
}

func TestRebaseBranchReplaysOntoNewBase(t *testing.T) {
	repo := initRepo(t)
	wt := filepath.Join(t.TempDir(), "wt")
	svc := New()
	ctx := context.Background()
	if err := svc.CreateWorktree(ctx, repo, "feature/f", wt, ""); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	run(t, wt, "commit", "--allow-empty", "-m", "task work")

	run(t, repo, "commit", "--allow-empty", "-m", "upstream change")

	if err := svc.RebaseBranch(ctx, repo, wt, "main", "main", "feature/f"); err != nil {
		t.Fatalf("RebaseBranch: %v", err)
	}
	status, err := svc.GetBranchStatus(ctx, repo, "feature/f", "main")
	if err != nil {
		t.Fatalf("GetBranchStatus: %v", err)
	}
	if status.Behind != 0 {
		t.Errorf("want rebased branch not behind main, got %+v", status)
	}
}

func TestGetEnhancedDiffAgainstBaseBranch(t *testing.T) {
	repo := initRepo(t)
	wt := filepath.Join(t.TempDir(), "wt")
	svc := New()
	ctx := context.Background()
	if err := svc.CreateWorktree(ctx, repo, "feature/g", wt, ""); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wt, "README.md"), []byte("hello\nworld\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run(t, wt, "add", "-A")
	run(t, wt, "commit", "-m", "edit readme")

	diff, err := svc.GetEnhancedDiff(ctx, repo, wt, "", "main", nil)
	if err != nil {
		t.Fatalf("GetEnhancedDiff: %v", err)
	}
	if len(diff.Files) != 1 || diff.Files[0].Path != "README.md" {
		t.Fatalf("want single README.md diff, got %+v", diff.Files)
	}
}

func TestParseGitHubRemote(t *testing.T) {
	cases := []struct {
		remote string
		owner  string
		repo   string
	}{
		{"git@github.com:acme/widgets.git", "acme", "widgets"},
		{"https://github.com/acme/widgets.git", "acme", "widgets"},
		{"https://github.com/acme/widgets", "acme", "widgets"},
	}
	for _, c := range cases {
		info, err := parseGitHubRemote(c.remote)
		if err != nil {
			t.Fatalf("parseGitHubRemote(%q): %v", c.remote, err)
		}
		if info.Owner != c.owner || info.Repo != c.repo {
			t.Errorf("parseGitHubRemote(%q) = %+v, want {%s %s}", c.remote, info, c.owner, c.repo)
		}
	}
}

func TestCommitMessageForConvention(t *testing.T) {
	got := CommitMessageFor("Fix login bug", "a1b2c3d4-e5f6-7890-abcd-ef0123456789", "")
	want := "Fix login bug (attemptengine a1b2c3d4)"
	if got != want {
		t.Errorf("CommitMessageFor() = %q, want %q", got, want)
	}
}
