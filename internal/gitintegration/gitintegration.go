// Package gitintegration owns every mutation of on-disk git state and every
// read-only derivation (status, diff, conflict inspection) the engine needs.
// It shells out to the git executable directly, the way a user's own
// credential helpers and hooks expect, rather than linking a git library.
package gitintegration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/attemptengine/core/internal/types"
)

// Service runs git operations for a single repository checkout. One Service
// is shared across every attempt of a project; all mutating operations
// serialize on mu since concurrent worktree/branch mutations against the
// same repo_path can corrupt git's index.
type Service struct {
	mu sync.Mutex
}

// New constructs a Service.
func New() *Service { return &Service{} }

// DefaultWorktreeBaseDir returns the OS-specific base directory worktrees
// are created under, per spec.md §4.3.
func DefaultWorktreeBaseDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("TEMP"), "attemptengine")
	case "darwin":
		dir := os.Getenv("TMPDIR")
		if dir == "" {
			dir = os.TempDir()
		}
		return filepath.Join(dir, "attemptengine")
	default:
		return "/var/tmp/attemptengine"
	}
}

// FileDiffOp tags one chunk of a FileDiff.
type FileDiffOp string

const (
	DiffEqual  FileDiffOp = "Equal"
	DiffInsert FileDiffOp = "Insert"
	DiffDelete FileDiffOp = "Delete"
)

// DiffChunk is one hunk of a file's diff.
type DiffChunk struct {
	Op      FileDiffOp
	Content string
}

// FileDiff is the enhanced diff for a single file.
type FileDiff struct {
	Path   string
	Chunks []DiffChunk
}

// EnhancedDiff is the result of GetEnhancedDiff.
type EnhancedDiff struct {
	Files []FileDiff
}

// BranchStatus reports how far a task branch has diverged from its base.
type BranchStatus struct {
	Ahead  int
	Behind int
}

// ChangeCounts reports a worktree's dirty-state size.
type ChangeCounts struct {
	Uncommitted int
	Untracked   int
}

// CreateWorktree resolves the effective base (baseBranchRef, or current
// HEAD if empty), creates newBranchName from it, and attaches a worktree at
// worktreePath.
func (s *Service) CreateWorktree(ctx context.Context, repoPath, newBranchName, worktreePath, baseBranchRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := baseBranchRef
	if base == "" {
		head, err := s.output(ctx, repoPath, "rev-parse", "HEAD")
		if err != nil {
			return fmt.Errorf("%w: resolve HEAD: %w", types.ErrGitNotAvailable, err)
		}
		base = strings.TrimSpace(head)
	} else if _, err := s.output(ctx, repoPath, "rev-parse", "--verify", base); err != nil {
		return fmt.Errorf("%w: %s", types.ErrBranchNotFound, base)
	}

	if _, err := os.Stat(worktreePath); err == nil {
		return fmt.Errorf("%w: %s already exists", types.ErrWorktreeConflict, worktreePath)
	}
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return fmt.Errorf("attemptengine: create worktree parent dir: %w", err)
	}

	if _, err := s.output(ctx, repoPath, "worktree", "add", "-b", newBranchName, worktreePath, base); err != nil {
		return fmt.Errorf("attemptengine: create worktree: %w", err)
	}
	return nil
}

// RecreateWorktreeFromBranch attaches an existing local branch to
// worktreePath, used when the original worktree directory was deleted out
// from under the engine but the branch (and any vendor session state keyed
// to the path) must keep resolving at the same location.
func (s *Service) RecreateWorktreeFromBranch(ctx context.Context, repoPath, branchName, worktreePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.output(ctx, repoPath, "rev-parse", "--verify", branchName); err != nil {
		return fmt.Errorf("%w: %s", types.ErrBranchNotFound, branchName)
	}
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return fmt.Errorf("attemptengine: create worktree parent dir: %w", err)
	}
	if _, err := s.output(ctx, repoPath, "worktree", "add", worktreePath, branchName); err != nil {
		return fmt.Errorf("attemptengine: recreate worktree: %w", err)
	}
	return nil
}

// CleanupWorktree removes the worktree registration and any leftover
// directory. Idempotent: a worktree that is already gone is not an error.
func (s *Service) CleanupWorktree(ctx context.Context, repoPath, worktreePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if repoPath != "" {
		_, _ = s.output(ctx, repoPath, "worktree", "remove", "--force", worktreePath)
	}
	if err := os.RemoveAll(worktreePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("attemptengine: remove worktree dir: %w", err)
	}
	if repoPath != "" {
		_, _ = s.output(ctx, repoPath, "worktree", "prune")
	}
	return nil
}

// GetEnhancedDiff computes a file-by-file diff. If mergeCommit is non-empty
// the diff is mergeCommit^..mergeCommit (immutable, for a merged attempt);
// otherwise it is worktreePath's working tree against baseBranchRef.
// filterPaths, if non-empty, restricts the diff to those paths.
func (s *Service) GetEnhancedDiff(ctx context.Context, repoPath, worktreePath, mergeCommit, baseBranchRef string, filterPaths []string) (*EnhancedDiff, error) {
	args := []string{"diff", "--no-color"}
	dir := repoPath
	if mergeCommit != "" {
		args = append(args, mergeCommit+"^", mergeCommit)
	} else {
		dir = worktreePath
		args = append(args, baseBranchRef)
	}
	if len(filterPaths) > 0 {
		args = append(args, "--")
		args = append(args, filterPaths...)
	}

	raw, err := s.output(ctx, dir, args...)
	if err != nil {
		return nil, fmt.Errorf("attemptengine: diff: %w", err)
	}
	return &EnhancedDiff{Files: parseUnifiedDiff(raw)}, nil
}

// GetBranchStatus reports how taskBranch has diverged from baseBranch.
func (s *Service) GetBranchStatus(ctx context.Context, repoPath, taskBranch, baseBranch string) (BranchStatus, error) {
	out, err := s.output(ctx, repoPath, "rev-list", "--left-right", "--count", baseBranch+"..."+taskBranch)
	if err != nil {
		return BranchStatus{}, fmt.Errorf("attemptengine: ahead/behind: %w", err)
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return BranchStatus{}, fmt.Errorf("attemptengine: unexpected rev-list output: %q", out)
	}
	behind, err1 := strconv.Atoi(fields[0])
	ahead, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil {
		return BranchStatus{}, fmt.Errorf("attemptengine: parse rev-list counts: %q", out)
	}
	return BranchStatus{Ahead: ahead, Behind: behind}, nil
}

// GetWorktreeChangeCounts reports how many files are uncommitted
// (tracked, modified) versus untracked in worktreePath.
func (s *Service) GetWorktreeChangeCounts(ctx context.Context, worktreePath string) (ChangeCounts, error) {
	out, err := s.output(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return ChangeCounts{}, fmt.Errorf("attemptengine: status: %w", err)
	}
	var counts ChangeCounts
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "??") {
			counts.Untracked++
		} else {
			counts.Uncommitted++
		}
	}
	return counts, nil
}

// CommitMessageFor builds the merge commit message convention:
// "<task title> (attemptengine <first-uuid-segment>)" followed by a blank
// line and the description, if present.
func CommitMessageFor(taskTitle, attemptID, description string) string {
	segment := attemptID
	if i := strings.IndexByte(attemptID, '-'); i >= 0 {
		segment = attemptID[:i]
	}
	msg := fmt.Sprintf("%s (attemptengine %s)", taskTitle, segment)
	if description != "" {
		msg += "\n\n" + description
	}
	return msg
}

// CommitDirtyChanges commits any uncommitted or untracked state in
// worktreePath using message as the commit subject. A no-op when the
// worktree is already clean, matching try_commit_changes's "commit with
// the session summary, if there's anything to commit" contract.
func (s *Service) CommitDirtyChanges(ctx context.Context, worktreePath, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitDirtyLocked(ctx, worktreePath, message)
}

// MergeChanges first commits any dirty state in worktreePath (using
// message as the commit subject if a commit is needed), then merges
// taskBranch into targetBranch in repoPath. Returns the resulting commit id.
func (s *Service) MergeChanges(ctx context.Context, repoPath, worktreePath, taskBranch, targetBranch, message string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.commitDirtyLocked(ctx, worktreePath, message); err != nil {
		return "", err
	}

	if _, err := s.output(ctx, repoPath, "checkout", targetBranch); err != nil {
		return "", fmt.Errorf("%w: %s", types.ErrBranchNotFound, targetBranch)
	}
	if _, err := s.output(ctx, repoPath, "merge", "--no-edit", "-m", message, taskBranch); err != nil {
		conflicted, _ := s.conflictedFilesLocked(ctx, repoPath)
		return "", &types.MergeConflictsError{Op: types.ConflictOpMerge, ConflictedFiles: conflicted, Detail: err.Error()}
	}

	commitID, err := s.output(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("attemptengine: resolve merge commit: %w", err)
	}
	return strings.TrimSpace(commitID), nil
}

// RebaseBranch replays commits in (oldBase..taskBranch] onto newBase.
func (s *Service) RebaseBranch(ctx context.Context, repoPath, worktreePath, newBase, oldBase, taskBranch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inProgress, _ := s.isRebaseInProgressLocked(worktreePath); inProgress {
		return types.ErrRebaseInProgress
	}

	if _, err := s.output(ctx, worktreePath, "checkout", taskBranch); err != nil {
		return fmt.Errorf("%w: %s", types.ErrBranchNotFound, taskBranch)
	}
	if _, err := s.output(ctx, worktreePath, "rebase", "--onto", newBase, oldBase, taskBranch); err != nil {
		conflicted, _ := s.conflictedFilesLocked(ctx, worktreePath)
		return &types.MergeConflictsError{Op: types.ConflictOpRebase, ConflictedFiles: conflicted, Detail: err.Error()}
	}
	return nil
}

// IsRebaseInProgress reports whether worktree has an unresolved rebase.
func (s *Service) IsRebaseInProgress(worktree string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRebaseInProgressLocked(worktree)
}

// gitDirLocked resolves worktree's git directory. In a linked worktree
// `.git` is a file, so git itself is asked; worktree/.git is the fallback.
func (s *Service) gitDirLocked(worktree string) string {
	out, err := s.output(context.Background(), worktree, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return filepath.Join(worktree, ".git")
	}
	return strings.TrimSpace(out)
}

func (s *Service) isRebaseInProgressLocked(worktree string) (bool, error) {
	gitDir := s.gitDirLocked(worktree)
	for _, dir := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(gitDir, dir)); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// AbortConflicts aborts whichever conflicted operation (rebase, merge, or
// cherry-pick) is in progress in worktree.
func (s *Service) AbortConflicts(ctx context.Context, worktree string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, err := s.detectConflictOpLocked(worktree)
	if err != nil || op == "" {
		return err
	}
	var abortArgs []string
	switch op {
	case types.ConflictOpRebase:
		abortArgs = []string{"rebase", "--abort"}
	case types.ConflictOpMerge:
		abortArgs = []string{"merge", "--abort"}
	case types.ConflictOpCherryPick:
		abortArgs = []string{"cherry-pick", "--abort"}
	}
	_, err = s.output(ctx, worktree, abortArgs...)
	return err
}

// GetConflictedFiles lists files with unresolved merge conflicts.
func (s *Service) GetConflictedFiles(ctx context.Context, worktree string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conflictedFilesLocked(ctx, worktree)
}

func (s *Service) conflictedFilesLocked(ctx context.Context, worktree string) ([]string, error) {
	out, err := s.output(ctx, worktree, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("attemptengine: list conflicted files: %w", err)
	}
	return splitNonEmpty(out), nil
}

// DetectConflictOp reports which kind of operation (if any) left worktree
// in a conflicted state.
func (s *Service) DetectConflictOp(worktree string) (types.ConflictOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detectConflictOpLocked(worktree)
}

func (s *Service) detectConflictOpLocked(worktree string) (types.ConflictOp, error) {
	if inProgress, _ := s.isRebaseInProgressLocked(worktree); inProgress {
		return types.ConflictOpRebase, nil
	}
	gitDir := s.gitDirLocked(worktree)
	if _, err := os.Stat(filepath.Join(gitDir, "MERGE_HEAD")); err == nil {
		return types.ConflictOpMerge, nil
	}
	if _, err := os.Stat(filepath.Join(gitDir, "CHERRY_PICK_HEAD")); err == nil {
		return types.ConflictOpCherryPick, nil
	}
	return "", nil
}

// RenameLocalBranch renames a branch in worktreePath from oldID to newID.
func (s *Service) RenameLocalBranch(ctx context.Context, worktreePath, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.output(ctx, worktreePath, "branch", "-m", oldID, newID); err != nil {
		return fmt.Errorf("%w: rename %s to %s: %w", types.ErrInvalidBranchName, oldID, newID, err)
	}
	return nil
}

// PushToGitHub pushes branchID to origin, delegating to the git executable
// so credential helpers and SSH agents behave exactly as they do for the
// user's own pushes.
func (s *Service) PushToGitHub(ctx context.Context, worktreePath, branchID string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := []string{"push", "origin", branchID}
	if force {
		args = []string{"push", "--force-with-lease", "origin", branchID}
	}
	_, err := s.output(ctx, worktreePath, args...)
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "non-fast-forward") || strings.Contains(msg, "rejected"):
		return fmt.Errorf("%w: %s", types.ErrPushRejected, branchID)
	case strings.Contains(msg, "Authentication failed") || strings.Contains(msg, "Permission denied"):
		return fmt.Errorf("%w: %w", types.ErrGitAuthFailed, err)
	default:
		return fmt.Errorf("attemptengine: push: %w", err)
	}
}

// GitHubRepoInfo is the owner/name pair parsed from a remote URL.
type GitHubRepoInfo struct {
	Owner string
	Repo  string
}

// GetGitHubRepoInfo parses the origin remote URL for its owner/repo.
func (s *Service) GetGitHubRepoInfo(ctx context.Context, repoPath string) (GitHubRepoInfo, error) {
	out, err := s.output(ctx, repoPath, "remote", "get-url", "origin")
	if err != nil {
		return GitHubRepoInfo{}, fmt.Errorf("attemptengine: resolve origin remote: %w", err)
	}
	return parseGitHubRemote(strings.TrimSpace(out))
}

func parseGitHubRemote(remote string) (GitHubRepoInfo, error) {
	remote = strings.TrimSuffix(remote, ".git")
	switch {
	case strings.HasPrefix(remote, "git@github.com:"):
		remote = strings.TrimPrefix(remote, "git@github.com:")
	case strings.Contains(remote, "github.com/"):
		idx := strings.Index(remote, "github.com/")
		remote = remote[idx+len("github.com/"):]
	default:
		return GitHubRepoInfo{}, fmt.Errorf("attemptengine: not a recognized GitHub remote: %s", remote)
	}
	parts := strings.SplitN(remote, "/", 2)
	if len(parts) != 2 {
		return GitHubRepoInfo{}, fmt.Errorf("attemptengine: malformed GitHub remote: %s", remote)
	}
	return GitHubRepoInfo{Owner: parts[0], Repo: parts[1]}, nil
}

// HeadCommitSubject returns the subject line of dir's HEAD commit.
func (s *Service) HeadCommitSubject(ctx context.Context, dir string) (string, error) {
	out, err := s.output(ctx, dir, "log", "-1", "--format=%s")
	if err != nil {
		return "", fmt.Errorf("attemptengine: read HEAD subject: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// HeadCommitID returns dir's HEAD commit id.
func (s *Service) HeadCommitID(ctx context.Context, dir string) (string, error) {
	out, err := s.output(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("attemptengine: read HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// RefExists reports whether ref resolves to a commit in repoPath, local or
// remote-tracking.
func (s *Service) RefExists(ctx context.Context, repoPath, ref string) bool {
	_, err := s.output(ctx, repoPath, "rev-parse", "--verify", "--quiet", ref)
	return err == nil
}

// ResetWorktreeHard resets worktreePath to commitID, discarding all
// uncommitted changes, tracked and untracked. Used by follow_up's
// retry_from_process_id to restore a worktree to the state before a given
// process ran.
func (s *Service) ResetWorktreeHard(ctx context.Context, worktreePath, commitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.output(ctx, worktreePath, "reset", "--hard", commitID); err != nil {
		return fmt.Errorf("attemptengine: reset worktree to %s: %w", commitID, err)
	}
	if _, err := s.output(ctx, worktreePath, "clean", "-fd"); err != nil {
		return fmt.Errorf("attemptengine: clean worktree after reset: %w", err)
	}
	return nil
}

func (s *Service) commitDirtyLocked(ctx context.Context, worktreePath, message string) error {
	counts, err := s.GetWorktreeChangeCounts(ctx, worktreePath)
	if err != nil {
		return err
	}
	if counts.Uncommitted == 0 && counts.Untracked == 0 {
		return nil
	}
	if _, err := s.output(ctx, worktreePath, "add", "-A"); err != nil {
		return fmt.Errorf("attemptengine: stage dirty worktree: %w", err)
	}
	if _, err := s.output(ctx, worktreePath, "commit", "-m", message); err != nil {
		return fmt.Errorf("attemptengine: commit dirty worktree: %w", err)
	}
	return nil
}

// output runs git with args in dir and returns trimmed stdout.
func (s *Service) output(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	var lookErr *exec.Error
	out, err := cmd.Output()
	if err != nil {
		if errors.As(err, &lookErr) {
			return "", fmt.Errorf("%w: %w", types.ErrGitNotAvailable, err)
		}
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

func splitNonEmpty(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parseUnifiedDiff turns `git diff` output into per-file chunk lists. It
// understands the standard unified-diff hunk markers ( , +, -) and groups
// consecutive same-kind lines into one chunk.
func parseUnifiedDiff(raw string) []FileDiff {
	var files []FileDiff
	var cur *FileDiff
	var chunk *DiffChunk

	flush := func() {
		if cur != nil {
			if chunk != nil {
				cur.Chunks = append(cur.Chunks, *chunk)
				chunk = nil
			}
			files = append(files, *cur)
			cur = nil
		}
	}

	for _, line := range strings.Split(raw, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush()
			cur = &FileDiff{Path: parseDiffGitPath(line)}
		case cur == nil:
			continue
		case strings.HasPrefix(line, "@@"), strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"),
			strings.HasPrefix(line, "index "), strings.HasPrefix(line, "new file"), strings.HasPrefix(line, "deleted file"):
			continue
		case strings.HasPrefix(line, "+"):
			appendChunk(cur, &chunk, DiffInsert, line[1:])
		case strings.HasPrefix(line, "-"):
			appendChunk(cur, &chunk, DiffDelete, line[1:])
		default:
			content := line
			content = strings.TrimPrefix(content, " ")
			appendChunk(cur, &chunk, DiffEqual, content)
		}
	}
	flush()
	return files
}

func appendChunk(file *FileDiff, chunk **DiffChunk, op FileDiffOp, line string) {
	if *chunk != nil && (*chunk).Op == op {
		(*chunk).Content += "\n" + line
		return
	}
	if *chunk != nil {
		file.Chunks = append(file.Chunks, **chunk)
	}
	*chunk = &DiffChunk{Op: op, Content: line}
}

func parseDiffGitPath(headerLine string) string {
	// "diff --git a/path b/path"
	fields := strings.Fields(headerLine)
	if len(fields) < 4 {
		return ""
	}
	return strings.TrimPrefix(fields[2], "a/")
}
