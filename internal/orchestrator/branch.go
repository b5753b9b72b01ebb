package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/attemptengine/core/internal/types"
)

// CreatePROptions parameterizes CreateGithubPR.
type CreatePROptions struct {
	Title           string
	Body            string
	TargetBranchRef string // overrides attempt.BaseBranchRef when set
}

// CreateGithubPR pushes attempt's branch (non-force) and opens a pull
// request against the target branch, recording the result as an open
// Merge and opening the PR in the host's default browser.
func (s *Service) CreateGithubPR(ctx context.Context, attemptID string, opts CreatePROptions) (types.TaskAttempt, error) {
	attempt, err := s.store.Attempts.Get(ctx, attemptID)
	if err != nil {
		return types.TaskAttempt{}, fmt.Errorf("attemptengine: create github pr: load attempt: %w", err)
	}
	project, _, err := s.projectFor(ctx, attempt)
	if err != nil {
		return types.TaskAttempt{}, err
	}

	target := opts.TargetBranchRef
	if target == "" {
		target = attempt.BaseBranchRef
	}

	if err := s.git.PushToGitHub(ctx, attempt.ContainerRef, attempt.Branch, false); err != nil {
		switch {
		case errors.Is(err, types.ErrGitNotAvailable):
			return types.TaskAttempt{}, types.ErrGitCliNotInstalled
		case errors.Is(err, types.ErrGitAuthFailed):
			return types.TaskAttempt{}, types.ErrGitCliNotLoggedIn
		default:
			return types.TaskAttempt{}, fmt.Errorf("attemptengine: create github pr: push: %w", err)
		}
	}

	if err := s.requireRefExists(ctx, project.RepoPath, target); err != nil {
		return types.TaskAttempt{}, err
	}

	number, url, err := s.github.CreatePR(ctx, project.RepoPath, attempt.Branch, target, opts.Title, opts.Body)
	if err != nil {
		return types.TaskAttempt{}, fmt.Errorf("attemptengine: create github pr: %w", err)
	}

	attempt.Merge = &types.Merge{
		Kind:     types.MergePR,
		PRNumber: number,
		PRURL:    url,
		PRStatus: types.PROpen,
	}
	attempt.UpdatedAt = time.Now()
	attempt, err = s.store.Attempts.Update(ctx, attempt)
	if err != nil {
		return types.TaskAttempt{}, fmt.Errorf("attemptengine: create github pr: persist attempt: %w", err)
	}

	if err := s.browser.Open(url); err != nil {
		s.log.Warnw("create github pr: open browser", "url", url, "error", err)
	}
	return attempt, nil
}

// requireRefExists reports ErrTargetBranchNotFound if ref does not resolve
// (local or remote-tracking) in repoPath.
func (s *Service) requireRefExists(ctx context.Context, repoPath, ref string) error {
	if !s.git.RefExists(ctx, repoPath, ref) {
		return fmt.Errorf("%w: %s", types.ErrTargetBranchNotFound, ref)
	}
	return nil
}

// Rebase rebases attempt's branch onto newBase (or its existing base
// branch if newBase is empty), updating the stored base and translating
// git-level conflicts/rebase-in-progress into user-visible errors.
func (s *Service) Rebase(ctx context.Context, attemptID, newBase string) (types.TaskAttempt, error) {
	attempt, err := s.store.Attempts.Get(ctx, attemptID)
	if err != nil {
		return types.TaskAttempt{}, fmt.Errorf("attemptengine: rebase: load attempt: %w", err)
	}
	project, _, err := s.projectFor(ctx, attempt)
	if err != nil {
		return types.TaskAttempt{}, err
	}

	oldBase := attempt.BaseBranchRef
	effectiveNewBase := newBase
	if effectiveNewBase == "" {
		effectiveNewBase = oldBase
	}
	if err := s.requireRefExists(ctx, project.RepoPath, effectiveNewBase); err != nil {
		return types.TaskAttempt{}, err
	}

	if err := s.git.RebaseBranch(ctx, project.RepoPath, attempt.ContainerRef, effectiveNewBase, oldBase, attempt.Branch); err != nil {
		var conflict *types.MergeConflictsError
		switch {
		case errors.As(err, &conflict):
			return types.TaskAttempt{}, err
		case errors.Is(err, types.ErrRebaseInProgress):
			return types.TaskAttempt{}, err
		default:
			return types.TaskAttempt{}, fmt.Errorf("attemptengine: rebase: %w", err)
		}
	}

	attempt.BaseBranchRef = effectiveNewBase
	attempt.UpdatedAt = time.Now()
	return s.store.Attempts.Update(ctx, attempt)
}

// RenameBranch renames attempt's branch locally, persists the new name,
// and repoints any child attempt whose base branch was the old name.
func (s *Service) RenameBranch(ctx context.Context, attemptID, newName string) (types.TaskAttempt, error) {
	if strings.TrimSpace(newName) == "" || strings.ContainsAny(newName, " \t~^:?*[\\") {
		return types.TaskAttempt{}, fmt.Errorf("%w: %q", types.ErrInvalidBranchName, newName)
	}

	attempt, err := s.store.Attempts.Get(ctx, attemptID)
	if err != nil {
		return types.TaskAttempt{}, fmt.Errorf("attemptengine: rename branch: load attempt: %w", err)
	}
	if attempt.Merge != nil && attempt.Merge.Kind == types.MergePR && attempt.Merge.PRStatus == types.PROpen {
		return types.TaskAttempt{}, types.ErrRenameForbiddenWithOpenPR
	}
	inProgress, err := s.git.IsRebaseInProgress(attempt.ContainerRef)
	if err != nil {
		return types.TaskAttempt{}, fmt.Errorf("attemptengine: rename branch: check rebase state: %w", err)
	}
	if inProgress {
		return types.TaskAttempt{}, types.ErrRenameForbiddenDuringRebase
	}

	all, err := s.store.Attempts.ListAll(ctx)
	if err != nil {
		return types.TaskAttempt{}, fmt.Errorf("attemptengine: rename branch: list attempts: %w", err)
	}
	for _, other := range all {
		if other.ID != attempt.ID && other.Branch == newName {
			return types.TaskAttempt{}, fmt.Errorf("%w: %q already in use", types.ErrInvalidBranchName, newName)
		}
	}

	if err := s.git.RenameLocalBranch(ctx, attempt.ContainerRef, attempt.Branch, newName); err != nil {
		return types.TaskAttempt{}, fmt.Errorf("attemptengine: rename branch: %w", err)
	}

	oldName := attempt.Branch
	attempt.Branch = newName
	attempt.UpdatedAt = time.Now()
	attempt, err = s.store.Attempts.Update(ctx, attempt)
	if err != nil {
		return types.TaskAttempt{}, fmt.Errorf("attemptengine: rename branch: persist attempt: %w", err)
	}

	for _, other := range all {
		if other.ID != attempt.ID && other.BaseBranchRef == oldName {
			other.BaseBranchRef = newName
			other.UpdatedAt = time.Now()
			if _, err := s.store.Attempts.Update(ctx, other); err != nil {
				s.log.Warnw("rename branch: repoint child attempt", "attempt_id", other.ID, "error", err)
			}
		}
	}

	return attempt, nil
}

// ChangeTargetBranch verifies newRef exists and updates attempt's base
// branch, returning fresh ahead/behind status against it.
func (s *Service) ChangeTargetBranch(ctx context.Context, attemptID, newRef string) (BranchStatusResult, error) {
	attempt, err := s.store.Attempts.Get(ctx, attemptID)
	if err != nil {
		return BranchStatusResult{}, fmt.Errorf("attemptengine: change target branch: load attempt: %w", err)
	}
	project, _, err := s.projectFor(ctx, attempt)
	if err != nil {
		return BranchStatusResult{}, err
	}
	if err := s.requireRefExists(ctx, project.RepoPath, newRef); err != nil {
		return BranchStatusResult{}, err
	}

	attempt.BaseBranchRef = newRef
	attempt.UpdatedAt = time.Now()
	attempt, err = s.store.Attempts.Update(ctx, attempt)
	if err != nil {
		return BranchStatusResult{}, fmt.Errorf("attemptengine: change target branch: persist attempt: %w", err)
	}
	return s.BranchStatus(ctx, attempt.ID)
}

// BranchStatusResult is the composed status spec.md's branch_status
// returns.
type BranchStatusResult struct {
	Ahead              int
	Behind             int
	HasUncommitted     bool
	UncommittedCount   int
	UntrackedCount     int
	HeadOID            string
	RemoteAhead        *int
	RemoteBehind       *int
	IsRebaseInProgress bool
	ConflictOp         *types.ConflictOp
	ConflictedFiles    []string
	Merges             []types.Merge
}

// BranchStatus composes attempt's divergence from its base branch, its
// worktree dirty state, and any in-progress conflict.
//
// RemoteAhead/RemoteBehind are left nil: computing them needs a fetch
// against the attempt's remote tracking branch, which this engine does
// not perform implicitly (a stale remote-ahead count would be worse than
// none). A caller that has already fetched can layer that in.
func (s *Service) BranchStatus(ctx context.Context, attemptID string) (BranchStatusResult, error) {
	attempt, err := s.store.Attempts.Get(ctx, attemptID)
	if err != nil {
		return BranchStatusResult{}, fmt.Errorf("attemptengine: branch status: load attempt: %w", err)
	}
	project, _, err := s.projectFor(ctx, attempt)
	if err != nil {
		return BranchStatusResult{}, err
	}

	status, err := s.git.GetBranchStatus(ctx, project.RepoPath, attempt.Branch, attempt.BaseBranchRef)
	if err != nil {
		return BranchStatusResult{}, fmt.Errorf("attemptengine: branch status: %w", err)
	}
	counts, err := s.git.GetWorktreeChangeCounts(ctx, attempt.ContainerRef)
	if err != nil {
		return BranchStatusResult{}, fmt.Errorf("attemptengine: branch status: worktree change counts: %w", err)
	}
	headOID, err := s.git.HeadCommitID(ctx, attempt.ContainerRef)
	if err != nil {
		return BranchStatusResult{}, fmt.Errorf("attemptengine: branch status: head commit: %w", err)
	}
	inProgress, err := s.git.IsRebaseInProgress(attempt.ContainerRef)
	if err != nil {
		return BranchStatusResult{}, fmt.Errorf("attemptengine: branch status: rebase state: %w", err)
	}

	result := BranchStatusResult{
		Ahead:              status.Ahead,
		Behind:             status.Behind,
		HasUncommitted:     counts.Uncommitted > 0 || counts.Untracked > 0,
		UncommittedCount:   counts.Uncommitted,
		UntrackedCount:     counts.Untracked,
		HeadOID:            headOID,
		IsRebaseInProgress: inProgress,
	}
	if attempt.Merge != nil {
		result.Merges = []types.Merge{*attempt.Merge}
	}

	if op, err := s.git.DetectConflictOp(attempt.ContainerRef); err == nil && op != "" {
		result.ConflictOp = &op
		files, err := s.git.GetConflictedFiles(ctx, attempt.ContainerRef)
		if err == nil {
			result.ConflictedFiles = files
		}
	}

	return result, nil
}
