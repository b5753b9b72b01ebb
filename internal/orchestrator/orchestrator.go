// Package orchestrator implements the Attempt Orchestrator (C7): the
// public operations an API/CLI surface calls to drive an attempt through
// its lifecycle — create, follow up, stop, merge, open a pull request,
// rebase, and rename or retarget its branch. It is the only package that
// composes internal/store, internal/gitintegration, and internal/container
// into a single attempt-level workflow.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/attemptengine/core/internal/container"
	"github.com/attemptengine/core/internal/gitintegration"
	"github.com/attemptengine/core/internal/store"
	"github.com/attemptengine/core/internal/types"
)

// Service is the Attempt Orchestrator.
type Service struct {
	store     *store.Store
	git       *gitintegration.Service
	container *container.Service
	log       *zap.SugaredLogger

	github  GitHubClient
	browser BrowserOpener
}

// New constructs a Service. github/browser may be nil, in which case the
// default gh-CLI-backed client and the host OS's default browser opener
// are used.
func New(st *store.Store, git *gitintegration.Service, cont *container.Service, log *zap.SugaredLogger, github GitHubClient, browser BrowserOpener) *Service {
	if github == nil {
		github = NewGhCLIClient()
	}
	if browser == nil {
		browser = OSBrowserOpener{}
	}
	return &Service{store: st, git: git, container: cont, log: log, github: github, browser: browser}
}

// projectFor resolves the Project that owns attempt's Task.
func (s *Service) projectFor(ctx context.Context, attempt types.TaskAttempt) (types.Project, types.Task, error) {
	task, err := s.store.Tasks.Get(ctx, attempt.TaskID)
	if err != nil {
		return types.Project{}, types.Task{}, fmt.Errorf("attemptengine: load task for attempt %s: %w", attempt.ID, err)
	}
	project, err := s.store.Projects.Get(ctx, task.ProjectID)
	if err != nil {
		return types.Project{}, types.Task{}, fmt.Errorf("attemptengine: load project for task %s: %w", task.ID, err)
	}
	return project, task, nil
}

// CreateAttempt creates a fresh attempt for task: a branch, a worktree, and
// its first dispatched CodingAgentInitial action, chained into the
// project's cleanup script (if any) as next_action.
func (s *Service) CreateAttempt(ctx context.Context, taskID string, executor types.ExecutorProfile, baseBranchRef string) (types.TaskAttempt, error) {
	task, err := s.store.Tasks.Get(ctx, taskID)
	if err != nil {
		return types.TaskAttempt{}, fmt.Errorf("attemptengine: create attempt: load task: %w", err)
	}
	project, err := s.store.Projects.Get(ctx, task.ProjectID)
	if err != nil {
		return types.TaskAttempt{}, fmt.Errorf("attemptengine: create attempt: load project: %w", err)
	}

	attempt := types.TaskAttempt{
		TaskID:        taskID,
		BaseBranchRef: baseBranchRef,
		Executor:      executor,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	attempt, err = s.store.Attempts.Create(ctx, attempt)
	if err != nil {
		return types.TaskAttempt{}, fmt.Errorf("attemptengine: create attempt row: %w", err)
	}

	attempt, err = s.container.Create(ctx, attempt, project.RepoPath, task.Title)
	if err != nil {
		return types.TaskAttempt{}, fmt.Errorf("attemptengine: create attempt worktree: %w", err)
	}

	prompt := task.Title
	if task.Description != "" {
		prompt = task.Title + "\n\n" + task.Description
	}
	action := types.ExecutorAction{
		Kind: types.ActionCodingAgentInitial,
		CodingAgentInitial: &types.CodingAgentInitialAction{
			Executor:   executor,
			Prompt:     prompt,
			WorkingDir: attempt.ContainerRef,
		},
	}
	if project.CleanupScript != "" {
		action.NextAction = &types.ExecutorAction{
			Kind: types.ActionScript,
			Script: &types.ScriptAction{
				Source:  project.CleanupScript,
				Context: types.ScriptContextCleanup,
			},
		}
	}

	if _, err := s.container.StartExecution(ctx, attempt, action, "initial"); err != nil {
		return types.TaskAttempt{}, fmt.Errorf("attemptengine: start initial execution: %w", err)
	}
	return attempt, nil
}

// FollowUpOptions parameterizes FollowUp.
type FollowUpOptions struct {
	Prompt             string
	Variant            string
	RetryFromProcessID string
	ForceWhenDirty     bool
	PerformGitReset    bool
}

// FollowUp resumes work on attempt, either as a fresh follow-up on the
// latest coding-agent session or, when RetryFromProcessID is set, after
// first rewinding the worktree to the state before that process ran.
func (s *Service) FollowUp(ctx context.Context, attemptID string, opts FollowUpOptions) (types.ExecutionProcess, error) {
	attempt, err := s.store.Attempts.Get(ctx, attemptID)
	if err != nil {
		return types.ExecutionProcess{}, fmt.Errorf("attemptengine: follow up: load attempt: %w", err)
	}
	project, _, err := s.projectFor(ctx, attempt)
	if err != nil {
		return types.ExecutionProcess{}, err
	}
	attempt, err = s.container.EnsureContainerExists(ctx, attempt, project.RepoPath)
	if err != nil {
		return types.ExecutionProcess{}, fmt.Errorf("attemptengine: follow up: ensure container: %w", err)
	}

	if opts.RetryFromProcessID != "" {
		if err := s.retryFrom(ctx, attempt, opts); err != nil {
			return types.ExecutionProcess{}, err
		}
	}

	executor := attempt.Executor
	if opts.Variant != "" {
		executor.Variant = opts.Variant
	}

	sessionID, err := s.latestSessionID(ctx, attempt.ID)
	if err != nil {
		return types.ExecutionProcess{}, err
	}

	var action types.ExecutorAction
	if sessionID != "" {
		action = types.ExecutorAction{
			Kind: types.ActionCodingAgentFollowUp,
			CodingAgentFollowUp: &types.CodingAgentFollowUpAction{
				Executor:   executor,
				SessionID:  sessionID,
				Prompt:     opts.Prompt,
				WorkingDir: attempt.ContainerRef,
			},
		}
	} else {
		action = types.ExecutorAction{
			Kind: types.ActionCodingAgentInitial,
			CodingAgentInitial: &types.CodingAgentInitialAction{
				Executor:   executor,
				Prompt:     opts.Prompt,
				WorkingDir: attempt.ContainerRef,
			},
		}
	}

	return s.container.StartExecution(ctx, attempt, action, "follow-up")
}

// retryFrom validates and carries out the retry_from_process_id half of
// FollowUp: stop any running process, reset the worktree to the state
// before the retry point (subject to PerformGitReset/ForceWhenDirty), and
// soft-drop every process from the retry point onward.
func (s *Service) retryFrom(ctx context.Context, attempt types.TaskAttempt, opts FollowUpOptions) error {
	retryProc, err := s.store.Processes.Get(ctx, opts.RetryFromProcessID)
	if err != nil {
		return fmt.Errorf("attemptengine: retry_from_process_id: load process: %w", err)
	}
	if retryProc.AttemptID != attempt.ID {
		return fmt.Errorf("attemptengine: retry_from_process_id: process %s does not belong to attempt %s", retryProc.ID, attempt.ID)
	}

	procs, err := s.store.Processes.ListByAttempt(ctx, attempt.ID)
	if err != nil {
		return fmt.Errorf("attemptengine: retry_from_process_id: list processes: %w", err)
	}

	if err := s.Stop(ctx, attempt.ID); err != nil {
		return fmt.Errorf("attemptengine: retry_from_process_id: stop running process: %w", err)
	}

	if opts.PerformGitReset {
		counts, err := s.git.GetWorktreeChangeCounts(ctx, attempt.ContainerRef)
		if err != nil {
			return fmt.Errorf("attemptengine: retry_from_process_id: check worktree state: %w", err)
		}
		if (counts.Uncommitted > 0 || counts.Untracked > 0) && !opts.ForceWhenDirty {
			return fmt.Errorf("%w: retry_from_process_id", types.ErrDirtyWorktree)
		}
		if retryProc.BeforeCommitID != "" {
			if err := s.git.ResetWorktreeHard(ctx, attempt.ContainerRef, retryProc.BeforeCommitID); err != nil {
				return fmt.Errorf("attemptengine: retry_from_process_id: reset worktree: %w", err)
			}
		}
	}

	var dropIDs []string
	atOrAfter := false
	for _, p := range procs {
		if p.ID == retryProc.ID {
			atOrAfter = true
		}
		if atOrAfter {
			dropIDs = append(dropIDs, p.ID)
		}
	}
	if len(dropIDs) > 0 {
		if err := s.store.Processes.SoftDrop(ctx, dropIDs); err != nil {
			return fmt.Errorf("attemptengine: retry_from_process_id: soft-drop processes: %w", err)
		}
	}
	return nil
}

// latestSessionID scans attempt's processes newest-first for the last
// coding-agent process with a resolved vendor session id.
func (s *Service) latestSessionID(ctx context.Context, attemptID string) (string, error) {
	procs, err := s.store.Processes.ListByAttempt(ctx, attemptID)
	if err != nil {
		return "", fmt.Errorf("attemptengine: resolve latest session: list processes: %w", err)
	}
	for i := len(procs) - 1; i >= 0; i-- {
		p := procs[i]
		if p.Kind != types.KindCodingAgent {
			continue
		}
		sess, err := s.store.Sessions.Get(ctx, p.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return "", fmt.Errorf("attemptengine: resolve latest session: load session: %w", err)
		}
		if sess.SessionID != "" {
			return sess.SessionID, nil
		}
	}
	return "", nil
}

// Stop finds the running non-dev-server process for attempt and stops it.
// A no-op when nothing is running.
func (s *Service) Stop(ctx context.Context, attemptID string) error {
	procs, err := s.store.Processes.ListByAttempt(ctx, attemptID)
	if err != nil {
		return fmt.Errorf("attemptengine: stop: list processes: %w", err)
	}
	for _, p := range procs {
		if p.Status == types.StatusRunning && p.Kind != types.KindDevServer {
			if err := s.container.StopExecution(p.ID); err != nil {
				return fmt.Errorf("attemptengine: stop: %w", err)
			}
		}
	}
	return nil
}

// stopDevServers stops every running dev-server process attached to
// attempt, used after a merge lands the attempt's work.
func (s *Service) stopDevServers(ctx context.Context, attemptID string) {
	procs, err := s.store.Processes.ListByAttempt(ctx, attemptID)
	if err != nil {
		s.log.Warnw("stop dev servers: list processes", "attempt_id", attemptID, "error", err)
		return
	}
	for _, p := range procs {
		if p.Status == types.StatusRunning && p.Kind == types.KindDevServer {
			if err := s.container.StopExecution(p.ID); err != nil {
				s.log.Warnw("stop dev server", "process_id", p.ID, "error", err)
			}
		}
	}
}

// Merge ensures attempt's container exists, composes the merge commit
// message, merges its branch into the base branch directly, records the
// resulting Merge, marks the task Done, and stops any dev servers.
func (s *Service) Merge(ctx context.Context, attemptID string) (types.TaskAttempt, error) {
	attempt, err := s.store.Attempts.Get(ctx, attemptID)
	if err != nil {
		return types.TaskAttempt{}, fmt.Errorf("attemptengine: merge: load attempt: %w", err)
	}
	project, task, err := s.projectFor(ctx, attempt)
	if err != nil {
		return types.TaskAttempt{}, err
	}
	attempt, err = s.container.EnsureContainerExists(ctx, attempt, project.RepoPath)
	if err != nil {
		return types.TaskAttempt{}, fmt.Errorf("attemptengine: merge: ensure container: %w", err)
	}

	message := gitintegration.CommitMessageFor(task.Title, attempt.ID, task.Description)
	commitID, err := s.git.MergeChanges(ctx, project.RepoPath, attempt.ContainerRef, attempt.Branch, attempt.BaseBranchRef, message)
	if err != nil {
		return types.TaskAttempt{}, fmt.Errorf("attemptengine: merge: %w", err)
	}

	attempt.MergeCommitID = commitID
	attempt.Merge = &types.Merge{
		Kind:         types.MergeDirect,
		CommitID:     commitID,
		TargetBranch: attempt.BaseBranchRef,
	}
	attempt.UpdatedAt = time.Now()
	attempt, err = s.store.Attempts.Update(ctx, attempt)
	if err != nil {
		return types.TaskAttempt{}, fmt.Errorf("attemptengine: merge: persist attempt: %w", err)
	}

	task.Status = types.TaskDone
	if _, err := s.store.Tasks.Update(ctx, task); err != nil {
		s.log.Warnw("merge: mark task done", "task_id", task.ID, "error", err)
	}

	s.stopDevServers(ctx, attempt.ID)
	return attempt, nil
}
