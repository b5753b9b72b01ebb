// Package container implements the Container Service (C6): it binds an
// attempt to its worktree, its live child process (if any), and that
// process's message store, and drives the declarative action chain one
// exit at a time. It is the only package that holds live process handles.
package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/attemptengine/core/internal/action"
	"github.com/attemptengine/core/internal/gitintegration"
	"github.com/attemptengine/core/internal/logstore"
	"github.com/attemptengine/core/internal/procrunner"
	"github.com/attemptengine/core/internal/store"
	"github.com/attemptengine/core/internal/types"
)

// exitPollInterval is how often the exit monitor checks TryWait, per
// spec.md §4.6/§5's explicit 250ms cadence.
const exitPollInterval = 250 * time.Millisecond

// Notifier fires when an attempt's last coding-agent action finishes with
// no further action queued. Fire-and-forget: failures are logged and
// otherwise ignored, per spec.md §6.
type Notifier interface {
	NotifyExecutionHalted(ctx context.Context, attemptID, processID string)
}

// Analytics records engine lifecycle events. Fire-and-forget, same as
// Notifier.
type Analytics interface {
	TrackEvent(ctx context.Context, name string, properties map[string]any)
}

// NopNotifier and NopAnalytics are the zero-config defaults used when the
// host application wires no external sink.
type NopNotifier struct{}

func (NopNotifier) NotifyExecutionHalted(context.Context, string, string) {}

type NopAnalytics struct{}

func (NopAnalytics) TrackEvent(context.Context, string, map[string]any) {}

// Config holds the container service's tunables.
type Config struct {
	WorktreeBaseDir string // defaults to gitintegration.DefaultWorktreeBaseDir()
}

// procHandle is the live state the registries track for one running (or
// just-finished) process.
type procHandle struct {
	child    *procrunner.Child
	msgStore *logstore.Store
	cancel   context.CancelFunc
	stopped  atomic.Bool // set by StopExecution before killing, read by the exit monitor
}

// Service is the Container Service. One Service is shared across every
// attempt; child_store/msg_stores are the two registries spec.md §4.6
// names, collapsed here into a single map guarded by one RWMutex since
// both entries are always created and removed together.
type Service struct {
	store *store.Store
	git   *gitintegration.Service
	log   *zap.SugaredLogger

	cfg Config

	notifier  Notifier
	analytics Analytics

	mu       sync.RWMutex
	handles  map[string]*procHandle // process id -> live handle

	attemptLocksMu sync.Mutex
	attemptLocks   map[string]*sync.Mutex // attempt id -> serializes create/ensure
}

// New constructs a Service. notifier/analytics may be nil, in which case
// the no-op implementations are used.
func New(st *store.Store, git *gitintegration.Service, log *zap.SugaredLogger, cfg Config, notifier Notifier, analytics Analytics) *Service {
	if cfg.WorktreeBaseDir == "" {
		cfg.WorktreeBaseDir = gitintegration.DefaultWorktreeBaseDir()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if analytics == nil {
		analytics = NopAnalytics{}
	}
	return &Service{
		store:        st,
		git:          git,
		log:          log,
		cfg:          cfg,
		notifier:     notifier,
		analytics:    analytics,
		handles:      make(map[string]*procHandle),
		attemptLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) attemptLock(attemptID string) *sync.Mutex {
	s.attemptLocksMu.Lock()
	defer s.attemptLocksMu.Unlock()
	l, ok := s.attemptLocks[attemptID]
	if !ok {
		l = &sync.Mutex{}
		s.attemptLocks[attemptID] = l
	}
	return l
}

var gitUnsafeChars = regexp.MustCompile(`[^a-z0-9-]+`)

// gitSafeTitle lowercases title and collapses every run of characters a
// branch component can't carry into a single '-', trimmed of leading and
// trailing dashes, capped to keep branch names reasonable.
func gitSafeTitle(title string) string {
	t := strings.ToLower(strings.TrimSpace(title))
	t = gitUnsafeChars.ReplaceAllString(t, "-")
	t = strings.Trim(t, "-")
	const maxLen = 48
	if len(t) > maxLen {
		t = strings.Trim(t[:maxLen], "-")
	}
	if t == "" {
		t = "task"
	}
	return t
}

// branchNameFor builds this engine's attempt-branch naming convention:
// "ae-<short-uuid>-<git-safe-title>".
func branchNameFor(title string) string {
	short := uuid.NewString()
	if i := strings.IndexByte(short, '-'); i >= 0 {
		short = short[:i]
	}
	return fmt.Sprintf("ae-%s-%s", short, gitSafeTitle(title))
}

// Create builds a fresh worktree for attempt: branch name, worktree path
// under the configured base dir, and persists container_ref/branch on the
// attempt row.
func (s *Service) Create(ctx context.Context, attempt types.TaskAttempt, repoPath, taskTitle string) (types.TaskAttempt, error) {
	lock := s.attemptLock(attempt.ID)
	lock.Lock()
	defer lock.Unlock()

	branch := branchNameFor(taskTitle)
	worktreePath := attempt.ContainerRef
	if worktreePath == "" {
		worktreePath = worktreePathFor(s.cfg.WorktreeBaseDir, attempt.ID)
	}

	if err := s.git.CreateWorktree(ctx, repoPath, branch, worktreePath, attempt.BaseBranchRef); err != nil {
		return types.TaskAttempt{}, err
	}

	attempt.ContainerRef = worktreePath
	attempt.Branch = branch
	attempt.WorktreeDeleted = false
	return s.store.Attempts.Update(ctx, attempt)
}

// EnsureContainerExists is idempotent: if the worktree path already
// exists on disk it is returned as-is; otherwise the branch is reattached
// at the original path. Concurrent callers for the same attempt serialize
// on attemptLock so at most one of them ever calls RecreateWorktreeFromBranch.
func (s *Service) EnsureContainerExists(ctx context.Context, attempt types.TaskAttempt, repoPath string) (types.TaskAttempt, error) {
	lock := s.attemptLock(attempt.ID)
	lock.Lock()
	defer lock.Unlock()

	if attempt.ContainerRef != "" {
		if _, err := os.Stat(attempt.ContainerRef); err == nil {
			if attempt.WorktreeDeleted {
				attempt.WorktreeDeleted = false
				return s.store.Attempts.Update(ctx, attempt)
			}
			return attempt, nil
		}
	}

	if err := s.git.RecreateWorktreeFromBranch(ctx, repoPath, attempt.Branch, attempt.ContainerRef); err != nil {
		return types.TaskAttempt{}, err
	}
	attempt.WorktreeDeleted = false
	return s.store.Attempts.Update(ctx, attempt)
}

// Delete removes attempt's worktree. Errors are logged, not returned,
// matching spec.md §4.6's "swallow errors" contract for task deletion.
func (s *Service) Delete(ctx context.Context, attempt types.TaskAttempt, repoPath string) {
	if attempt.ContainerRef == "" {
		return
	}
	if err := s.git.CleanupWorktree(ctx, repoPath, attempt.ContainerRef); err != nil {
		s.log.Warnw("cleanup worktree failed", "attempt_id", attempt.ID, "error", err)
	}
}

// StartExecution runs the five-step sequence from spec.md §4.6: persist
// the process row, optionally persist an ExecutorSession row, spawn the
// child, wire up its message store and normalizer, then register the
// handle and start its exit monitor.
func (s *Service) StartExecution(ctx context.Context, attempt types.TaskAttempt, act types.ExecutorAction, reason string) (types.ExecutionProcess, error) {
	sp, err := action.Build(act, attempt.ContainerRef)
	if err != nil {
		return types.ExecutionProcess{}, err
	}

	beforeCommit, err := s.git.HeadCommitID(ctx, attempt.ContainerRef)
	if err != nil {
		// A brand-new worktree with no commits yet; retry_from_process_id
		// against this process simply has nothing to reset to.
		beforeCommit = ""
	}

	proc := types.ExecutionProcess{
		ID:        uuid.NewString(),
		AttemptID: attempt.ID,
		Kind:      kindForAction(act),
		Command: types.CommandDescriptor{
			Program:        sp.Spec.Program,
			Args:           sp.Spec.Args,
			WorkingDir:     sp.Spec.Dir,
			ExecutorVendor: vendorForAction(act),
		},
		Status:         types.StatusRunning,
		Action:         act,
		Reason:         reason,
		BeforeCommitID: beforeCommit,
		CreatedAt:      time.Now(),
	}
	proc, err = s.store.Processes.Create(ctx, proc)
	if err != nil {
		return types.ExecutionProcess{}, fmt.Errorf("attemptengine: persist execution process: %w", err)
	}

	if sp.IsCoding {
		if _, err := s.store.Sessions.Create(ctx, types.ExecutorSession{
			ProcessID: proc.ID,
			Prompt:    sp.PromptForDB,
		}); err != nil {
			return types.ExecutionProcess{}, fmt.Errorf("attemptengine: persist executor session: %w", err)
		}
	}

	child, err := procrunner.Spawn(sp.Spec)
	if err != nil {
		proc.Status = types.StatusFailed
		now := time.Now()
		proc.CompletedAt = &now
		_, _ = s.store.Processes.Update(ctx, proc)
		return proc, err
	}

	msgStore := logstore.New(0)
	msgStore.SpawnForwarder(child.Stdout(), logstore.MsgStdout)
	msgStore.SpawnForwarder(child.Stderr(), logstore.MsgStderr)

	runCtx, cancel := context.WithCancel(context.Background())
	go sp.Parser.Run(runCtx, msgStore, msgStore, attempt.ContainerRef, nil)

	handle := &procHandle{child: child, msgStore: msgStore, cancel: cancel}
	s.mu.Lock()
	s.handles[proc.ID] = handle
	s.mu.Unlock()

	go s.exitMonitor(attempt, proc, act, reason, handle)

	return proc, nil
}

func kindForAction(act types.ExecutorAction) types.ExecutionProcessKind {
	switch act.Kind {
	case types.ActionScript:
		if act.Script != nil {
			switch act.Script.Context {
			case types.ScriptContextCleanup:
				return types.KindCleanupScript
			case types.ScriptContextDevServer:
				return types.KindDevServer
			}
		}
		return types.KindSetupScript
	default:
		return types.KindCodingAgent
	}
}

func vendorForAction(act types.ExecutorAction) string {
	switch act.Kind {
	case types.ActionCodingAgentInitial:
		if act.CodingAgentInitial != nil {
			return act.CodingAgentInitial.Executor.Vendor
		}
	case types.ActionCodingAgentFollowUp:
		if act.CodingAgentFollowUp != nil {
			return act.CodingAgentFollowUp.Executor.Vendor
		}
	}
	return ""
}

// exitMonitor polls the child until it exits, reconciles the process row,
// commits dirty worktree state, chains next_action, and notifies when the
// attempt's coding-agent work is done with nothing queued next.
func (s *Service) exitMonitor(attempt types.TaskAttempt, proc types.ExecutionProcess, act types.ExecutorAction, reason string, handle *procHandle) {
	ctx := context.Background()

	var status procrunner.ExitStatus
	for {
		st, exited := handle.child.TryWait()
		if exited {
			status = st
			break
		}
		time.Sleep(exitPollInterval)
	}

	stopped := handle.stopped.Load()
	now := time.Now()
	proc.CompletedAt = &now
	switch {
	case stopped:
		proc.Status = types.StatusKilled
	case status.Success:
		proc.Status = types.StatusCompleted
		code := status.Code
		proc.ExitCode = &code
	default:
		proc.Status = types.StatusFailed
		code := status.Code
		proc.ExitCode = &code
	}

	proc, err := s.store.Processes.Update(ctx, proc)
	if err != nil {
		s.log.Errorw("update execution process on exit failed", "process_id", proc.ID, "error", err)
	}

	if !stopped && proc.Status == types.StatusCompleted {
		if proc.Kind == types.KindCodingAgent || proc.Kind == types.KindCleanupScript {
			s.tryCommitChanges(ctx, attempt, proc)
		}
	}

	chained := false
	if !stopped && proc.Status == types.StatusCompleted && act.NextAction != nil {
		if _, err := s.StartExecution(ctx, attempt, *act.NextAction, reason); err != nil {
			s.log.Errorw("chained next_action failed to start", "attempt_id", attempt.ID, "error", err)
		} else {
			chained = true
		}
	}

	if !stopped && !chained && proc.Kind == types.KindCodingAgent {
		s.notifier.NotifyExecutionHalted(ctx, attempt.ID, proc.ID)
		s.analytics.TrackEvent(ctx, "execution_halted", map[string]any{
			"attempt_id": attempt.ID,
			"process_id": proc.ID,
			"status":     string(proc.Status),
		})
	}

	handle.msgStore.WaitDrainAndClose()

	s.mu.Lock()
	delete(s.handles, proc.ID)
	s.mu.Unlock()
	handle.cancel()
}

// tryCommitChanges commits any dirty state left in the worktree by a
// finished coding-agent or cleanup-script process, using its session
// summary as the commit message when available.
func (s *Service) tryCommitChanges(ctx context.Context, attempt types.TaskAttempt, proc types.ExecutionProcess) {
	message := proc.Reason
	if message == "" {
		message = "checkpoint"
	}
	if sess, err := s.store.Sessions.Get(ctx, proc.ID); err == nil && sess.Summary != "" {
		message = sess.Summary
	}
	if err := s.git.CommitDirtyChanges(ctx, attempt.ContainerRef, message); err != nil {
		s.log.Warnw("commit dirty worktree failed", "attempt_id", attempt.ID, "process_id", proc.ID, "error", err)
	}
}

// StopExecution is the sole cancellation path (spec.md §5): it sends the
// kill escalation and marks handle.stopped so the exit monitor records
// Killed instead of Completed/Failed and skips next_action. Idempotent:
// stopping a process with no live handle (already finished) is a no-op.
func (s *Service) StopExecution(processID string) error {
	s.mu.RLock()
	handle, ok := s.handles[processID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	handle.stopped.Store(true)
	return procrunner.Kill(handle.child)
}

// worktreePathFor is the default per-attempt worktree location under base.
func worktreePathFor(base, attemptID string) string {
	return filepath.Join(base, attemptID)
}

// ReconcileCrashedProcesses sweeps every process still marked Running at
// startup. None of them have a live handle in this fresh Service (handles
// only exist in-memory), so each is unconditionally a crash victim: mark
// it Failed with no exit code and leave next_action unstarted, per
// spec.md §7/§8's restart-reconciliation contract.
func (s *Service) ReconcileCrashedProcesses(ctx context.Context) (int, error) {
	running, err := s.store.Processes.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("attemptengine: reconcile: list running processes: %w", err)
	}

	swept := 0
	for _, proc := range running {
		proc.Status = types.StatusFailed
		proc.ExitCode = nil
		now := time.Now()
		proc.CompletedAt = &now
		if _, err := s.store.Processes.Update(ctx, proc); err != nil {
			s.log.Errorw("reconcile: mark crashed process failed", "process_id", proc.ID, "error", err)
			continue
		}
		s.log.Warnw("reconcile: swept orphaned running process to failed", "process_id", proc.ID, "attempt_id", proc.AttemptID)
		swept++
	}
	return swept, nil
}
