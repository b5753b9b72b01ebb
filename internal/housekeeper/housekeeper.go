// Package housekeeper runs the Container Service's three scheduled
// maintenance sweeps on a robfig/cron schedule: orphaned worktree
// directories, attempts whose worktree vanished out from under the
// engine, and attempts idle past a quiet period.
package housekeeper

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/attemptengine/core/internal/gitintegration"
	"github.com/attemptengine/core/internal/store"
	"github.com/attemptengine/core/internal/types"
)

// Config holds the housekeeper's tunables. See SPEC_FULL.md §13 decision 1
// for why ExpiredAttemptQuietPeriod is a config value rather than a code
// literal.
type Config struct {
	WorktreeBaseDir string

	DisableOrphanSweep  bool // set from the DISABLE_WORKTREE_ORPHAN_CLEANUP env var upstream
	OrphanSweepInterval time.Duration // default 30m

	ExternallyDeletedSweepInterval time.Duration // default 5m

	ExpiredAttemptQuietPeriod      time.Duration // default 24h
	ExpiredAttemptSweepInterval    time.Duration // default 1h
}

func (c Config) withDefaults() Config {
	if c.OrphanSweepInterval <= 0 {
		c.OrphanSweepInterval = 30 * time.Minute
	}
	if c.ExternallyDeletedSweepInterval <= 0 {
		c.ExternallyDeletedSweepInterval = 5 * time.Minute
	}
	if c.ExpiredAttemptQuietPeriod <= 0 {
		c.ExpiredAttemptQuietPeriod = 24 * time.Hour
	}
	if c.ExpiredAttemptSweepInterval <= 0 {
		c.ExpiredAttemptSweepInterval = time.Hour
	}
	if c.WorktreeBaseDir == "" {
		c.WorktreeBaseDir = gitintegration.DefaultWorktreeBaseDir()
	}
	return c
}

// Service owns the cron schedule for the three sweeps.
type Service struct {
	store *store.Store
	git   *gitintegration.Service
	log   *zap.SugaredLogger
	cfg   Config

	cron *cron.Cron
}

// New constructs a Service. Call Start to begin scheduling.
func New(st *store.Store, git *gitintegration.Service, log *zap.SugaredLogger, cfg Config) *Service {
	return &Service{store: st, git: git, log: log, cfg: cfg.withDefaults()}
}

// Start registers all three sweeps on their intervals and starts the cron
// runner. A sweep already in flight when its next tick fires is skipped
// rather than run concurrently with itself.
func (s *Service) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))

	if !s.cfg.DisableOrphanSweep {
		if _, err := s.cron.AddFunc(everySpec(s.cfg.OrphanSweepInterval), func() {
			s.OrphanSweep(context.Background())
		}); err != nil {
			return err
		}
	}

	if _, err := s.cron.AddFunc(everySpec(s.cfg.ExternallyDeletedSweepInterval), func() {
		s.ExternallyDeletedSweep(context.Background())
	}); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(everySpec(s.cfg.ExpiredAttemptSweepInterval), func() {
		s.ExpiredAttemptsSweep(context.Background())
	}); err != nil {
		return err
	}

	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron runner and waits for any in-flight sweep to finish.
func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func everySpec(d time.Duration) string {
	return "@every " + d.String()
}

// OrphanSweep removes any directory under the worktree base dir that no
// live attempt references.
func (s *Service) OrphanSweep(ctx context.Context) {
	entries, err := os.ReadDir(s.cfg.WorktreeBaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warnw("orphan sweep: read worktree base dir", "error", err)
		}
		return
	}

	attempts, err := s.store.Attempts.ListAll(ctx)
	if err != nil {
		s.log.Warnw("orphan sweep: list attempts", "error", err)
		return
	}
	live := make(map[string]bool, len(attempts))
	for _, a := range attempts {
		if a.ContainerRef != "" {
			live[filepath.Clean(a.ContainerRef)] = true
		}
	}

	for _, e := range entries {
		path := filepath.Join(s.cfg.WorktreeBaseDir, e.Name())
		if live[filepath.Clean(path)] {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			s.log.Warnw("orphan sweep: remove directory", "path", path, "error", err)
			continue
		}
		s.log.Infow("orphan sweep: removed unreferenced worktree directory", "path", path)
	}
}

// ExternallyDeletedSweep marks an attempt's worktree_deleted flag when its
// container_ref no longer exists on disk (e.g. removed by hand, or by an
// OS temp-dir cleaner).
func (s *Service) ExternallyDeletedSweep(ctx context.Context) {
	attempts, err := s.store.Attempts.ListAll(ctx)
	if err != nil {
		s.log.Warnw("externally-deleted sweep: list attempts", "error", err)
		return
	}
	for _, a := range attempts {
		if a.WorktreeDeleted || a.ContainerRef == "" {
			continue
		}
		if _, err := os.Stat(a.ContainerRef); err == nil {
			continue
		}
		a.WorktreeDeleted = true
		if _, err := s.store.Attempts.Update(ctx, a); err != nil {
			s.log.Warnw("externally-deleted sweep: update attempt", "attempt_id", a.ID, "error", err)
		}
	}
}

// ExpiredAttemptsSweep removes the worktree (keeping the branch, so a
// follow-up can resurrect it) for any attempt with no running process
// whose last process completed more than cfg.ExpiredAttemptQuietPeriod
// ago.
func (s *Service) ExpiredAttemptsSweep(ctx context.Context) {
	attempts, err := s.store.Attempts.ListAll(ctx)
	if err != nil {
		s.log.Warnw("expired-attempts sweep: list attempts", "error", err)
		return
	}
	for _, a := range attempts {
		if a.WorktreeDeleted || a.ContainerRef == "" {
			continue
		}
		if s.attemptIsExpired(ctx, a) {
			s.expireAttempt(ctx, a)
		}
	}
}

func (s *Service) attemptIsExpired(ctx context.Context, a types.TaskAttempt) bool {
	procs, err := s.store.Processes.ListByAttempt(ctx, a.ID)
	if err != nil {
		s.log.Warnw("expired-attempts sweep: list processes", "attempt_id", a.ID, "error", err)
		return false
	}
	var lastCompletedAt *time.Time
	for _, p := range procs {
		if p.Status == types.StatusRunning {
			return false
		}
		if p.CompletedAt != nil && (lastCompletedAt == nil || p.CompletedAt.After(*lastCompletedAt)) {
			lastCompletedAt = p.CompletedAt
		}
	}
	if lastCompletedAt == nil {
		return false
	}
	return time.Since(*lastCompletedAt) > s.cfg.ExpiredAttemptQuietPeriod
}

func (s *Service) expireAttempt(ctx context.Context, a types.TaskAttempt) {
	repoPath := s.repoPathForAttempt(ctx, a)
	if err := s.git.CleanupWorktree(ctx, repoPath, a.ContainerRef); err != nil {
		s.log.Warnw("expired-attempts sweep: cleanup worktree", "attempt_id", a.ID, "error", err)
		return
	}
	a.WorktreeDeleted = true
	if _, err := s.store.Attempts.Update(ctx, a); err != nil {
		s.log.Warnw("expired-attempts sweep: update attempt", "attempt_id", a.ID, "error", err)
	}
}

// repoPathForAttempt resolves the attempt's repository checkout path via
// its task's project. Worktree removal itself (os.RemoveAll) doesn't need
// it, but "git worktree remove" in the main checkout does, to keep the
// repo's own worktree registry from accumulating stale entries.
func (s *Service) repoPathForAttempt(ctx context.Context, a types.TaskAttempt) string {
	task, err := s.store.Tasks.Get(ctx, a.TaskID)
	if err != nil {
		return ""
	}
	project, err := s.store.Projects.Get(ctx, task.ProjectID)
	if err != nil {
		return ""
	}
	return project.RepoPath
}
