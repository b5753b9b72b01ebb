// Command attemptd is the CLI entrypoint for the Attempt Execution
// Engine: a long-running "serve" mode that runs the housekeepers and
// crash-recovery reconciliation, plus a handful of "attempt" subcommands
// for driving the engine by hand against a project directory. It does
// not expose the HTTP/WebSocket API or a SQL-backed store — those are
// external collaborators (spec.md §1) — so every invocation here wires
// the in-memory store reference implementation.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/attemptengine/core/internal/config"
	"github.com/attemptengine/core/internal/container"
	"github.com/attemptengine/core/internal/gitintegration"
	"github.com/attemptengine/core/internal/housekeeper"
	"github.com/attemptengine/core/internal/logging"
	"github.com/attemptengine/core/internal/orchestrator"
	"github.com/attemptengine/core/internal/store"
	"github.com/attemptengine/core/internal/types"
)

var debug bool

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "attemptd:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "attemptd",
		Short: "Attempt Execution Engine daemon and CLI",
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug-level logging")
	root.AddCommand(newServeCommand())
	root.AddCommand(newAttemptCommand())
	return root
}

// engine bundles every wired component a CLI command needs.
type engine struct {
	cfg          config.Config
	log          *zap.SugaredLogger
	store        *store.Store
	git          *gitintegration.Service
	container    *container.Service
	housekeeper  *housekeeper.Service
	orchestrator *orchestrator.Service
}

func newEngine() (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.LogDebug = true
	}

	log, err := logging.New(logging.Options{Debug: cfg.LogDebug, JSON: cfg.LogJSON})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	st := store.NewMemoryStore()
	git := gitintegration.New()
	cont := container.New(st, git, log, cfg.ContainerConfig(), nil, nil)
	hk := housekeeper.New(st, git, log, cfg.HousekeeperConfig())
	orch := orchestrator.New(st, git, cont, log, nil, nil)

	return &engine{cfg: cfg, log: log, store: st, git: git, container: cont, housekeeper: hk, orchestrator: orch}, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run crash recovery then the housekeeper sweeps until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}
			defer eng.log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			swept, err := eng.container.ReconcileCrashedProcesses(ctx)
			if err != nil {
				return fmt.Errorf("reconcile crashed processes: %w", err)
			}
			eng.log.Infow("startup reconciliation complete", "swept", swept)

			if err := eng.housekeeper.Start(ctx); err != nil {
				return fmt.Errorf("start housekeeper: %w", err)
			}
			defer eng.housekeeper.Stop()

			eng.log.Infow("attemptd running")
			<-ctx.Done()
			eng.log.Infow("attemptd shutting down")
			return nil
		},
	}
}

func newAttemptCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attempt",
		Short: "Drive a single attempt by hand, for local testing",
	}
	cmd.AddCommand(newAttemptCreateCommand())
	cmd.AddCommand(newAttemptStopCommand())
	cmd.AddCommand(newAttemptMergeCommand())
	return cmd
}

func newAttemptCreateCommand() *cobra.Command {
	var executor, baseBranch string
	c := &cobra.Command{
		Use:   "create <repo-path> <task-title>",
		Short: "Seed a project/task in a fresh in-memory store and create an attempt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}
			defer eng.log.Sync()

			ctx := cmd.Context()
			repoPath, title := args[0], args[1]

			project, err := eng.store.Projects.Create(ctx, types.Project{RepoPath: repoPath})
			if err != nil {
				return fmt.Errorf("create project: %w", err)
			}
			task, err := eng.store.Tasks.Create(ctx, types.Task{ProjectID: project.ID, Title: title, Status: types.TaskTodo})
			if err != nil {
				return fmt.Errorf("create task: %w", err)
			}

			attempt, err := eng.orchestrator.CreateAttempt(ctx, task.ID, types.ExecutorProfile{Vendor: executor}, baseBranch)
			if err != nil {
				return fmt.Errorf("create attempt: %w", err)
			}

			fmt.Printf("attempt %s created: branch=%s worktree=%s\n", attempt.ID, attempt.Branch, attempt.ContainerRef)
			return nil
		},
	}
	c.Flags().StringVar(&executor, "executor", "claude", "coding agent vendor")
	c.Flags().StringVar(&baseBranch, "base", "main", "base branch ref")
	return c
}

func newAttemptStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <attempt-id>",
		Short: "Stop the running process on an attempt (no-op against a fresh store)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}
			defer eng.log.Sync()
			if err := eng.orchestrator.Stop(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("stop attempt: %w", err)
			}
			fmt.Println("stopped")
			return nil
		},
	}
}

func newAttemptMergeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <attempt-id>",
		Short: "Merge an attempt's worktree into its base branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine()
			if err != nil {
				return err
			}
			defer eng.log.Sync()
			merged, err := eng.orchestrator.Merge(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("merge attempt: %w", err)
			}
			fmt.Printf("merged: commit=%s\n", merged.MergeCommitID)
			return nil
		},
	}
}
