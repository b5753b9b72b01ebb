// Package store defines the engine's persistence boundary: a narrow set
// of repository interfaces over internal/types' domain records, plus an
// in-memory reference implementation. Per spec.md §6, the real store is
// an external collaborator (a SQL database in production); the core only
// ever depends on these interfaces, never on a concrete driver.
package store

import (
	"context"
	"errors"

	"github.com/attemptengine/core/internal/types"
)

// ErrNotFound is returned by every Get and Update method when the row does not
// exist, collapsed to one shared sentinel: this engine's rows don't need
// per-entity discrimination at the store boundary — callers already know
// which entity they asked for.
var ErrNotFound = errors.New("attemptengine: record not found")

// ProjectStore persists Project rows.
type ProjectStore interface {
	Create(ctx context.Context, p types.Project) (types.Project, error)
	Get(ctx context.Context, id string) (types.Project, error)
	Update(ctx context.Context, p types.Project) (types.Project, error)
	Delete(ctx context.Context, id string) error
}

// TaskStore persists Task rows.
type TaskStore interface {
	Create(ctx context.Context, t types.Task) (types.Task, error)
	Get(ctx context.Context, id string) (types.Task, error)
	Update(ctx context.Context, t types.Task) (types.Task, error)
	Delete(ctx context.Context, id string) error
	ListByProject(ctx context.Context, projectID string) ([]types.Task, error)
}

// AttemptStore persists TaskAttempt rows.
type AttemptStore interface {
	Create(ctx context.Context, a types.TaskAttempt) (types.TaskAttempt, error)
	Get(ctx context.Context, id string) (types.TaskAttempt, error)
	Update(ctx context.Context, a types.TaskAttempt) (types.TaskAttempt, error)
	Delete(ctx context.Context, id string) error
	ListByTask(ctx context.Context, taskID string) ([]types.TaskAttempt, error)
	// ListAll is used by housekeepers that must scan every attempt
	// regardless of task (orphan sweep, expired-attempt sweep).
	ListAll(ctx context.Context) ([]types.TaskAttempt, error)
}

// ProcessStore persists ExecutionProcess rows, ordered by created_at per
// spec.md §6.
type ProcessStore interface {
	Create(ctx context.Context, p types.ExecutionProcess) (types.ExecutionProcess, error)
	Get(ctx context.Context, id string) (types.ExecutionProcess, error)
	Update(ctx context.Context, p types.ExecutionProcess) (types.ExecutionProcess, error)
	// ListByAttempt returns the attempt's processes ordered by created_at
	// ascending.
	ListByAttempt(ctx context.Context, attemptID string) ([]types.ExecutionProcess, error)
	// ListRunning returns every process still marked Running, used at
	// startup to reconcile rows left behind by a crash (spec.md §7).
	ListRunning(ctx context.Context) ([]types.ExecutionProcess, error)
	// SoftDrop removes ids from future ListByAttempt results without
	// physically deleting them, per follow_up's retry_from_process_id
	// "soft-drop all processes at and after the retry point" (spec.md §4.7).
	SoftDrop(ctx context.Context, ids []string) error
}

// SessionStore persists ExecutorSession rows, 1:1 with a CodingAgent
// ExecutionProcess.
type SessionStore interface {
	Create(ctx context.Context, s types.ExecutorSession) (types.ExecutorSession, error)
	Get(ctx context.Context, processID string) (types.ExecutorSession, error)
	Update(ctx context.Context, s types.ExecutorSession) (types.ExecutorSession, error)
}

// Store bundles every repository the engine depends on. Components take
// the whole bundle and use the repositories they need from it.
type Store struct {
	Projects ProjectStore
	Tasks    TaskStore
	Attempts AttemptStore
	Processes ProcessStore
	Sessions SessionStore
}
