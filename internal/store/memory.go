package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/attemptengine/core/internal/types"
)

// NewMemoryStore builds a Store backed entirely by in-memory maps: one
// sync.RWMutex-guarded map per entity, indexed by id.
func NewMemoryStore() *Store {
	return &Store{
		Projects:  &memoryProjects{rows: map[string]types.Project{}},
		Tasks:     &memoryTasks{rows: map[string]types.Task{}},
		Attempts:  &memoryAttempts{rows: map[string]types.TaskAttempt{}},
		Processes: &memoryProcesses{rows: map[string]types.ExecutionProcess{}},
		Sessions:  &memorySessions{rows: map[string]types.ExecutorSession{}},
	}
}

type memoryProjects struct {
	mu   sync.RWMutex
	rows map[string]types.Project
}

func (s *memoryProjects) Create(_ context.Context, p types.Project) (types.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.rows[p.ID] = p
	return p, nil
}

func (s *memoryProjects) Get(_ context.Context, id string) (types.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.rows[id]
	if !ok {
		return types.Project{}, ErrNotFound
	}
	return p, nil
}

func (s *memoryProjects) Update(_ context.Context, p types.Project) (types.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[p.ID]; !ok {
		return types.Project{}, ErrNotFound
	}
	s.rows[p.ID] = p
	return p, nil
}

func (s *memoryProjects) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

type memoryTasks struct {
	mu   sync.RWMutex
	rows map[string]types.Task
}

func (s *memoryTasks) Create(_ context.Context, t types.Task) (types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	s.rows[t.ID] = t
	return t, nil
}

func (s *memoryTasks) Get(_ context.Context, id string) (types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.rows[id]
	if !ok {
		return types.Task{}, ErrNotFound
	}
	return t, nil
}

func (s *memoryTasks) Update(_ context.Context, t types.Task) (types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[t.ID]; !ok {
		return types.Task{}, ErrNotFound
	}
	s.rows[t.ID] = t
	return t, nil
}

func (s *memoryTasks) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *memoryTasks) ListByProject(_ context.Context, projectID string) ([]types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Task
	for _, t := range s.rows {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memoryAttempts struct {
	mu   sync.RWMutex
	rows map[string]types.TaskAttempt
}

func (s *memoryAttempts) Create(_ context.Context, a types.TaskAttempt) (types.TaskAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	s.rows[a.ID] = a
	return a, nil
}

func (s *memoryAttempts) Get(_ context.Context, id string) (types.TaskAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.rows[id]
	if !ok {
		return types.TaskAttempt{}, ErrNotFound
	}
	return a, nil
}

func (s *memoryAttempts) Update(_ context.Context, a types.TaskAttempt) (types.TaskAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[a.ID]; !ok {
		return types.TaskAttempt{}, ErrNotFound
	}
	s.rows[a.ID] = a
	return a, nil
}

func (s *memoryAttempts) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *memoryAttempts) ListByTask(_ context.Context, taskID string) ([]types.TaskAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.TaskAttempt
	for _, a := range s.rows {
		if a.TaskID == taskID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryAttempts) ListAll(_ context.Context) ([]types.TaskAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.TaskAttempt, 0, len(s.rows))
	for _, a := range s.rows {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memoryProcesses struct {
	mu      sync.RWMutex
	rows    map[string]types.ExecutionProcess
	dropped map[string]bool
}

func (s *memoryProcesses) Create(_ context.Context, p types.ExecutionProcess) (types.ExecutionProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.rows[p.ID] = p
	return p, nil
}

func (s *memoryProcesses) Get(_ context.Context, id string) (types.ExecutionProcess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.rows[id]
	if !ok {
		return types.ExecutionProcess{}, ErrNotFound
	}
	return p, nil
}

func (s *memoryProcesses) Update(_ context.Context, p types.ExecutionProcess) (types.ExecutionProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[p.ID]; !ok {
		return types.ExecutionProcess{}, ErrNotFound
	}
	s.rows[p.ID] = p
	return p, nil
}

func (s *memoryProcesses) ListByAttempt(_ context.Context, attemptID string) ([]types.ExecutionProcess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.ExecutionProcess
	for id, p := range s.rows {
		if p.AttemptID != attemptID {
			continue
		}
		if s.dropped != nil && s.dropped[id] {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryProcesses) ListRunning(_ context.Context) ([]types.ExecutionProcess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.ExecutionProcess
	for _, p := range s.rows {
		if p.Status == types.StatusRunning {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryProcesses) SoftDrop(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped == nil {
		s.dropped = make(map[string]bool, len(ids))
	}
	for _, id := range ids {
		s.dropped[id] = true
	}
	return nil
}

type memorySessions struct {
	mu   sync.RWMutex
	rows map[string]types.ExecutorSession
}

func (s *memorySessions) Create(_ context.Context, sess types.ExecutorSession) (types.ExecutorSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[sess.ProcessID] = sess
	return sess, nil
}

func (s *memorySessions) Get(_ context.Context, processID string) (types.ExecutorSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.rows[processID]
	if !ok {
		return types.ExecutorSession{}, ErrNotFound
	}
	return sess, nil
}

func (s *memorySessions) Update(_ context.Context, sess types.ExecutorSession) (types.ExecutorSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[sess.ProcessID]; !ok {
		return types.ExecutorSession{}, ErrNotFound
	}
	s.rows[sess.ProcessID] = sess
	return sess, nil
}
