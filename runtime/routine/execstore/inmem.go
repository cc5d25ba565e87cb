package execstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/execerrors"
	"flowstate.dev/flowstate/runtime/routine/state"
)

// InMem is an in-memory Store for tests and single-node deployments. It is
// safe for concurrent use.
type InMem struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	// results is keyed by execution id, then state.ResultKey.
	results map[string]map[string]*state.NodeResult
}

// Compile-time check that InMem implements Store.
var _ Store = (*InMem)(nil)

// NewInMem creates an empty in-memory execution store.
func NewInMem() *InMem {
	return &InMem{
		executions: make(map[string]*Execution),
		results:    make(map[string]map[string]*state.NodeResult),
	}
}

// CreateExecution records a new execution. Replays keep the original record.
func (s *InMem) CreateExecution(ctx context.Context, exec *Execution) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ExecutionID]; exists {
		return nil
	}
	cp := *exec
	s.executions[exec.ExecutionID] = &cp
	return nil
}

// UpdateStatus records an execution status change.
func (s *InMem) UpdateStatus(ctx context.Context, executionID string, status api.ExecutionStatus, execErr *execerrors.Error, path []state.PathEntry, completedAt time.Time) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	// A terminal record absorbs: replays and late running updates are no-ops.
	if exec.Status.Terminal() {
		return nil
	}
	exec.Status = status
	exec.Error = execErr
	if len(path) > 0 {
		exec.ExecutionPath = path
	}
	if status.Terminal() {
		exec.CompletedAt = completedAt
	}
	return nil
}

// UpsertNodeResult records a node invocation state.
func (s *InMem) UpsertNodeResult(ctx context.Context, executionID string, result *state.NodeResult) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.results[executionID]
	if !ok {
		byKey = make(map[string]*state.NodeResult)
		s.results[executionID] = byKey
	}
	key := state.ResultKey(result.NodeID, result.ContextKey)
	if prev, exists := byKey[key]; exists && prev.Status.Terminal() && !result.Status.Terminal() {
		return nil
	}
	cp := *result
	byKey[key] = &cp
	return nil
}

// GetExecution returns the stored execution record.
func (s *InMem) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *exec
	return &cp, nil
}

// ListNodeResults returns node results ordered by start time then result key.
func (s *InMem) ListNodeResults(ctx context.Context, executionID string) ([]*state.NodeResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKey := s.results[executionID]
	out := make([]*state.NodeResult, 0, len(byKey))
	for _, result := range byKey {
		cp := *result
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return state.ResultKey(out[i].NodeID, out[i].ContextKey) < state.ResultKey(out[j].NodeID, out[j].ContextKey)
	})
	return out, nil
}
