package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "flowstate.dev/flowstate/features/execstore/mongo/clients/mongo"
	"flowstate.dev/flowstate/runtime/routine/api"
	"flowstate.dev/flowstate/runtime/routine/execerrors"
	"flowstate.dev/flowstate/runtime/routine/execstore"
	"flowstate.dev/flowstate/runtime/routine/state"
)

// Store implements execstore.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ execstore.Store = (*Store)(nil)

// NewStore builds a Mongo-backed execution store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// CreateExecution implements execstore.Store.
func (s *Store) CreateExecution(ctx context.Context, exec *execstore.Execution) error {
	return s.client.CreateExecution(ctx, exec)
}

// UpdateStatus implements execstore.Store.
func (s *Store) UpdateStatus(ctx context.Context, executionID string, status api.ExecutionStatus, execErr *execerrors.Error, path []state.PathEntry, completedAt time.Time) error {
	return s.client.UpdateStatus(ctx, executionID, status, execErr, path, completedAt)
}

// UpsertNodeResult implements execstore.Store.
func (s *Store) UpsertNodeResult(ctx context.Context, executionID string, result *state.NodeResult) error {
	return s.client.UpsertNodeResult(ctx, executionID, result)
}

// GetExecution implements execstore.Store.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*execstore.Execution, error) {
	return s.client.GetExecution(ctx, executionID)
}

// ListNodeResults implements execstore.Store.
func (s *Store) ListNodeResults(ctx context.Context, executionID string) ([]*state.NodeResult, error) {
	return s.client.ListNodeResults(ctx, executionID)
}
