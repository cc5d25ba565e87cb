package credentials

import (
	"context"
	"sync"
)

// InMemory is an in-memory credential store keyed by user then credential id.
// It is safe for concurrent use and suitable for tests and single-node
// deployments.
type InMemory struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Data
}

// Compile-time check that InMemory implements Store.
var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty in-memory credential store.
func NewInMemory() *InMemory {
	return &InMemory{byUser: make(map[string]map[string]Data)}
}

// Put stores credential material for a user, replacing any previous value.
func (s *InMemory) Put(userID, credentialID string, data Data) {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, ok := s.byUser[userID]
	if !ok {
		creds = make(map[string]Data)
		s.byUser[userID] = creds
	}
	creds[credentialID] = data.Clone()
}

// Fetch returns a copy of the credential material for the given user and id.
func (s *InMemory) Fetch(ctx context.Context, userID, credentialID string) (Data, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.byUser[userID][credentialID]
	if !ok {
		return nil, ErrNotFound
	}
	return data.Clone(), nil
}

// Static is a read-only store backed by a single credential-id map. Every
// user resolves the same material, which fits worker deployments whose
// secrets come from configuration rather than a per-user vault. The map must
// not be mutated after the store is handed out.
type Static map[string]Data

var _ Store = Static(nil)

// Fetch returns a copy of the credential material for the given id,
// ignoring the user.
func (s Static) Fetch(ctx context.Context, _, credentialID string) (Data, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	data, ok := s[credentialID]
	if !ok {
		return nil, ErrNotFound
	}
	return data.Clone(), nil
}
