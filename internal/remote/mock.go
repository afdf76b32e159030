package remote

import (
	"context"
	"sync"

	"github.com/kanbanlab/boardsync/internal/models"
)

// MockStore is an in-memory Store for tests. It maintains versioned
// entities, detects stale baselines, and supports failure injection.
type MockStore struct {
	mu       sync.Mutex
	entities map[string]models.Document
	applied  []Mutation

	// failNext makes the next N Apply calls return failErr.
	failNext int
	failErr  error

	// Delay hook invoked before each Apply while holding no lock; lets
	// tests coordinate with an in-flight call.
	BeforeApply func(m Mutation)
}

// NewMockStore creates an empty mock remote.
func NewMockStore() *MockStore {
	return &MockStore{
		entities: make(map[string]models.Document),
	}
}

// Seed installs an entity snapshot without going through Apply.
func (s *MockStore) Seed(itemID string, doc models.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[itemID] = doc.Clone()
}

// Entity returns the current remote snapshot for an item.
func (s *MockStore) Entity(itemID string) (models.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.entities[itemID]
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

// Applied returns all mutations accepted or conflicted so far.
func (s *MockStore) Applied() []Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Mutation(nil), s.applied...)
}

// FailNext makes the next n Apply calls fail with err.
func (s *MockStore) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failErr = err
}

// Apply validates the mutation's baseline version against the stored
// entity. A stale baseline yields a conflict result carrying the
// authoritative snapshot.
func (s *MockStore) Apply(ctx context.Context, m Mutation) (*Result, error) {
	if s.BeforeApply != nil {
		s.BeforeApply(m)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return nil, s.failErr
	}

	s.applied = append(s.applied, m)

	current, exists := s.entities[m.ItemID]

	if m.Operation == models.OpDelete {
		delete(s.entities, m.ItemID)
		return &Result{Status: StatusOK, NewVersion: m.BaseVersion + 1}, nil
	}

	if exists && current.Version() != m.BaseVersion {
		return &Result{
			Status:        StatusConflict,
			ServerVersion: current.Clone(),
		}, nil
	}

	stored := m.Data.Clone()
	newVersion := m.BaseVersion + 1
	stored["version"] = newVersion
	s.entities[m.ItemID] = stored

	return &Result{Status: StatusOK, NewVersion: newVersion}, nil
}
