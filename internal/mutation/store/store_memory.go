package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"carebridge/internal/mutation"
	id "carebridge/pkg/domain"
	"carebridge/pkg/platform/sentinel"
)

type key struct {
	visitID  id.VisitID
	op       mutation.OperationType
	clientID string
}

// MemoryStore is the in-memory Store used by unit tests and local runs.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*mutation.Mutation
	byKey map[key]uuid.UUID
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[uuid.UUID]*mutation.Mutation),
		byKey: make(map[key]uuid.UUID),
	}
}

func keyOf(m *mutation.Mutation) key {
	return key{visitID: m.VisitID, op: m.Operation, clientID: m.ClientGeneratedID}
}

func (s *MemoryStore) Insert(ctx context.Context, m *mutation.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(m)
	if _, exists := s.byKey[k]; exists {
		return sentinel.ErrConflict
	}
	cp := *m
	s.byID[m.ID] = &cp
	s.byKey[k] = m.ID
	return nil
}

func (s *MemoryStore) GetByKey(ctx context.Context, visitID id.VisitID, op mutation.OperationType, clientGeneratedID string) (*mutation.Mutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mID, ok := s.byKey[key{visitID: visitID, op: op, clientID: clientGeneratedID}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *s.byID[mID]
	return &cp, nil
}

func (s *MemoryStore) LastSettledSequence(ctx context.Context, visitID id.VisitID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last int64
	for _, m := range s.byID {
		if m.VisitID == visitID && m.Status != mutation.StatusDeferred && m.Sequence > last {
			last = m.Sequence
		}
	}
	return last, nil
}

func (s *MemoryStore) GetDeferred(ctx context.Context, visitID id.VisitID, sequence int64) (*mutation.Mutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.byID {
		if m.VisitID == visitID && m.Status == mutation.StatusDeferred && m.Sequence == sequence {
			cp := *m
			return &cp, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *MemoryStore) MarkApplied(ctx context.Context, mutationID uuid.UUID, result []byte, appliedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[mutationID]
	if !ok {
		return sentinel.ErrNotFound
	}
	m.Status = mutation.StatusApplied
	m.Result = result
	at := appliedAt
	m.AppliedAt = &at
	return nil
}

func (s *MemoryStore) MarkRejected(ctx context.Context, mutationID uuid.UUID, code, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[mutationID]
	if !ok {
		return sentinel.ErrNotFound
	}
	m.Status = mutation.StatusRejected
	m.ErrorCode = code
	m.ErrorMessage = message
	return nil
}
