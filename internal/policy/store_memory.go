package policy

import (
	"context"
	"sync"

	id "carebridge/pkg/domain"
)

// MemoryStore holds policy layers in maps. Used by tests and by deployments
// that configure policy statically at startup.
type MemoryStore struct {
	mu     sync.RWMutex
	orgs   map[id.OrgID]*Layer
	states map[id.StateCode]*Layer
	payers map[id.PayerID]*Layer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:   make(map[id.OrgID]*Layer),
		states: make(map[id.StateCode]*Layer),
		payers: make(map[id.PayerID]*Layer),
	}
}

func (s *MemoryStore) SetOrgLayer(orgID id.OrgID, l *Layer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[orgID] = l
}

func (s *MemoryStore) SetStateLayer(state id.StateCode, l *Layer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state] = l
}

func (s *MemoryStore) SetPayerLayer(payerID id.PayerID, l *Layer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payers[payerID] = l
}

// Missing layers return nil, nil: absence simply means "inherit".

func (s *MemoryStore) GetOrgLayer(ctx context.Context, orgID id.OrgID) (*Layer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orgs[orgID], nil
}

func (s *MemoryStore) GetStateLayer(ctx context.Context, state id.StateCode) (*Layer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[state], nil
}

func (s *MemoryStore) GetPayerLayer(ctx context.Context, payerID id.PayerID) (*Layer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.payers[payerID], nil
}
