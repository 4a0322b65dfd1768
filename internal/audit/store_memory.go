package audit

import (
	"context"
	"sync"

	id "carebridge/pkg/domain"
)

// MemoryStore keeps events in a slice. Used by tests and local runs without
// kafka configured.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// ListByVisit returns events for one visit in append order.
func (s *MemoryStore) ListByVisit(ctx context.Context, visitID id.VisitID) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events {
		if e.VisitID == visitID {
			out = append(out, e)
		}
	}
	return out, nil
}

// All returns a copy of every stored event.
func (s *MemoryStore) All() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
