package store

import (
	"context"
	"sort"
	"sync"

	"carebridge/internal/visit"
	id "carebridge/pkg/domain"
	"carebridge/pkg/platform/sentinel"
)

// MemoryStore is the in-memory Store used by unit tests and local runs.
type MemoryStore struct {
	mu     sync.RWMutex
	visits map[id.VisitID]*visit.Visit
}

func NewMemory() *MemoryStore {
	return &MemoryStore{visits: make(map[id.VisitID]*visit.Visit)}
}

func (s *MemoryStore) Create(ctx context.Context, v *visit.Visit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.visits[v.ID]; exists {
		return sentinel.ErrConflict
	}
	s.visits[v.ID] = clone(v)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, visitID id.VisitID) (*visit.Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.visits[visitID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(v), nil
}

func (s *MemoryStore) Update(ctx context.Context, v *visit.Visit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.visits[v.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.visits[v.ID] = clone(v)
	return nil
}

func (s *MemoryStore) ListByCaregiver(ctx context.Context, caregiverID id.CaregiverID, limit int) ([]*visit.Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*visit.Visit
	for _, v := range s.visits {
		if v.CaregiverID == caregiverID {
			out = append(out, clone(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledStart.Before(out[j].ScheduledStart) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// clone deep-copies the mutable parts so callers cannot alias store state.
func clone(v *visit.Visit) *visit.Visit {
	cp := *v
	cp.Tasks = make([]visit.Task, len(v.Tasks))
	copy(cp.Tasks, v.Tasks)
	if len(v.Notes) > 0 {
		cp.Notes = make([]visit.Note, len(v.Notes))
		copy(cp.Notes, v.Notes)
	}
	if v.ClockIn != nil {
		ci := *v.ClockIn
		cp.ClockIn = &ci
	}
	if v.ClockOut != nil {
		co := *v.ClockOut
		cp.ClockOut = &co
	}
	return &cp
}
