package store

import (
	"context"
	"sort"
	"sync"

	"carebridge/internal/evv"
	id "carebridge/pkg/domain"
	"carebridge/pkg/platform/sentinel"
)

// MemoryStore is the in-memory Store used by unit tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[id.EVVRecordID]*evv.Record
	byVisit map[id.VisitID]id.EVVRecordID
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[id.EVVRecordID]*evv.Record),
		byVisit: make(map[id.VisitID]id.EVVRecordID),
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec *evv.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byVisit[rec.VisitID]; exists {
		return sentinel.ErrConflict
	}
	cp := *rec
	s.byID[rec.ID] = &cp
	s.byVisit[rec.VisitID] = rec.ID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, recordID id.EVVRecordID) (*evv.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[recordID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) GetByVisit(ctx context.Context, visitID id.VisitID) (*evv.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recID, ok := s.byVisit[visitID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *s.byID[recID]
	return &cp, nil
}

func (s *MemoryStore) ListPendingReview(ctx context.Context, limit int) ([]*evv.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*evv.Record
	for _, rec := range s.byID {
		if rec.ComplianceStatus == evv.StatusPendingReview {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
