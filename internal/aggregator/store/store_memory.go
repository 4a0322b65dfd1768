package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"carebridge/internal/aggregator"
	id "carebridge/pkg/domain"
	"carebridge/pkg/platform/sentinel"
)

// MemoryStore is the in-memory Store used by unit tests and local runs.
type MemoryStore struct {
	mu   sync.Mutex
	subs map[id.SubmissionID]*aggregator.Submission
}

func NewMemory() *MemoryStore {
	return &MemoryStore{subs: make(map[id.SubmissionID]*aggregator.Submission)}
}

func (s *MemoryStore) Create(ctx context.Context, sub *aggregator.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.subs {
		if existing.EVVRecordID == sub.EVVRecordID && !existing.Status.Terminal() {
			return sentinel.ErrConflict
		}
	}
	cp := *sub
	s.subs[sub.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, subID id.SubmissionID) (*aggregator.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[subID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) LatestByRecord(ctx context.Context, recordID id.EVVRecordID) (*aggregator.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *aggregator.Submission
	for _, sub := range s.subs {
		if sub.EVVRecordID != recordID {
			continue
		}
		if latest == nil || sub.CreatedAt.After(latest.CreatedAt) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, sentinel.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status aggregator.Status, limit int) ([]*aggregator.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*aggregator.Submission
	for _, sub := range s.subs {
		if sub.Status == status {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*aggregator.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*aggregator.Submission
	for _, sub := range s.subs {
		if sub.Status != aggregator.StatusPending && sub.Status != aggregator.StatusRetry {
			continue
		}
		if sub.NextRetryAt != nil && sub.NextRetryAt.After(now) {
			continue
		}
		due = append(due, sub)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*aggregator.Submission, 0, len(due))
	for _, sub := range due {
		sub.Status = aggregator.StatusSubmitting
		at := now
		sub.LastAttemptAt = &at
		sub.UpdatedAt = now
		cp := *sub
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, sub := range s.subs {
		if sub.Status != aggregator.StatusSubmitting {
			continue
		}
		if sub.LastAttemptAt == nil || sub.LastAttemptAt.Before(cutoff) {
			sub.Status = aggregator.StatusRetry
			sub.NextRetryAt = nil
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Finalize(ctx context.Context, sub *aggregator.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[sub.ID]; !ok {
		return sentinel.ErrNotFound
	}
	cp := *sub
	s.subs[sub.ID] = &cp
	return nil
}
