// Package store persists finalized EVV records. Records are append-only:
// there is no update operation by design.
package store

import (
	"context"

	"carebridge/internal/evv"
	id "carebridge/pkg/domain"
)

// Store is the EVV record repository consumed by the visit service and the
// submission pipeline.
type Store interface {
	// Create persists a new record. Returns sentinel.ErrConflict if the visit
	// already has one.
	Create(ctx context.Context, rec *evv.Record) error
	Get(ctx context.Context, recordID id.EVVRecordID) (*evv.Record, error)
	GetByVisit(ctx context.Context, visitID id.VisitID) (*evv.Record, error)
	// ListPendingReview returns records held for human review, oldest first.
	ListPendingReview(ctx context.Context, limit int) ([]*evv.Record, error)
}
