// Package store persists visits.
package store

import (
	"context"

	"carebridge/internal/visit"
	id "carebridge/pkg/domain"
)

// Store is the visit repository. Pure I/O: transition guards live in the
// service layer.
type Store interface {
	Create(ctx context.Context, v *visit.Visit) error
	Get(ctx context.Context, visitID id.VisitID) (*visit.Visit, error)
	// Update persists the whole visit row. The service serializes writes per
	// visit, so last-write-wins here is safe.
	Update(ctx context.Context, v *visit.Visit) error
	ListByCaregiver(ctx context.Context, caregiverID id.CaregiverID, limit int) ([]*visit.Visit, error)
}
