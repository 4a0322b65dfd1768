// Package store persists ingested mutations. The unique key
// (visit_id, operation_type, client_generated_id) is what makes the
// ingestion endpoint idempotent: a replayed mutation hits the stored row
// instead of being applied twice.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"carebridge/internal/mutation"
	id "carebridge/pkg/domain"
)

// Store is the mutation log.
type Store interface {
	// Insert records a new mutation. Returns sentinel.ErrConflict when the
	// (visit, operation, client-generated id) key already exists.
	Insert(ctx context.Context, m *mutation.Mutation) error

	// GetByKey looks up a mutation by its idempotency key.
	GetByKey(ctx context.Context, visitID id.VisitID, op mutation.OperationType, clientGeneratedID string) (*mutation.Mutation, error)

	// LastSettledSequence returns the highest sequence the visit has consumed
	// (APPLIED or REJECTED), or 0 when nothing has settled yet. REJECTED rows
	// count: the device spent that sequence, so the next expected one moves on.
	LastSettledSequence(ctx context.Context, visitID id.VisitID) (int64, error)

	// GetDeferred returns the deferred mutation with exactly the given
	// sequence, or sentinel.ErrNotFound.
	GetDeferred(ctx context.Context, visitID id.VisitID, sequence int64) (*mutation.Mutation, error)

	// MarkApplied flips a deferred mutation to APPLIED with its result.
	MarkApplied(ctx context.Context, mutationID uuid.UUID, result []byte, appliedAt time.Time) error

	// MarkRejected flips a deferred mutation to REJECTED with the business
	// error it failed on.
	MarkRejected(ctx context.Context, mutationID uuid.UUID, code, message string) error
}
