// Package mutation implements the idempotent ingestion endpoint the mobile
// offline sync queue replays against. Mutations are keyed on
// (visit, operation, client-generated id) and ordered by a per-visit
// sequence number; out-of-order arrivals are parked, not dropped.
package mutation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	id "carebridge/pkg/domain"
)

// OperationType names a replayable mobile write.
type OperationType string

const (
	OpClockIn      OperationType = "CLOCK_IN"
	OpClockOut     OperationType = "CLOCK_OUT"
	OpTaskComplete OperationType = "TASK_COMPLETE"
	OpNoteAdd      OperationType = "NOTE_ADD"
)

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OpClockIn, OpClockOut, OpTaskComplete, OpNoteAdd:
		return true
	}
	return false
}

// Status is the mutation's server-side disposition. DEFERRED mutations
// arrived ahead of a gap in the sequence and wait for it to close. REJECTED
// mutations failed a business rule; the row stays so the sequence the device
// already spent on it is consumed, not left as a permanent gap.
type Status string

const (
	StatusApplied  Status = "APPLIED"
	StatusDeferred Status = "DEFERRED"
	StatusRejected Status = "REJECTED"
)

// Mutation is one ingested mobile write. ErrorCode and ErrorMessage carry the
// rejection for REJECTED rows so replays reproduce the original outcome.
type Mutation struct {
	ID                uuid.UUID
	VisitID           id.VisitID
	CaregiverID       id.CaregiverID
	Operation         OperationType
	ClientGeneratedID string
	Sequence          int64
	Payload           json.RawMessage
	Status            Status
	Result            json.RawMessage
	ErrorCode         string
	ErrorMessage      string
	ReceivedAt        time.Time
	AppliedAt         *time.Time
}
