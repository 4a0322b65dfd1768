// Package audit captures the compliance audit trail: clock events, record
// finalizations, submission outcomes, and integrity violations. Events are
// append-only and transport-agnostic so stores and sinks can fan out.
package audit

import (
	"context"
	"time"

	id "carebridge/pkg/domain"
)

// Action names the audited operation.
type Action string

const (
	ActionClockIn             Action = "visit_clock_in"
	ActionClockInRejected     Action = "visit_clock_in_rejected"
	ActionClockOut            Action = "visit_clock_out"
	ActionClockOutRejected    Action = "visit_clock_out_rejected"
	ActionVisitCancelled      Action = "visit_cancelled"
	ActionRecordFinalized     Action = "evv_record_finalized"
	ActionSubmissionAccepted  Action = "aggregator_submission_accepted"
	ActionSubmissionRejected  Action = "aggregator_submission_rejected"
	ActionCorrectionSubmitted Action = "aggregator_correction_submitted"
	ActionIntegrityViolation  Action = "evv_integrity_violation"
	ActionMutationReplayed    Action = "mutation_replayed"
	ActionMutationRejected    Action = "mutation_rejected"
)

// Event is one audit trail entry.
type Event struct {
	Timestamp   time.Time      `json:"timestamp"`
	Action      Action         `json:"action"`
	OrgID       id.OrgID       `json:"org_id,omitempty"`
	VisitID     id.VisitID     `json:"visit_id,omitempty"`
	CaregiverID id.CaregiverID `json:"caregiver_id,omitempty"`
	RecordID    id.EVVRecordID `json:"evv_record_id,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Detail      string         `json:"detail,omitempty"`
	DeviceName  string         `json:"device_name,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
}

// Store is the audit persistence sink.
type Store interface {
	Append(ctx context.Context, event Event) error
}
