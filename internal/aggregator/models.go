// Package aggregator owns delivery of finalized EVV records to state
// aggregators. Submissions are write-ahead rows: clock-out enqueues a
// PENDING row and returns; delivery, retry, and correction all happen
// asynchronously against that row.
package aggregator

import (
	"encoding/json"
	"time"

	id "carebridge/pkg/domain"
)

// Status is the submission lifecycle state. SUBMITTING is the transient
// claim state that makes a submission invisible to concurrent sweepers;
// ACCEPTED and REJECTED are terminal.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusSubmitting Status = "SUBMITTING"
	StatusRetry      Status = "RETRY"
	StatusAccepted   Status = "ACCEPTED"
	StatusRejected   Status = "REJECTED"
)

// Terminal reports whether the submission can no longer be attempted.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

// Kind distinguishes first-time visit submissions from corrections of
// already-accepted ones.
type Kind string

const (
	KindVisit      Kind = "VISIT"
	KindCorrection Kind = "CORRECTION"
)

// Submission is one delivery attempt chain for an EVV record. The payload is
// snapshotted at enqueue time so later record edits cannot change what a
// retry sends.
type Submission struct {
	ID          id.SubmissionID
	EVVRecordID id.EVVRecordID
	VisitID     id.VisitID
	OrgID       id.OrgID

	Aggregator string
	StateCode  id.StateCode
	Kind       Kind
	// ParentID chains a correction to the accepted submission it amends.
	ParentID *id.SubmissionID
	// Reason is the agency's stated reason for a correction; empty on
	// first-time visit submissions.
	Reason string

	Payload json.RawMessage

	Status      Status
	RetryCount  int
	MaxRetries  int
	NextRetryAt *time.Time

	ConfirmationID string
	ErrorCode      string
	ErrorMessage   string

	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastAttemptAt *time.Time
}

// VisitPayload is the wire snapshot of a finalized record sent to adapters.
type VisitPayload struct {
	EVVRecordID       string          `json:"evv_record_id"`
	VisitID           string          `json:"visit_id"`
	ClockInTime       time.Time       `json:"clock_in_time"`
	ClockOutTime      time.Time       `json:"clock_out_time"`
	ClockIn           json.RawMessage `json:"clock_in"`
	ClockOut          json.RawMessage `json:"clock_out"`
	VerificationLevel string          `json:"verification_level"`
	ComplianceStatus  string          `json:"compliance_status"`
	TotalDurationS    int64           `json:"total_duration_s"`
	IntegrityHash     string          `json:"integrity_hash"`
	CorrectionReason  string          `json:"correction_reason,omitempty"`
}
