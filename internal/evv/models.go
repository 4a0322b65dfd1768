// Package evv computes visit verification and compliance outcomes. The two
// evaluators are pure functions: the service layer assembles their inputs via
// adapters so rules stay centralized and testable without mocks.
package evv

import (
	"time"

	id "carebridge/pkg/domain"
)

// VerificationLevel classifies the location evidence of a clock event pair.
type VerificationLevel string

const (
	LevelFull      VerificationLevel = "FULL"
	LevelPartial   VerificationLevel = "PARTIAL"
	LevelManual    VerificationLevel = "MANUAL"
	LevelException VerificationLevel = "EXCEPTION"
)

// levelRank orders levels best-to-worst so the overall level can take the
// worst case. FULL > PARTIAL > MANUAL > EXCEPTION.
var levelRank = map[VerificationLevel]int{
	LevelFull:      3,
	LevelPartial:   2,
	LevelManual:    1,
	LevelException: 0,
}

// Worse returns the lower-confidence of two levels.
func (l VerificationLevel) Worse(other VerificationLevel) VerificationLevel {
	if levelRank[other] < levelRank[l] {
		return other
	}
	return l
}

// ClockMethod is how the clock event's presence evidence was captured.
type ClockMethod string

const (
	MethodGPS       ClockMethod = "GPS"
	MethodManual    ClockMethod = "MANUAL"
	MethodBiometric ClockMethod = "BIOMETRIC"
	MethodTelephony ClockMethod = "TELEPHONY"
)

// ClockVerification is the immutable evidence captured at a single clock
// event. Latitude/Longitude/Accuracy are nil for non-location methods.
type ClockVerification struct {
	Timestamp      time.Time   `json:"timestamp"`
	Method         ClockMethod `json:"method"`
	Latitude       *float64    `json:"latitude,omitempty"`
	Longitude      *float64    `json:"longitude,omitempty"`
	AccuracyMeters *float64    `json:"accuracy_meters,omitempty"`
	// DistanceFromExpectedM is derived at evaluation time from the client's
	// registered geofence center.
	DistanceFromExpectedM *float64 `json:"distance_from_expected_m,omitempty"`
}

// HasLocation reports whether the reading carries usable coordinates.
func (v ClockVerification) HasLocation() bool {
	return v.Latitude != nil && v.Longitude != nil
}

// FlagType is a tagged compliance reason code.
type FlagType string

const (
	FlagMissingSignature        FlagType = "MISSING_SIGNATURE"
	FlagIncompleteCriticalTasks FlagType = "INCOMPLETE_CRITICAL_TASKS"
	FlagGeofenceViolation       FlagType = "GEOFENCE_VIOLATION"
	FlagLowGPSAccuracy          FlagType = "LOW_GPS_ACCURACY"
	FlagMissingLevel2Screening  FlagType = "MISSING_LEVEL2_SCREENING"
	FlagIntegrityViolation      FlagType = "INTEGRITY_VIOLATION"
)

// Severity grades a compliance flag.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// defaultSeverities is the baseline grading; payer policy may override.
var defaultSeverities = map[FlagType]Severity{
	FlagMissingSignature:        SeverityMedium,
	FlagIncompleteCriticalTasks: SeverityHigh,
	FlagGeofenceViolation:       SeverityHigh,
	FlagLowGPSAccuracy:          SeverityLow,
	FlagMissingLevel2Screening:  SeverityHigh,
	FlagIntegrityViolation:      SeverityHigh,
}

// ComplianceFlag is one evaluated reason code with its severity.
type ComplianceFlag struct {
	Type     FlagType `json:"type"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail,omitempty"`
}

// ComplianceStatus is the aggregate outcome over the flag set.
type ComplianceStatus string

const (
	StatusCompliant     ComplianceStatus = "COMPLIANT"
	StatusNonCompliant  ComplianceStatus = "NON_COMPLIANT"
	StatusPendingReview ComplianceStatus = "PENDING_REVIEW"
)

// Record is the finalized electronic visit verification record, created once
// when a visit completes. Append-only afterward: corrections chain new
// aggregator submissions, they never mutate the record in place.
type Record struct {
	ID                    id.EVVRecordID
	VisitID               id.VisitID
	OrgID                 id.OrgID
	ClockInTime           time.Time
	ClockOutTime          time.Time
	ClockInVerification   ClockVerification
	ClockOutVerification  ClockVerification
	VerificationLevel     VerificationLevel
	TotalDuration         time.Duration
	ComplianceFlags       []ComplianceFlag
	ComplianceStatus      ComplianceStatus
	IntegrityHash         string
	CreatedAt             time.Time
}

// HasFlag reports whether the record carries the given flag type.
func (r *Record) HasFlag(t FlagType) bool {
	for _, f := range r.ComplianceFlags {
		if f.Type == t {
			return true
		}
	}
	return false
}

// Submittable reports whether the record may enter the aggregator pipeline.
// NON_COMPLIANT records are held for human review and never submitted.
func (r *Record) Submittable() bool {
	return r.ComplianceStatus == StatusCompliant || r.ComplianceStatus == StatusPendingReview
}
