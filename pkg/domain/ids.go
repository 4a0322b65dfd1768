// Package domain holds shared value types: typed entity IDs and small enums
// used across module boundaries.
//
// IDs are distinct types over uuid.UUID so the compiler rejects cross-type
// assignment (a VisitID can never be passed where a CaregiverID is expected).
// Construct via the ParseXxx helpers at trust boundaries; direct casting
// bypasses validation.
package domain

import (
	"github.com/google/uuid"

	dErrors "carebridge/pkg/domain-errors"
)

type (
	// OrgID identifies a home-care agency organization.
	OrgID uuid.UUID
	// BranchID identifies an office/branch within an organization.
	BranchID uuid.UUID
	// ClientID identifies a care recipient.
	ClientID uuid.UUID
	// CaregiverID identifies a caregiver (the person clocking in/out).
	CaregiverID uuid.UUID
	// VisitID identifies a scheduled unit of care.
	VisitID uuid.UUID
	// EVVRecordID identifies a finalized electronic visit verification record.
	EVVRecordID uuid.UUID
	// SubmissionID identifies one aggregator delivery attempt-group.
	SubmissionID uuid.UUID
	// PayerID identifies a payer/MCO whose policy applies to a visit.
	PayerID uuid.UUID
)

func parseUUID(s, what string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s cannot be empty", what)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "invalid %s", what)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s cannot be nil", what)
	}
	return u, nil
}

func ParseOrgID(s string) (OrgID, error) {
	u, err := parseUUID(s, "org id")
	return OrgID(u), err
}

func ParseBranchID(s string) (BranchID, error) {
	u, err := parseUUID(s, "branch id")
	return BranchID(u), err
}

func ParseClientID(s string) (ClientID, error) {
	u, err := parseUUID(s, "client id")
	return ClientID(u), err
}

func ParseCaregiverID(s string) (CaregiverID, error) {
	u, err := parseUUID(s, "caregiver id")
	return CaregiverID(u), err
}

func ParseVisitID(s string) (VisitID, error) {
	u, err := parseUUID(s, "visit id")
	return VisitID(u), err
}

func ParseEVVRecordID(s string) (EVVRecordID, error) {
	u, err := parseUUID(s, "evv record id")
	return EVVRecordID(u), err
}

func ParseSubmissionID(s string) (SubmissionID, error) {
	u, err := parseUUID(s, "submission id")
	return SubmissionID(u), err
}

func ParsePayerID(s string) (PayerID, error) {
	u, err := parseUUID(s, "payer id")
	return PayerID(u), err
}

func (id OrgID) String() string        { return uuid.UUID(id).String() }
func (id BranchID) String() string     { return uuid.UUID(id).String() }
func (id ClientID) String() string     { return uuid.UUID(id).String() }
func (id CaregiverID) String() string  { return uuid.UUID(id).String() }
func (id VisitID) String() string      { return uuid.UUID(id).String() }
func (id EVVRecordID) String() string  { return uuid.UUID(id).String() }
func (id SubmissionID) String() string { return uuid.UUID(id).String() }
func (id PayerID) String() string      { return uuid.UUID(id).String() }

func (id OrgID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id BranchID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id ClientID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id CaregiverID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id VisitID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id EVVRecordID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id SubmissionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id PayerID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }

// NewVisitID generates a fresh visit id.
func NewVisitID() VisitID { return VisitID(uuid.New()) }

// NewEVVRecordID generates a fresh EVV record id.
func NewEVVRecordID() EVVRecordID { return EVVRecordID(uuid.New()) }

// NewSubmissionID generates a fresh submission id.
func NewSubmissionID() SubmissionID { return SubmissionID(uuid.New()) }
