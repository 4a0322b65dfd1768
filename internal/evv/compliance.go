package evv

import (
	"fmt"
	"strings"
)

// TaskStatus is the evaluator's view of one required visit task.
type TaskStatus struct {
	Name      string
	Critical  bool
	Completed bool
}

// CompliancePolicy is the evaluator's view of the resolved org/state/payer
// policy bundle. The service layer maps policy.Bundle onto this so the
// evaluator stays decoupled from policy storage.
type CompliancePolicy struct {
	RequiresClientSignature bool
	RequiresLevel2Screening bool
	// StrictAccuracy flags payers that treat PARTIAL verification as a
	// reviewable finding rather than accepting it silently.
	StrictAccuracy bool
	// SeverityOverrides lets payer policy regrade individual flags.
	SeverityOverrides map[FlagType]Severity
}

// ComplianceInput carries the visit task state and the draft record facts the
// rules consume.
type ComplianceInput struct {
	Tasks             []TaskStatus
	SignatureCaptured bool
	Level2Screened    bool
	VerificationLevel VerificationLevel
	Policy            CompliancePolicy
}

// EvaluateCompliance runs every rule independently; flags are additive, never
// short-circuiting. The aggregate status is COMPLIANT iff the flag set is
// empty, NON_COMPLIANT if any flag grades HIGH, otherwise PENDING_REVIEW.
func EvaluateCompliance(in ComplianceInput) ([]ComplianceFlag, ComplianceStatus) {
	var flags []ComplianceFlag

	add := func(t FlagType, detail string) {
		flags = append(flags, ComplianceFlag{
			Type:     t,
			Severity: in.Policy.severityFor(t),
			Detail:   detail,
		})
	}

	var open []string
	for _, task := range in.Tasks {
		if task.Critical && !task.Completed {
			open = append(open, fmt.Sprintf("%q", task.Name))
		}
	}
	if len(open) > 0 {
		add(FlagIncompleteCriticalTasks,
			fmt.Sprintf("%d critical task(s) incomplete: %s", len(open), strings.Join(open, ", ")))
	}

	if in.Policy.RequiresClientSignature && !in.SignatureCaptured {
		add(FlagMissingSignature, "policy requires client signature")
	}

	if in.Policy.RequiresLevel2Screening && !in.Level2Screened {
		add(FlagMissingLevel2Screening, "caregiver missing level 2 screening")
	}

	if in.VerificationLevel == LevelException {
		add(FlagGeofenceViolation, "clock event outside client geofence")
	}

	if in.VerificationLevel == LevelPartial && in.Policy.StrictAccuracy {
		add(FlagLowGPSAccuracy, "gps accuracy above payer threshold")
	}

	return flags, aggregateStatus(flags)
}

func aggregateStatus(flags []ComplianceFlag) ComplianceStatus {
	if len(flags) == 0 {
		return StatusCompliant
	}
	for _, f := range flags {
		if f.Severity == SeverityHigh {
			return StatusNonCompliant
		}
	}
	return StatusPendingReview
}

func (p CompliancePolicy) severityFor(t FlagType) Severity {
	if s, ok := p.SeverityOverrides[t]; ok {
		return s
	}
	if s, ok := defaultSeverities[t]; ok {
		return s
	}
	return SeverityMedium
}
