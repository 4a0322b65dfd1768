package evv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateCompliance(t *testing.T) {
	t.Run("no findings yields COMPLIANT", func(t *testing.T) {
		flags, status := EvaluateCompliance(ComplianceInput{
			Tasks: []TaskStatus{
				{Name: "Medication reminder", Critical: true, Completed: true},
				{Name: "Light housekeeping", Critical: false, Completed: false},
			},
			SignatureCaptured: true,
			VerificationLevel: LevelFull,
			Policy:            CompliancePolicy{RequiresClientSignature: true},
		})
		assert.Empty(t, flags)
		assert.Equal(t, StatusCompliant, status)
	})

	t.Run("incomplete critical task is a HIGH finding", func(t *testing.T) {
		flags, status := EvaluateCompliance(ComplianceInput{
			Tasks: []TaskStatus{
				{Name: "Medication reminder", Critical: true, Completed: false},
			},
			VerificationLevel: LevelFull,
		})
		require.Len(t, flags, 1)
		assert.Equal(t, FlagIncompleteCriticalTasks, flags[0].Type)
		assert.Equal(t, SeverityHigh, flags[0].Severity)
		assert.Equal(t, StatusNonCompliant, status)
	})

	t.Run("flag detail names every open critical task", func(t *testing.T) {
		flags, _ := EvaluateCompliance(ComplianceInput{
			Tasks: []TaskStatus{
				{Name: "Medication reminder", Critical: true, Completed: false},
				{Name: "Wound dressing", Critical: true, Completed: false},
				{Name: "Light housekeeping", Critical: false, Completed: false},
			},
			VerificationLevel: LevelFull,
		})
		require.Len(t, flags, 1)
		assert.Contains(t, flags[0].Detail, `"Medication reminder"`)
		assert.Contains(t, flags[0].Detail, `"Wound dressing"`)
		assert.Contains(t, flags[0].Detail, "2 critical task(s) incomplete")
	})

	t.Run("missing signature alone pends review", func(t *testing.T) {
		flags, status := EvaluateCompliance(ComplianceInput{
			VerificationLevel: LevelFull,
			Policy:            CompliancePolicy{RequiresClientSignature: true},
		})
		require.Len(t, flags, 1)
		assert.Equal(t, FlagMissingSignature, flags[0].Type)
		assert.Equal(t, StatusPendingReview, status)
	})

	t.Run("exception level flags geofence violation as NON_COMPLIANT", func(t *testing.T) {
		flags, status := EvaluateCompliance(ComplianceInput{
			VerificationLevel: LevelException,
		})
		require.Len(t, flags, 1)
		assert.Equal(t, FlagGeofenceViolation, flags[0].Type)
		assert.Equal(t, StatusNonCompliant, status)
	})

	t.Run("partial level flags low accuracy only under strict policy", func(t *testing.T) {
		flags, status := EvaluateCompliance(ComplianceInput{
			VerificationLevel: LevelPartial,
			Policy:            CompliancePolicy{StrictAccuracy: true},
		})
		require.Len(t, flags, 1)
		assert.Equal(t, FlagLowGPSAccuracy, flags[0].Type)
		assert.Equal(t, StatusPendingReview, status)

		flags, status = EvaluateCompliance(ComplianceInput{VerificationLevel: LevelPartial})
		assert.Empty(t, flags)
		assert.Equal(t, StatusCompliant, status)
	})

	t.Run("rules are additive not short-circuiting", func(t *testing.T) {
		flags, status := EvaluateCompliance(ComplianceInput{
			Tasks: []TaskStatus{
				{Name: "Medication reminder", Critical: true, Completed: false},
			},
			VerificationLevel: LevelException,
			Policy:            CompliancePolicy{RequiresClientSignature: true},
		})
		types := make([]FlagType, 0, len(flags))
		for _, f := range flags {
			types = append(types, f.Type)
		}
		assert.ElementsMatch(t, []FlagType{
			FlagIncompleteCriticalTasks,
			FlagMissingSignature,
			FlagGeofenceViolation,
		}, types)
		assert.Equal(t, StatusNonCompliant, status)
	})

	t.Run("payer severity override regrades a flag", func(t *testing.T) {
		flags, status := EvaluateCompliance(ComplianceInput{
			VerificationLevel: LevelFull,
			Policy: CompliancePolicy{
				RequiresClientSignature: true,
				SeverityOverrides: map[FlagType]Severity{
					FlagMissingSignature: SeverityHigh,
				},
			},
		})
		require.Len(t, flags, 1)
		assert.Equal(t, SeverityHigh, flags[0].Severity)
		assert.Equal(t, StatusNonCompliant, status)
	})

	t.Run("level 2 screening requirement", func(t *testing.T) {
		flags, status := EvaluateCompliance(ComplianceInput{
			VerificationLevel: LevelFull,
			Policy:            CompliancePolicy{RequiresLevel2Screening: true},
		})
		require.Len(t, flags, 1)
		assert.Equal(t, FlagMissingLevel2Screening, flags[0].Type)
		assert.Equal(t, StatusNonCompliant, status)
	})
}
