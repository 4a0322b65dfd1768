package handler

import (
	"time"

	"carebridge/internal/evv"
	"carebridge/internal/visit"
)

type visitResponse struct {
	ID             string       `json:"id"`
	Status         string       `json:"status"`
	ScheduledStart time.Time    `json:"scheduled_start"`
	ScheduledEnd   time.Time    `json:"scheduled_end"`
	ServiceType    string       `json:"service_type"`
	Tasks          []visit.Task `json:"tasks"`
	CancelReason   string       `json:"cancel_reason,omitempty"`
}

func toVisitResponse(v *visit.Visit) visitResponse {
	return visitResponse{
		ID:             v.ID.String(),
		Status:         string(v.Status),
		ScheduledStart: v.ScheduledStart,
		ScheduledEnd:   v.ScheduledEnd,
		ServiceType:    v.ServiceType,
		Tasks:          v.Tasks,
		CancelReason:   v.CancelReason,
	}
}

type recordResponse struct {
	ID                string               `json:"id"`
	VisitID           string               `json:"visit_id"`
	VerificationLevel string               `json:"verification_level"`
	ComplianceStatus  string               `json:"compliance_status"`
	ComplianceFlags   []evv.ComplianceFlag `json:"compliance_flags,omitempty"`
	TotalDurationS    int64                `json:"total_duration_s"`
	IntegrityHash     string               `json:"integrity_hash"`
}

func toRecordResponse(rec *evv.Record) recordResponse {
	return recordResponse{
		ID:                rec.ID.String(),
		VisitID:           rec.VisitID.String(),
		VerificationLevel: string(rec.VerificationLevel),
		ComplianceStatus:  string(rec.ComplianceStatus),
		ComplianceFlags:   rec.ComplianceFlags,
		TotalDurationS:    int64(rec.TotalDuration.Seconds()),
		IntegrityHash:     rec.IntegrityHash,
	}
}
