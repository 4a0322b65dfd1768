// Package policy resolves the merged organization/state/payer policy bundle
// that drives compliance evaluation and aggregator routing.
package policy

import (
	id "carebridge/pkg/domain"
)

// Bundle is the merged policy view for one visit's org, state, and payer.
// Later layers win: org defaults < state mandates < payer/MCO requirements.
type Bundle struct {
	OrgID     id.OrgID     `json:"org_id"`
	StateCode id.StateCode `json:"state_code"`
	PayerID   id.PayerID   `json:"payer_id,omitempty"`

	RequiresClientSignature bool `json:"requires_client_signature"`
	RequiresLevel2Screening bool `json:"requires_level2_screening"`
	StrictGPSAccuracy       bool `json:"strict_gps_accuracy"`
	AllowGeofenceOverride   bool `json:"allow_geofence_override"`

	GeofenceRadiusMeters  float64 `json:"geofence_radius_meters"`
	GPSAccuracyThresholdM float64 `json:"gps_accuracy_threshold_m"`

	// SeverityOverrides regrades individual compliance flags; keys are flag
	// type names, values severity names. Kept as strings so the policy store
	// stays decoupled from the evv package.
	SeverityOverrides map[string]string `json:"severity_overrides,omitempty"`
}

// Layer is one stored policy fragment. Zero-valued booleans mean "inherit";
// the merge only promotes explicit requirements.
type Layer struct {
	RequiresClientSignature *bool
	RequiresLevel2Screening *bool
	StrictGPSAccuracy       *bool
	AllowGeofenceOverride   *bool
	GeofenceRadiusMeters    *float64
	GPSAccuracyThresholdM   *float64
	SeverityOverrides       map[string]string
}

// apply folds a layer into the bundle.
func (b *Bundle) apply(l *Layer) {
	if l == nil {
		return
	}
	if l.RequiresClientSignature != nil {
		b.RequiresClientSignature = *l.RequiresClientSignature
	}
	if l.RequiresLevel2Screening != nil {
		b.RequiresLevel2Screening = *l.RequiresLevel2Screening
	}
	if l.StrictGPSAccuracy != nil {
		b.StrictGPSAccuracy = *l.StrictGPSAccuracy
	}
	if l.AllowGeofenceOverride != nil {
		b.AllowGeofenceOverride = *l.AllowGeofenceOverride
	}
	if l.GeofenceRadiusMeters != nil {
		b.GeofenceRadiusMeters = *l.GeofenceRadiusMeters
	}
	if l.GPSAccuracyThresholdM != nil {
		b.GPSAccuracyThresholdM = *l.GPSAccuracyThresholdM
	}
	for k, v := range l.SeverityOverrides {
		if b.SeverityOverrides == nil {
			b.SeverityOverrides = make(map[string]string)
		}
		b.SeverityOverrides[k] = v
	}
}
