package handler

import (
	"time"

	"carebridge/internal/evv"
)

// clockRequest is the wire shape for clock-in and clock-out.
type clockRequest struct {
	Timestamp      time.Time `json:"timestamp"`
	Method         string    `json:"method"`
	Latitude       *float64  `json:"latitude,omitempty"`
	Longitude      *float64  `json:"longitude,omitempty"`
	AccuracyMeters *float64  `json:"accuracy_meters,omitempty"`
	// Override acknowledges a geofence violation; honored only when the
	// resolved policy allows it.
	Override bool `json:"override,omitempty"`
}

func (r clockRequest) verification() evv.ClockVerification {
	return evv.ClockVerification{
		Timestamp:      r.Timestamp,
		Method:         evv.ClockMethod(r.Method),
		Latitude:       r.Latitude,
		Longitude:      r.Longitude,
		AccuracyMeters: r.AccuracyMeters,
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type noteRequest struct {
	Text string `json:"text"`
}
