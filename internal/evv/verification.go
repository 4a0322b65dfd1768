package evv

import (
	"carebridge/internal/geo"
)

// VerificationInput carries everything the evaluator needs. The service layer
// resolves the geofence and threshold; the evaluator itself is pure and
// deterministic so it can be unit tested without mocks.
type VerificationInput struct {
	ClockIn               ClockVerification
	ClockOut              ClockVerification
	Geofence              geo.Geofence
	GPSAccuracyThresholdM float64
}

// EvaluateVerification computes the visit's overall verification level: the
// worst of the clock-in and clock-out contributions.
func EvaluateVerification(in VerificationInput) VerificationLevel {
	a := evaluateReading(in.ClockIn, in.Geofence, in.GPSAccuracyThresholdM)
	b := evaluateReading(in.ClockOut, in.Geofence, in.GPSAccuracyThresholdM)
	return a.Worse(b)
}

// evaluateReading classifies a single clock event.
//
//   - MANUAL contributes MANUAL regardless of any coordinates present.
//   - GPS outside the geofence contributes EXCEPTION; inside but with accuracy
//     above the threshold contributes PARTIAL; otherwise FULL.
//   - BIOMETRIC and TELEPHONY are location-independent verified methods and
//     contribute FULL.
func evaluateReading(v ClockVerification, fence geo.Geofence, accuracyThreshold float64) VerificationLevel {
	switch v.Method {
	case MethodManual:
		return LevelManual
	case MethodGPS:
		if !v.HasLocation() {
			// A GPS clock event without a fix cannot be distinguished from a
			// manual entry.
			return LevelManual
		}
		dist := geo.DistanceMeters(fence.Center, geo.Point{Latitude: *v.Latitude, Longitude: *v.Longitude})
		if dist > fence.RadiusMeters {
			return LevelException
		}
		if v.AccuracyMeters != nil && *v.AccuracyMeters > accuracyThreshold {
			return LevelPartial
		}
		return LevelFull
	case MethodBiometric, MethodTelephony:
		return LevelFull
	default:
		return LevelManual
	}
}

// DeriveDistance computes and attaches the distance-from-expected-location for
// a reading that carries coordinates. Returns the reading unchanged otherwise.
func DeriveDistance(v ClockVerification, fence geo.Geofence) ClockVerification {
	if !v.HasLocation() {
		return v
	}
	d := geo.DistanceMeters(fence.Center, geo.Point{Latitude: *v.Latitude, Longitude: *v.Longitude})
	v.DistanceFromExpectedM = &d
	return v
}
