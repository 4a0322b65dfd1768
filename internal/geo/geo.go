// Package geo provides the great-circle distance used for geofence checks.
package geo

import "math"

const earthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate.
type Point struct {
	Latitude  float64
	Longitude float64
}

// Geofence is a circular radius around a client's registered address.
type Geofence struct {
	Center       Point
	RadiusMeters float64
}

// Contains reports whether p falls inside the fence.
func (g Geofence) Contains(p Point) bool {
	return DistanceMeters(g.Center, p) <= g.RadiusMeters
}

// DistanceMeters computes the haversine great-circle distance between two
// points. Accurate to well under a meter at geofence scales, which is far
// below GPS accuracy anyway.
func DistanceMeters(a, b Point) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := radians(b.Latitude - a.Latitude)
	dLon := radians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
