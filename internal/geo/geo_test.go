package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceMeters(t *testing.T) {
	t.Run("zero distance for identical points", func(t *testing.T) {
		p := Point{Latitude: 30.2672, Longitude: -97.7431}
		assert.Zero(t, DistanceMeters(p, p))
	})

	t.Run("austin to nyc is roughly 2430 km", func(t *testing.T) {
		austin := Point{Latitude: 30.2672, Longitude: -97.7431}
		nyc := Point{Latitude: 40.7128, Longitude: -74.0060}
		d := DistanceMeters(austin, nyc)
		assert.InDelta(t, 2430000, d, 20000)
	})

	t.Run("symmetry", func(t *testing.T) {
		a := Point{Latitude: 30.0, Longitude: -97.0}
		b := Point{Latitude: 30.001, Longitude: -97.001}
		assert.InDelta(t, DistanceMeters(a, b), DistanceMeters(b, a), 1e-9)
	})
}

func TestGeofenceContains(t *testing.T) {
	fence := Geofence{
		Center:       Point{Latitude: 30.2672, Longitude: -97.7431},
		RadiusMeters: 150,
	}

	t.Run("center is inside", func(t *testing.T) {
		assert.True(t, fence.Contains(fence.Center))
	})

	t.Run("point ~100m away is inside", func(t *testing.T) {
		// ~0.0009 degrees latitude is ~100m.
		p := Point{Latitude: 30.2681, Longitude: -97.7431}
		assert.True(t, fence.Contains(p))
	})

	t.Run("point kilometers away is outside", func(t *testing.T) {
		p := Point{Latitude: 30.30, Longitude: -97.7431}
		assert.False(t, fence.Contains(p))
	})
}
