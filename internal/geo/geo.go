// Package geo estimates delivery distance between a store and a drop-off point.
package geo

import "math"

const earthRadiusKm = 6371.0

// DefaultRunnerSpeedKmh is an errand runner on a motorbike in city traffic.
const DefaultRunnerSpeedKmh = 25.0

type Point struct {
	Lat float64
	Lng float64
}

func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// HaversineKm returns the great-circle distance between a and b.
func HaversineKm(a, b Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// EstimateMinutes rounds travel time up to whole minutes.
// Any nonzero distance takes at least a minute.
func EstimateMinutes(km, speedKmh float64) int {
	if km <= 0 {
		return 0
	}
	if speedKmh <= 0 {
		speedKmh = DefaultRunnerSpeedKmh
	}
	m := int(math.Ceil(km / speedKmh * 60))
	if m < 1 {
		m = 1
	}
	return m
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
