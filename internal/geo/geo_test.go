package geo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHaversineKm(t *testing.T) {
	lagos := Point{Lat: 6.5244, Lng: 3.3792}
	abuja := Point{Lat: 9.0765, Lng: 7.3986}

	require.InDelta(t, 0, HaversineKm(lagos, lagos), 1e-9)
	d := HaversineKm(lagos, abuja)
	require.InDelta(t, 524, d, 5)
	require.InDelta(t, d, HaversineKm(abuja, lagos), 1e-9)
}

func TestEstimateMinutes(t *testing.T) {
	require.Equal(t, 0, EstimateMinutes(0, 25))
	require.Equal(t, 1, EstimateMinutes(0.01, 25))
	require.Equal(t, 12, EstimateMinutes(5, 25))
	require.Equal(t, 12, EstimateMinutes(5, 0))
}

func TestPoint_Valid(t *testing.T) {
	require.True(t, Point{Lat: 6.5, Lng: 3.3}.Valid())
	require.False(t, Point{Lat: 91, Lng: 0}.Valid())
	require.False(t, Point{Lat: 0, Lng: -181}.Valid())
}
