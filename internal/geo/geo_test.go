package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/service-verification/internal/models"
)

func TestDistanceZeroAndSymmetry(t *testing.T) {
	points := []models.Coord{
		{Lat: 0, Lon: 0},
		{Lat: 40.0, Lon: -3.0},
		{Lat: -33.86, Lon: 151.2},
		{Lat: 89.9, Lon: 17.0},
	}
	for _, p := range points {
		assert.Equal(t, 0.0, Distance(p, p))
	}
	for _, p := range points {
		for _, q := range points {
			assert.InDelta(t, Distance(p, q), Distance(q, p), 1e-9)
		}
	}
}

func TestDistanceKnownValue(t *testing.T) {
	// one degree of latitude is ~111.19 km on this sphere
	d := Haversine(40.0, -3.0, 41.0, -3.0)
	assert.InDelta(t, 111194.9, d, 10)
}

func TestPointToSegmentOnSegment(t *testing.T) {
	a := models.Coord{Lat: 40.0, Lon: -3.0}
	b := models.Coord{Lat: 40.0, Lon: -3.1}
	mid := models.Coord{Lat: 40.0, Lon: -3.05}
	assert.InDelta(t, 0.0, PointToSegment(mid, a, b), 1e-6)
	assert.InDelta(t, 0.0, PointToSegment(a, a, b), 1e-9)
	assert.InDelta(t, 0.0, PointToSegment(b, a, b), 1e-9)
}

func TestPointToSegmentProjectionClamped(t *testing.T) {
	a := models.Coord{Lat: 40.0, Lon: -3.0}
	b := models.Coord{Lat: 40.0, Lon: -3.1}
	// beyond b: nearest point is b itself
	past := models.Coord{Lat: 40.0, Lon: -3.2}
	assert.InDelta(t, Distance(past, b), PointToSegment(past, a, b), 1e-6)
	// before a: nearest point is a
	before := models.Coord{Lat: 40.0, Lon: -2.9}
	assert.InDelta(t, Distance(before, a), PointToSegment(before, a, b), 1e-6)
}

func TestPointToSegmentDegenerate(t *testing.T) {
	a := models.Coord{Lat: 40.0, Lon: -3.0}
	p := models.Coord{Lat: 40.001, Lon: -3.0}
	assert.InDelta(t, Distance(p, a), PointToSegment(p, a, a), 1e-9)
}

func TestMinDistanceToRoute(t *testing.T) {
	route := []models.Coord{
		{Lat: 40.0, Lon: -3.0},
		{Lat: 40.0, Lon: -3.05},
		{Lat: 40.05, Lon: -3.05},
	}
	// near the second segment
	p := models.Coord{Lat: 40.02, Lon: -3.0501}
	d, seg := MinDistanceToRoute(p, route)
	assert.Equal(t, 1, seg)
	assert.Less(t, d, 20.0)

	_, seg = MinDistanceToRoute(models.Coord{Lat: 40.0, Lon: -3.01}, route)
	assert.Equal(t, 0, seg)

	d, seg = MinDistanceToRoute(p, nil)
	assert.True(t, math.IsInf(d, 1))
	assert.Equal(t, -1, seg)
}

func TestRouteLength(t *testing.T) {
	a := models.Coord{Lat: 40.0, Lon: -3.0}
	b := models.Coord{Lat: 40.0, Lon: -3.05}
	c := models.Coord{Lat: 40.05, Lon: -3.05}
	total := RouteLength([]models.Coord{a, b, c})
	assert.InDelta(t, Distance(a, b)+Distance(b, c), total, 1e-9)
	assert.Equal(t, 0.0, RouteLength([]models.Coord{a}))
	assert.Equal(t, 0.0, RouteLength(nil))
}

func TestRemainingRouteLength(t *testing.T) {
	route := []models.Coord{
		{Lat: 40.0, Lon: -3.0},
		{Lat: 40.0, Lon: -3.05},
		{Lat: 40.05, Lon: -3.05},
	}
	// standing on the first vertex: remaining is the full route
	full := RouteLength(route)
	got := RemainingRouteLength(route[0], route, 0)
	assert.InDelta(t, full, got, 1.0)

	// mid second segment: remaining is distance to last vertex
	p := models.Coord{Lat: 40.02, Lon: -3.05}
	got = RemainingRouteLength(p, route, 1)
	assert.InDelta(t, Distance(p, route[2]), got, 1e-9)
}

func TestDecodePolyline(t *testing.T) {
	// canonical encoded polyline example
	points := DecodePolyline("_p~iF~ps|U_ulLnnqC_mqNvxq`@")
	require.Len(t, points, 3)
	assert.InDelta(t, 38.5, points[0].Lat, 1e-5)
	assert.InDelta(t, -120.2, points[0].Lon, 1e-5)
	assert.InDelta(t, 40.7, points[1].Lat, 1e-5)
	assert.InDelta(t, -120.95, points[1].Lon, 1e-5)
	assert.InDelta(t, 43.252, points[2].Lat, 1e-5)
	assert.InDelta(t, -126.453, points[2].Lon, 1e-5)
}

func TestDecodePolylineMalformed(t *testing.T) {
	assert.Empty(t, DecodePolyline(""))
	// truncated varint: decoded prefix is kept, no panic
	points := DecodePolyline("_p~iF~ps|U_")
	assert.Len(t, points, 1)
}
