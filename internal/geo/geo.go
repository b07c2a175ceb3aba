package geo

import (
	"math"

	"github.com/example/service-verification/internal/models"
)

const earthRadiusM = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// Distance is Haversine over Coord values.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// PointToSegment returns the distance in meters from p to the segment a-b.
// The projection parameter is computed on a local equirectangular plane
// (good to well under a meter at segment scale) and clamped to [0,1];
// the distance to the resulting nearest point is haversine.
func PointToSegment(p, a, b models.Coord) float64 {
	// local plane centered on a
	cosLat := math.Cos(a.Lat * math.Pi / 180)
	ax, ay := 0.0, 0.0
	bx := (b.Lon - a.Lon) * cosLat
	by := b.Lat - a.Lat
	px := (p.Lon - a.Lon) * cosLat
	py := p.Lat - a.Lat

	dx, dy := bx-ax, by-ay
	segLenSq := dx*dx + dy*dy
	if segLenSq == 0 {
		return Distance(p, a)
	}
	t := (px*dx + py*dy) / segLenSq
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	nearest := models.Coord{
		Lat: a.Lat + t*(b.Lat-a.Lat),
		Lon: a.Lon + t*(b.Lon-a.Lon),
	}
	return Distance(p, nearest)
}

// MinDistanceToRoute scans every segment of the polyline and returns the
// minimum distance in meters plus the index of the nearest segment.
// A route with fewer than two points degrades to point distance.
func MinDistanceToRoute(p models.Coord, route []models.Coord) (float64, int) {
	if len(route) == 0 {
		return math.Inf(1), -1
	}
	if len(route) == 1 {
		return Distance(p, route[0]), 0
	}
	best := math.Inf(1)
	bestSeg := 0
	for i := 0; i < len(route)-1; i++ {
		if d := PointToSegment(p, route[i], route[i+1]); d < best {
			best = d
			bestSeg = i
		}
	}
	return best, bestSeg
}

// RouteLength sums segment lengths in meters.
func RouteLength(route []models.Coord) float64 {
	var total float64
	for i := 0; i < len(route)-1; i++ {
		total += Distance(route[i], route[i+1])
	}
	return total
}

// RemainingRouteLength returns the meters left from p to the end of the
// route, assuming p sits on (or near) segment seg.
func RemainingRouteLength(p models.Coord, route []models.Coord, seg int) float64 {
	if seg < 0 || seg >= len(route)-1 {
		if n := len(route); n > 0 {
			return Distance(p, route[n-1])
		}
		return 0
	}
	total := Distance(p, route[seg+1])
	for i := seg + 1; i < len(route)-1; i++ {
		total += Distance(route[i], route[i+1])
	}
	return total
}

// DecodePolyline decodes a Google encoded polyline (1e-5 precision).
// Malformed input yields the points decoded so far.
func DecodePolyline(encoded string) []models.Coord {
	var points []models.Coord
	var lat, lon int64
	i := 0
	for i < len(encoded) {
		dLat, n, ok := decodeVarint(encoded, i)
		if !ok {
			return points
		}
		i = n
		dLon, n, ok := decodeVarint(encoded, i)
		if !ok {
			return points
		}
		i = n
		lat += dLat
		lon += dLon
		points = append(points, models.Coord{Lat: float64(lat) / 1e5, Lon: float64(lon) / 1e5})
	}
	return points
}

func decodeVarint(s string, i int) (int64, int, bool) {
	var result int64
	var shift uint
	for {
		if i >= len(s) {
			return 0, i, false
		}
		b := int64(s[i]) - 63
		i++
		result |= (b & 0x1f) << shift
		shift += 5
		if b < 0x20 {
			break
		}
	}
	if result&1 != 0 {
		return ^(result >> 1), i, true
	}
	return result >> 1, i, true
}
