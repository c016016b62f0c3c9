package analysis

import (
	"math"

	"github.com/twpayne/go-polyline"
)

// simplifyTolerance is the Ramer-Douglas-Peucker perpendicular-distance
// threshold in degrees, roughly 11 m at the equator.
const simplifyTolerance = 1e-4

// LatLng is one GPS coordinate in decimal degrees.
type LatLng struct {
	Lat float64
	Lng float64
}

// Simplify reduces a track with Ramer-Douglas-Peucker. Tracks of two or
// fewer points pass through unchanged.
func Simplify(points []LatLng) []LatLng {
	if len(points) <= 2 {
		return points
	}

	keep := make([]bool, len(points))
	keep[0] = true
	keep[len(points)-1] = true
	rdp(points, 0, len(points)-1, keep)

	simplified := make([]LatLng, 0, len(points))
	for i, pt := range points {
		if keep[i] {
			simplified = append(simplified, pt)
		}
	}
	return simplified
}

func rdp(points []LatLng, first, last int, keep []bool) {
	if last <= first+1 {
		return
	}

	maxDist := 0.0
	maxIdx := first
	for i := first + 1; i < last; i++ {
		d := perpendicularDistance(points[i], points[first], points[last])
		if d > maxDist {
			maxDist = d
			maxIdx = i
		}
	}

	if maxDist > simplifyTolerance {
		keep[maxIdx] = true
		rdp(points, first, maxIdx, keep)
		rdp(points, maxIdx, last, keep)
	}
}

func perpendicularDistance(point, lineStart, lineEnd LatLng) float64 {
	dx := lineEnd.Lng - lineStart.Lng
	dy := lineEnd.Lat - lineStart.Lat

	if dx == 0 && dy == 0 {
		return math.Hypot(point.Lng-lineStart.Lng, point.Lat-lineStart.Lat)
	}

	t := ((point.Lng-lineStart.Lng)*dx + (point.Lat-lineStart.Lat)*dy) / (dx*dx + dy*dy)
	t = math.Max(0, math.Min(1, t))

	closestX := lineStart.Lng + t*dx
	closestY := lineStart.Lat + t*dy

	return math.Hypot(point.Lng-closestX, point.Lat-closestY)
}

// EncodePolyline simplifies a track and encodes it with the standard
// delta-encoded polyline scheme at 1e-5 degree precision. An empty
// track yields nil rather than an empty string.
func EncodePolyline(points []LatLng) *string {
	if len(points) == 0 {
		return nil
	}

	simplified := Simplify(points)
	coords := make([][]float64, len(simplified))
	for i, pt := range simplified {
		coords[i] = []float64{pt.Lat, pt.Lng}
	}

	encoded := string(polyline.EncodeCoords(coords))
	return &encoded
}

// DecodePolyline is the inverse of EncodePolyline, used by merge
// scoring and tests.
func DecodePolyline(encoded string) ([]LatLng, error) {
	coords, _, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, err
	}

	points := make([]LatLng, len(coords))
	for i, c := range coords {
		points[i] = LatLng{Lat: c[0], Lng: c[1]}
	}
	return points, nil
}
