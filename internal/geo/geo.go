// Package geo measures distances along route polylines on a spherical earth.
package geo

import (
	"errors"
	"fmt"
	"math"

	"route-segments/internal/gtfs"
)

// EarthRadiusKm is the mean radius used for every distance in this package.
const EarthRadiusKm = 6371.0

// ErrInvalidInput is returned for an empty polyline or a coordinate that is
// NaN or infinite.
var ErrInvalidInput = errors.New("invalid input")

// Haversine returns the great-circle distance in kilometers.
func Haversine(a, b gtfs.Point) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// CumDistances returns the running distance from pts[0] to every point.
// The result has len(pts) entries, starts at 0 and never decreases.
func CumDistances(pts []gtfs.Point) ([]float64, error) {
	n := len(pts)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty polyline", ErrInvalidInput)
	}
	for i, p := range pts {
		if !finite(p) {
			return nil, fmt.Errorf("%w: point %d is (%v, %v)", ErrInvalidInput, i, p.Lat, p.Lon)
		}
	}
	cum := make([]float64, n)
	sum := 0.0
	for i := 1; i < n; i++ {
		sum += Haversine(pts[i-1], pts[i])
		cum[i] = sum
	}
	return cum, nil
}

// Nearest returns the index of the point closest to target and its distance
// in kilometers. Ties resolve to the lowest index.
func Nearest(pts []gtfs.Point, target gtfs.Point) (int, float64, error) {
	if len(pts) == 0 {
		return 0, 0, fmt.Errorf("%w: empty polyline", ErrInvalidInput)
	}
	if !finite(target) {
		return 0, 0, fmt.Errorf("%w: target is (%v, %v)", ErrInvalidInput, target.Lat, target.Lon)
	}
	bestIdx := 0
	bestDist := math.MaxFloat64
	for i, p := range pts {
		if d := Haversine(target, p); d < bestDist {
			bestDist = d
			bestIdx = i
		}
	}
	return bestIdx, bestDist, nil
}

// SubPath returns the points between two projected indices, inclusive, in
// travel order. When from > to the slice is taken between to and from and
// reversed.
//
// A polyline that doubles back near a stop can make the nearest vertex of
// the destination precede the origin's; the extracted path then skips the
// real route between them. Output depends on this rule, so it is kept as is.
func SubPath(pts []gtfs.Point, from, to int) []gtfs.Point {
	if from == to {
		return []gtfs.Point{pts[from]}
	}
	if from < to {
		out := make([]gtfs.Point, to-from+1)
		copy(out, pts[from:to+1])
		return out
	}
	out := make([]gtfs.Point, 0, from-to+1)
	for i := from; i >= to; i-- {
		out = append(out, pts[i])
	}
	return out
}

// PathLength measures the polyline between two projected indices.
func PathLength(pts []gtfs.Point, from, to int) (float64, error) {
	if len(pts) == 0 {
		return 0, ErrInvalidInput
	}
	if from < 0 || to < 0 || from >= len(pts) || to >= len(pts) {
		return 0, ErrInvalidInput
	}
	if from == to {
		return 0, nil
	}
	cum, err := CumDistances(SubPath(pts, from, to))
	if err != nil {
		return 0, err
	}
	return cum[len(cum)-1], nil
}

func finite(p gtfs.Point) bool {
	return !math.IsNaN(p.Lat) && !math.IsInf(p.Lat, 0) && !math.IsNaN(p.Lon) && !math.IsInf(p.Lon, 0)
}
