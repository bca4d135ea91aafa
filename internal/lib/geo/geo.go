package geo

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// MetersPerDegree converts degree-space distances to approximate meters.
const MetersPerDegree = 111000.0

// Distance returns the planar Euclidean distance between two points in
// degree space: sqrt(dLat^2 + dLng^2).
//
// This is not a great-circle distance. It ignores longitude convergence and is
// only meaningful for short distances. Every threshold in this module is
// calibrated in the same degree space, so changing this formula shifts all
// trigger distances.
func Distance(a, b Point) float64 {
	return r2.Norm(r2.Sub(vec(b), vec(a)))
}

// Heading returns the initial bearing from a to b in degrees [0, 360).
func Heading(a, b Point) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	brng := toDegrees(math.Atan2(y, x))
	return math.Mod(brng+360, 360)
}

// HeadingDelta returns the absolute difference between two headings without
// wrapping, so values range over [0, 360).
func HeadingDelta(a, b float64) float64 {
	return math.Abs(b - a)
}

// Interpolate returns the point at fraction f along the straight line from a to b.
// For short road segments linear interpolation is adequate.
func Interpolate(a, b Point, f float64) Point {
	return point(r2.Add(vec(a), r2.Scale(f, r2.Sub(vec(b), vec(a)))))
}

// Offset projects p by dist degrees along a compass heading (0 is north, 90
// is east), in the planar degree space used by Distance.
func Offset(p Point, heading, dist float64) Point {
	rad := toRadians(heading)
	return Point{
		Latitude:  p.Latitude + dist*math.Cos(rad),
		Longitude: p.Longitude + dist*math.Sin(rad),
	}
}

// MetersFromDegrees converts a degree-space distance to approximate meters.
func MetersFromDegrees(d float64) float64 {
	return d * MetersPerDegree
}

// DegreesFromMeters converts meters to an approximate degree-space distance.
func DegreesFromMeters(m float64) float64 {
	return m / MetersPerDegree
}

// Nearest returns the index of the point closest to p and its planar distance.
// It returns -1 for an empty slice.
func Nearest(p Point, points []Point) (int, float64) {
	idx := -1
	min := math.MaxFloat64
	for i, q := range points {
		if d := Distance(p, q); d < min {
			min = d
			idx = i
		}
	}
	return idx, min
}

// Haversine calculates great-circle distance between two points in meters.
// Only used for display; thresholds use Distance.
func Haversine(p1, p2 Point) float64 {
	if p1 == p2 {
		return 0
	}

	lat1 := toRadians(p1.Latitude)
	lat2 := toRadians(p2.Latitude)
	dlat := lat2 - lat1
	dlon := toRadians(p2.Longitude - p1.Longitude)

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	const earthRadius = 6371000
	return earthRadius * c
}

// IsValid reports whether latitude is within [-90, 90] and longitude within [-180, 180].
func IsValid(p Point) bool {
	return p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}

func vec(p Point) r2.Vec { return r2.Vec{X: p.Latitude, Y: p.Longitude} }

func point(v r2.Vec) Point { return Point{Latitude: v.X, Longitude: v.Y} }

func toRadians(d float64) float64 { return d * math.Pi / 180 }

func toDegrees(r float64) float64 { return r * 180 / math.Pi }
