package geo

import (
	"errors"

	"github.com/twpayne/go-polyline"
)

// DecodePolyline decodes a Google encoded polyline (1e-5 precision) into an
// ordered point sequence. An empty string decodes to an empty sequence.
func DecodePolyline(encoded string) ([]Point, error) {
	if encoded == "" {
		return []Point{}, nil
	}

	coords, rest, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, &MalformedPolylineError{Encoded: encoded, Err: err}
	}
	if len(rest) > 0 {
		return nil, &MalformedPolylineError{Encoded: encoded, Err: errors.New("trailing bytes after last coordinate")}
	}

	points := make([]Point, len(coords))
	for i, c := range coords {
		points[i] = Point{Latitude: c[0], Longitude: c[1]}
	}
	return points, nil
}

// EncodePolyline encodes points into a Google encoded polyline.
func EncodePolyline(points []Point) string {
	coords := make([][]float64, len(points))
	for i, p := range points {
		coords[i] = []float64{p.Latitude, p.Longitude}
	}
	return string(polyline.EncodeCoords(coords))
}
