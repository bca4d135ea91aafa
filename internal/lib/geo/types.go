package geo

import (
	"fmt"
	"time"
)

// Point represents a geographic coordinate in degrees.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// String formats the point as "lat,lng" with six decimals.
func (p Point) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Latitude, p.Longitude)
}

// Sample is a single position reading from the device or the drive simulator.
// Heading and Speed are optional; a nil value means the source did not report it.
type Sample struct {
	Point     Point     `json:"point"`
	Heading   *float64  `json:"heading,omitempty"` // degrees [0, 360)
	Speed     *float64  `json:"speed,omitempty"`   // meters per second, >= 0
	Timestamp time.Time `json:"timestamp"`
}

// NewSample builds a sample with heading and speed set.
func NewSample(p Point, heading, speed float64, at time.Time) Sample {
	return Sample{Point: p, Heading: &heading, Speed: &speed, Timestamp: at}
}

// HeadingOr returns the sample heading or fallback when absent.
func (s Sample) HeadingOr(fallback float64) float64 {
	if s.Heading == nil {
		return fallback
	}
	return *s.Heading
}

// SpeedOr returns the sample speed or fallback when absent.
func (s Sample) SpeedOr(fallback float64) float64 {
	if s.Speed == nil {
		return fallback
	}
	return *s.Speed
}

// MalformedPolylineError is returned when an encoded polyline ends in the
// middle of a codeword or contains bytes outside the encoding alphabet.
type MalformedPolylineError struct {
	Encoded string
	Err     error
}

func (e *MalformedPolylineError) Error() string {
	return fmt.Sprintf("malformed polyline %q: %v", truncate(e.Encoded, 32), e.Err)
}

func (e *MalformedPolylineError) Unwrap() error { return e.Err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
