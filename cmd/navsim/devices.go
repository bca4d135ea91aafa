package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/deliverly/navigator/internal/lib/geo"
	"github.com/deliverly/navigator/internal/lib/routing"
	"github.com/deliverly/navigator/internal/navigation"
)

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// fixedLocation is a parked device: it always reports the same fix and never
// delivers watch updates. The simulator supplies movement.
type fixedLocation struct {
	fix geo.Point
}

func newFixedLocation(p geo.Point) *fixedLocation {
	return &fixedLocation{fix: p}
}

func (f *fixedLocation) RequestPermission(ctx context.Context) (bool, error) {
	return true, nil
}

func (f *fixedLocation) CurrentPosition(ctx context.Context, accuracy navigation.Accuracy) (geo.Sample, error) {
	return geo.Sample{Point: f.fix, Timestamp: time.Now()}, nil
}

func (f *fixedLocation) WatchPosition(ctx context.Context, opts navigation.WatchOptions, fn func(geo.Sample)) (navigation.Subscription, error) {
	return nopSubscription{}, nil
}

func (f *fixedLocation) WatchHeading(ctx context.Context, fn func(float64)) (navigation.Subscription, error) {
	return nopSubscription{}, nil
}

type nopSubscription struct{}

func (nopSubscription) Remove() {}

// staticRoute answers every request with the same route.
type staticRoute struct {
	route *routing.Route
}

func (s staticRoute) FetchRoute(ctx context.Context, origin, destination geo.Point, pref routing.Preference) (*routing.Route, error) {
	return s.route, nil
}

// fixedRoute builds a single-step route from an encoded polyline.
func fixedRoute(encoded string) (*routing.Route, error) {
	points, err := geo.DecodePolyline(encoded)
	if err != nil {
		return nil, err
	}
	if len(points) < 2 {
		return routing.NoRoute(), nil
	}

	var meters float64
	for i := 1; i < len(points); i++ {
		meters += geo.Haversine(points[i-1], points[i])
	}
	return &routing.Route{
		Coordinates:  points,
		DistanceText: formatMeters(meters),
		DurationText: fmt.Sprintf("%d mins", int(math.Ceil(meters/8.3/60))),
		Found:        true,
		Steps: []routing.Step{{
			Instruction: "Follow the route to the destination",
			Start:       points[0],
			End:         points[len(points)-1],
		}},
	}, nil
}

func formatMeters(m float64) string {
	if m >= 1000 {
		return fmt.Sprintf("%.1f km", m/1000)
	}
	return fmt.Sprintf("%.0f m", m)
}

// logSurface stands in for a map view. It remembers the camera and logs fits.
type logSurface struct {
	mu     sync.Mutex
	camera navigation.Camera
}

func (s *logSurface) SetCamera(ctx context.Context, c navigation.Camera) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.camera = c
	return nil
}

func (s *logSurface) AnimateCamera(ctx context.Context, c navigation.Camera, d time.Duration) error {
	return s.SetCamera(ctx, c)
}

func (s *logSurface) GetCamera(ctx context.Context) (navigation.Camera, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.camera, nil
}

func (s *logSurface) FitToCoordinates(ctx context.Context, points []geo.Point, padding navigation.EdgePadding, animated bool) error {
	log.Printf("Map: fit %d points", len(points))
	return nil
}

func (s *logSurface) SetOverlay(ctx context.Context, o navigation.Overlay) error {
	return nil
}

// logNotifier prints notices and signals the first arrival.
type logNotifier struct {
	once    sync.Once
	arrived chan struct{}
}

func newLogNotifier() *logNotifier {
	return &logNotifier{arrived: make(chan struct{})}
}

func (n *logNotifier) Notify(ctx context.Context, notice navigation.Notice) {
	switch notice.Kind {
	case navigation.NoticeStepChanged:
		if cur := notice.Banner.Current; cur != nil {
			log.Printf("Step %d: %s", notice.Step+1, routing.DirectionText(cur.Instruction, cur.Maneuver))
		}
	default:
		log.Printf("%s: %s", notice.Title, notice.Message)
	}
	if notice.Kind == navigation.NoticeArrived {
		n.once.Do(func() { close(n.arrived) })
	}
}
