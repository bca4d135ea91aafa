package prefetch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliverly/navigator/internal/lib/geo"
	"github.com/deliverly/navigator/internal/lib/routing"
	"github.com/deliverly/navigator/internal/timeutil"
)

type snapshot struct {
	center  geo.Point
	zoom    float64
	restore time.Duration
}

type recordingWarmer struct {
	mu    sync.Mutex
	calls []snapshot
}

func (r *recordingWarmer) PrefetchSnapshot(ctx context.Context, center geo.Point, zoom float64, restoreAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, snapshot{center, zoom, restoreAfter})
}

func (r *recordingWarmer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var start = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func setup() (*Prefetcher, *recordingWarmer, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(start)
	warmer := &recordingWarmer{}
	return New(DefaultConfig(), clock, warmer), warmer, clock
}

func sampleAt(lat, lng, heading, speed float64) geo.Sample {
	return geo.NewSample(geo.Point{Latitude: lat, Longitude: lng}, heading, speed, start)
}

func TestOnSample_ThrottledWithinWindow(t *testing.T) {
	p, warmer, clock := setup()
	ctx := context.Background()

	assert.Equal(t, 1, p.OnSample(ctx, sampleAt(10.7769, 106.7009, 0, 2), nil, nil))

	clock.Advance(time.Second)
	assert.Equal(t, 0, p.OnSample(ctx, sampleAt(10.7770, 106.7009, 0, 2), nil, nil))

	assert.Equal(t, 1, warmer.count(), "second sample is skipped")
}

func TestOnSample_MovementBypassesThrottle(t *testing.T) {
	p, warmer, clock := setup()
	ctx := context.Background()

	p.OnSample(ctx, sampleAt(10.7769, 106.7009, 0, 2), nil, nil)
	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 1, p.OnSample(ctx, sampleAt(10.7779, 106.7009, 0, 2), nil, nil))
	assert.Equal(t, 2, warmer.count())
}

func TestOnSample_DeduplicatesRegions(t *testing.T) {
	p, warmer, clock := setup()
	ctx := context.Background()

	p.OnSample(ctx, sampleAt(10.7769, 106.7009, 0, 2), nil, nil)
	clock.Advance(3 * time.Second)
	assert.Equal(t, 0, p.OnSample(ctx, sampleAt(10.7769, 106.7009, 0, 2), nil, nil))
	assert.Equal(t, 1, warmer.count())
	assert.Equal(t, 1, p.Len())

	p.Reset()
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 1, p.OnSample(ctx, sampleAt(10.7769, 106.7009, 0, 2), nil, nil))
}

func TestOnSample_RegionsAhead(t *testing.T) {
	p, warmer, _ := setup()

	// 10 m/s is halfway between the thresholds: 0.03 degrees ahead, plus
	// two side regions.
	// Heading north.
	n := p.OnSample(context.Background(), sampleAt(10.0, 106.0, 0, 10), nil, nil)
	require.Equal(t, 3, n)

	primary := warmer.calls[0]
	assert.InDelta(t, 10.03, primary.center.Latitude, 1e-9)
	assert.InDelta(t, 106.0, primary.center.Longitude, 1e-9)
	assert.Equal(t, 15.0, primary.zoom)
	assert.Equal(t, 200*time.Millisecond, primary.restore)

	left, right := warmer.calls[1].center, warmer.calls[2].center
	assert.InDelta(t, left.Latitude, right.Latitude, 1e-9)
	assert.Greater(t, left.Latitude, 10.0)
	assert.Less(t, left.Longitude, 106.0, "left of a northbound driver is west")
	assert.Greater(t, right.Longitude, 106.0)
}

func TestOnSample_HeadingHint(t *testing.T) {
	p, warmer, _ := setup()
	hint := 90.0
	s := geo.Sample{Point: geo.Point{Latitude: 10, Longitude: 106}, Timestamp: start}

	p.OnSample(context.Background(), s, &hint, nil)
	require.Equal(t, 1, warmer.count())
	assert.InDelta(t, 10.0, warmer.calls[0].center.Latitude, 1e-9)
	assert.InDelta(t, 106.01, warmer.calls[0].center.Longitude, 1e-9, "east of the driver")
}

func TestOnSample_RouteLookahead(t *testing.T) {
	p, warmer, _ := setup()

	coords := make([]geo.Point, 120)
	for i := range coords {
		coords[i] = geo.Point{Latitude: 10.0, Longitude: 106.0 + float64(i)*0.0001}
	}
	route := &routing.Route{Coordinates: coords, Found: true}

	// 20 m/s: lookahead min(60, 100) samples indices 20 and 40.
	n := p.OnSample(context.Background(), sampleAt(10.0, 106.0, 0, 20), nil, route)
	require.Equal(t, 5, n)

	routeCalls := warmer.calls[3:]
	assert.Equal(t, coords[20], routeCalls[0].center)
	assert.Equal(t, coords[40], routeCalls[1].center)
	assert.Equal(t, 16.0, routeCalls[0].zoom)
	assert.Equal(t, 150*time.Millisecond, routeCalls[0].restore)
}

func TestOnSample_SlowRouteWalkSkipped(t *testing.T) {
	p, warmer, _ := setup()
	coords := make([]geo.Point, 50)
	for i := range coords {
		coords[i] = geo.Point{Latitude: 10.0, Longitude: 106.0 + float64(i)*0.0001}
	}

	// 5 m/s looks 15 points ahead, short of the first stride.
	p.OnSample(context.Background(), sampleAt(10.0, 106.0, 0, 5), nil, &routing.Route{Coordinates: coords, Found: true})
	assert.Equal(t, 1, warmer.count())
}

func TestRegionKey(t *testing.T) {
	assert.Equal(t, "10.7769,106.7010", RegionKey(geo.Point{Latitude: 10.77692, Longitude: 106.70098}))
}
