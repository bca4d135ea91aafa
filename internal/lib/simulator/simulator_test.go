package simulator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliverly/navigator/internal/lib/geo"
	"github.com/deliverly/navigator/internal/lib/routing"
	"github.com/deliverly/navigator/internal/timeutil"
)

type recordingSink struct {
	mu          sync.Mutex
	samples     []geo.Sample
	nearArrival int
	finished    []bool
}

func (r *recordingSink) OnSimulatedSample(s geo.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
}

func (r *recordingSink) OnNearArrival() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nearArrival++
}

func (r *recordingSink) OnSimulationFinished(completed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, completed)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

var start = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func lineRoute(n int, spacing float64) *routing.Route {
	coords := make([]geo.Point, n)
	for i := range coords {
		coords[i] = geo.Point{Latitude: 10.0 + float64(i)*spacing, Longitude: 106.0}
	}
	return &routing.Route{Coordinates: coords, Found: true}
}

type timedSink struct {
	recordingSink
	clock      *timeutil.MockClock
	finishedAt time.Time
}

func (t *timedSink) OnSimulationFinished(completed bool) {
	t.recordingSink.OnSimulationFinished(completed)
	t.finishedAt = t.clock.Now()
}

func assertSpeedCapped(t *testing.T, from, to geo.Point, gap time.Duration, msgAndArgs ...interface{}) {
	t.Helper()
	meters := geo.MetersFromDegrees(geo.Distance(from, to))
	if meters == 0 {
		return
	}
	require.Greater(t, gap, time.Duration(0), msgAndArgs...)
	assert.LessOrEqual(t, meters/gap.Seconds(), 8.3+1e-9, msgAndArgs...)
}

func TestSimulator_NeverExceedsMaxSpeed(t *testing.T) {
	clock := timeutil.NewMockClock(start)
	sim := New(DefaultConfig(), clock)
	sink := &timedSink{clock: clock}

	// Two points 1000 m apart take at least 1000/8.3 = 120.5 s.
	end := geo.Point{Latitude: 1000.0 / geo.MetersPerDegree, Longitude: 0}
	route := &routing.Route{
		Coordinates: []geo.Point{{Latitude: 0, Longitude: 0}, end},
		Found:       true,
	}
	require.NoError(t, sim.Start(route, sink))

	clock.Advance(120 * time.Second)
	assert.True(t, sim.Running(), "still driving at 120s")

	clock.Advance(time.Second)
	assert.False(t, sim.Running())
	assert.Equal(t, []bool{true}, sink.finished)
	require.Len(t, sink.samples, 10)
	assert.GreaterOrEqual(t, sink.finishedAt.Sub(start).Seconds(), 1000.0/8.3-1e-6)

	perSubStep := 1000.0 / 8.3 / 10
	minGap := time.Duration(perSubStep * float64(time.Second))
	for i, s := range sink.samples {
		assert.LessOrEqual(t, *s.Speed, 8.3)
		if i > 0 {
			gap := s.Timestamp.Sub(sink.samples[i-1].Timestamp)
			assert.GreaterOrEqual(t, gap, minGap-time.Microsecond, "sample %d", i)
		}
	}
	assert.InDelta(t, 0.9*1000/geo.MetersPerDegree, sink.samples[9].Point.Latitude, 1e-12)
}

func TestSimulator_MixedSegmentsStayUnderCap(t *testing.T) {
	clock := timeutil.NewMockClock(start)
	sim := New(DefaultConfig(), clock)
	sink := &timedSink{clock: clock}

	// A long segment followed by two very short ones.
	route := &routing.Route{
		Coordinates: []geo.Point{
			{Latitude: 0, Longitude: 0},
			{Latitude: 1000.0 / geo.MetersPerDegree, Longitude: 0},
			{Latitude: 1001.0 / geo.MetersPerDegree, Longitude: 0},
			{Latitude: 1002.0 / geo.MetersPerDegree, Longitude: 0},
		},
		Found: true,
	}
	require.NoError(t, sim.Start(route, sink))
	clock.Advance(10 * time.Minute)

	require.Equal(t, []bool{true}, sink.finished)
	require.Len(t, sink.samples, 30)
	for i := 1; i < len(sink.samples); i++ {
		prev, cur := sink.samples[i-1], sink.samples[i]
		assertSpeedCapped(t, prev.Point, cur.Point, cur.Timestamp.Sub(prev.Timestamp), "sample %d", i)
	}
	last := sink.samples[len(sink.samples)-1]
	assertSpeedCapped(t, last.Point, route.Coordinates[3], sink.finishedAt.Sub(last.Timestamp), "final stretch")
	assert.GreaterOrEqual(t, sink.finishedAt.Sub(start).Seconds(), 1002.0/8.3-1e-6)
}

func TestSimulator_EarlyInvocationDefers(t *testing.T) {
	clock := timeutil.NewMockClock(start)
	sim := New(DefaultConfig(), clock)
	sink := &recordingSink{}

	route := &routing.Route{
		Coordinates: []geo.Point{{Latitude: 0, Longitude: 0}, {Latitude: 1000.0 / geo.MetersPerDegree, Longitude: 0}},
		Found:       true,
	}
	require.NoError(t, sim.Start(route, sink))

	// The first sample is the origin itself.
	clock.Advance(0)
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, Cursor{Major: 0, Sub: 1}, sim.Cursor())

	// The base interval fires long before 100 m can be covered.
	clock.Advance(12 * time.Second)
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, Cursor{Major: 0, Sub: 1}, sim.Cursor())

	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, 2, sink.count())
	assert.Equal(t, Cursor{Major: 0, Sub: 2}, sim.Cursor())
}

func TestSimulator_TurnPause(t *testing.T) {
	clock := timeutil.NewMockClock(start)
	sim := New(DefaultConfig(), clock)
	sink := &recordingSink{}

	// East, then a right angle north.
	route := &routing.Route{
		Coordinates: []geo.Point{
			{Latitude: 0, Longitude: 0},
			{Latitude: 0, Longitude: 0.0001},
			{Latitude: 0.0001, Longitude: 0.0001},
		},
		Found: true,
	}
	require.NoError(t, sim.Start(route, sink))
	clock.Advance(10 * time.Second)

	require.Len(t, sink.samples, 20)
	assert.Equal(t, 400*time.Millisecond, sink.samples[10].Timestamp.Sub(sink.samples[9].Timestamp))
	assert.Less(t, sink.samples[9].Timestamp.Sub(sink.samples[8].Timestamp), 200*time.Millisecond)

	// Short segments drive at the reduced base speed.
	assert.InDelta(t, 5.0, *sink.samples[0].Speed, 1e-9)
	assert.InDelta(t, 90.0, *sink.samples[0].Heading, 1e-6)
	assert.InDelta(t, 0.0, *sink.samples[10].Heading, 1e-6)
	assert.Equal(t, []bool{true}, sink.finished)
}

func TestSimulator_StopCancelsPendingSteps(t *testing.T) {
	clock := timeutil.NewMockClock(start)
	sim := New(DefaultConfig(), clock)
	sink := &recordingSink{}

	require.NoError(t, sim.Start(lineRoute(5, 0.001), sink))
	clock.Advance(5 * time.Second)
	got := sink.count()
	require.Greater(t, got, 0)

	assert.True(t, sim.Stop())
	assert.False(t, sim.Stop(), "second stop is a no-op")

	clock.Advance(10 * time.Minute)
	assert.Equal(t, got, sink.count())
	assert.Empty(t, sink.finished)
	assert.Equal(t, Stopped, sim.State())
}

func TestSimulator_NearArrivalOnce(t *testing.T) {
	clock := timeutil.NewMockClock(start)
	sim := New(DefaultConfig(), clock)
	sink := &recordingSink{}

	require.NoError(t, sim.Start(lineRoute(10, 0.0005), sink))
	clock.Advance(10 * time.Minute)

	assert.False(t, sim.Running())
	assert.Equal(t, 1, sink.nearArrival)
	assert.Equal(t, []bool{true}, sink.finished)
	assert.Len(t, sink.samples, 90)
}

func TestSimulator_RestartResetsCursor(t *testing.T) {
	clock := timeutil.NewMockClock(start)
	sim := New(DefaultConfig(), clock)
	first := &recordingSink{}
	second := &recordingSink{}

	require.NoError(t, sim.Start(lineRoute(5, 0.001), first))
	clock.Advance(30 * time.Second)
	require.NotEqual(t, Cursor{}, sim.Cursor())

	require.NoError(t, sim.Start(lineRoute(5, 0.001), second))
	assert.Equal(t, Cursor{}, sim.Cursor())
	n := first.count()

	clock.Advance(10 * time.Minute)
	assert.Equal(t, n, first.count(), "old run delivers nothing after restart")
	assert.Equal(t, 40, second.count())
	assert.Empty(t, first.finished)
	assert.Equal(t, []bool{true}, second.finished)
}

func TestSimulator_EmptyRoute(t *testing.T) {
	sim := New(DefaultConfig(), timeutil.NewMockClock(start))
	assert.ErrorIs(t, sim.Start(routing.NoRoute(), &recordingSink{}), ErrEmptyRoute)
	assert.ErrorIs(t, sim.Start(nil, &recordingSink{}), ErrEmptyRoute)
	assert.False(t, sim.Running())
}
