package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliverly/navigator/internal/lib/geo"
	"github.com/deliverly/navigator/internal/lib/routing"
	"github.com/deliverly/navigator/internal/timeutil"
)

var start = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestCache_SetGetExpiry(t *testing.T) {
	clock := timeutil.NewMockClock(start)
	c := NewCacheWithClock(clock)

	require.NoError(t, c.Set("k", map[string]int{"a": 1}, time.Minute, "test"))

	var got map[string]int
	found, err := c.Get("k", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, got["a"])

	clock.Advance(2 * time.Minute)
	found, err = c.Get("k", &got)
	require.NoError(t, err)
	assert.False(t, found)

	stats := c.Stats()
	assert.Equal(t, 1, stats.TotalEntries)
	assert.Equal(t, 1, stats.StaleEntries)
	assert.Equal(t, 1, c.CleanupStale())
	assert.Equal(t, 0, c.Stats().TotalEntries)
}

func TestCache_PeriodicCleanupFollowsClock(t *testing.T) {
	clock := timeutil.NewMockClock(start)
	c := NewCacheWithClock(clock)
	require.NoError(t, c.Set("short", 1, time.Minute, "test"))
	require.NoError(t, c.Set("long", 2, time.Hour, "test"))

	ctx, cancel := context.WithCancel(context.Background())
	c.StartPeriodicCleanup(ctx, 5*time.Minute)
	assert.Equal(t, 1, clock.Pending())

	clock.Advance(4 * time.Minute)
	assert.Equal(t, 2, c.Stats().TotalEntries, "no sweep before the interval")

	clock.Advance(time.Minute)
	assert.Equal(t, 1, c.Stats().TotalEntries)
	assert.Equal(t, 1, clock.Pending(), "next sweep scheduled")

	cancel()
	assert.Eventually(t, func() bool { return clock.Pending() == 0 }, time.Second, 5*time.Millisecond)

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, c.Stats().TotalEntries, "no sweeps after cancel")
}

func TestCache_Routes(t *testing.T) {
	clock := timeutil.NewMockClock(start)
	c := NewCacheWithClock(clock)

	origin := geo.Point{Latitude: 10.77692, Longitude: 106.70098}
	dest := geo.Point{Latitude: 10.77958, Longitude: 106.70093}
	route := &routing.Route{
		Coordinates:  []geo.Point{origin, dest},
		Steps:        []routing.Step{{Instruction: "Head north", Start: origin, End: dest}},
		DistanceText: "0.3 km",
		Found:        true,
	}
	require.NoError(t, c.SetRoute(origin, dest, routing.Fastest, route, 10*time.Minute))

	// A fix a couple of meters away shares the entry.
	nearby := geo.Point{Latitude: 10.776921, Longitude: 106.700982}
	got, found, err := c.GetRoute(nearby, dest, routing.Fastest)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, route, got)

	_, found, _ = c.GetRoute(origin, dest, routing.AvoidTolls)
	assert.False(t, found, "preference is part of the key")

	require.NoError(t, c.SetRoute(origin, dest, routing.Shortest, routing.NoRoute(), time.Minute))
	_, found, _ = c.GetRoute(origin, dest, routing.Shortest)
	assert.False(t, found, "empty routes are not cached")

	clock.Advance(11 * time.Minute)
	_, found, _ = c.GetRoute(origin, dest, routing.Fastest)
	assert.False(t, found)
}
