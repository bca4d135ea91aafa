// Package prefetch predicts which map regions the driver is about to reach
// and asks the map surface to warm their tiles before they scroll into view.
package prefetch

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/deliverly/navigator/internal/lib/geo"
	"github.com/deliverly/navigator/internal/lib/routing"
	"github.com/deliverly/navigator/internal/timeutil"
)

// Warmer loads tiles for a region, typically by briefly moving the camera
// there and restoring it after restoreAfter. Implementations must not block.
type Warmer interface {
	PrefetchSnapshot(ctx context.Context, center geo.Point, zoom float64, restoreAfter time.Duration)
}

// Config holds the prefetch tuning. Distances are in degree space.
type Config struct {
	Throttle      time.Duration `koanf:"throttle"`
	MinMovement   float64       `koanf:"min_movement"`
	SpeedLow      float64       `koanf:"speed_low"`  // m/s
	SpeedHigh     float64       `koanf:"speed_high"` // m/s
	MinDistance   float64       `koanf:"min_distance"`
	MaxDistance   float64       `koanf:"max_distance"`
	SideAngle     float64       `koanf:"side_angle"` // degrees
	RegionZoom    float64       `koanf:"region_zoom"`
	RegionRestore time.Duration `koanf:"region_restore"`

	RouteZoom           float64       `koanf:"route_zoom"`
	RouteRestore        time.Duration `koanf:"route_restore"`
	LookaheadMultiplier float64       `koanf:"lookahead_multiplier"`
	RouteStride         int           `koanf:"route_stride"`
	MaxLookahead        int           `koanf:"max_lookahead"`
}

// DefaultConfig returns the tuning used on the road.
func DefaultConfig() Config {
	return Config{
		Throttle:            2 * time.Second,
		MinMovement:         0.0003,
		SpeedLow:            5,
		SpeedHigh:           15,
		MinDistance:         0.01,
		MaxDistance:         0.05,
		SideAngle:           30,
		RegionZoom:          15,
		RegionRestore:       200 * time.Millisecond,
		RouteZoom:           16,
		RouteRestore:        150 * time.Millisecond,
		LookaheadMultiplier: 3,
		RouteStride:         20,
		MaxLookahead:        100,
	}
}

// Prefetcher keeps the throttle baseline and the set of regions already
// warmed for one tracking session.
type Prefetcher struct {
	cfg    Config
	clock  timeutil.Clock
	warmer Warmer

	mu        sync.Mutex
	lastAt    time.Time
	last      *geo.Point
	speed     float64
	direction float64
	regions   map[string]struct{}
}

// New creates a prefetcher that delegates tile warming to warmer.
func New(cfg Config, clock timeutil.Clock, warmer Warmer) *Prefetcher {
	return &Prefetcher{
		cfg:     cfg,
		clock:   clock,
		warmer:  warmer,
		regions: make(map[string]struct{}),
	}
}

// RegionKey quantizes a point to 4 decimal degrees.
func RegionKey(p geo.Point) string {
	return fmt.Sprintf("%.4f,%.4f", p.Latitude, p.Longitude)
}

// OnSample runs one prefetch pass for a position sample and returns the
// number of regions handed to the warmer. headingHint is used when the sample
// has no heading. Pass a route only while following one; its upcoming
// coordinates are then warmed too.
func (p *Prefetcher) OnSample(ctx context.Context, s geo.Sample, headingHint *float64, route *routing.Route) int {
	p.mu.Lock()
	now := p.clock.Now()
	if p.last != nil && now.Sub(p.lastAt) < p.cfg.Throttle && geo.Distance(s.Point, *p.last) < p.cfg.MinMovement {
		p.mu.Unlock()
		return 0
	}

	pos := s.Point
	p.last = &pos
	p.lastAt = now
	p.speed = s.SpeedOr(p.speed)
	switch {
	case s.Heading != nil:
		p.direction = *s.Heading
	case headingHint != nil:
		p.direction = *headingHint
	}

	type job struct {
		center  geo.Point
		zoom    float64
		restore time.Duration
	}
	var jobs []job
	for _, region := range p.regionsAhead(pos) {
		if p.claim(region) {
			jobs = append(jobs, job{region, p.cfg.RegionZoom, p.cfg.RegionRestore})
		}
	}
	if route.Usable() {
		for _, pt := range p.routeAhead(pos, route) {
			if p.claim(pt) {
				jobs = append(jobs, job{pt, p.cfg.RouteZoom, p.cfg.RouteRestore})
			}
		}
	}
	p.mu.Unlock()

	ctx = logging.EnsureLogger(ctx)
	for _, j := range jobs {
		logging.Debugw(ctx, "prefetch: warming region", "center", j.center.String(), "zoom", j.zoom)
		p.warmer.PrefetchSnapshot(ctx, j.center, j.zoom, j.restore)
	}
	return len(jobs)
}

// Reset forgets every warmed region and the throttle baseline.
func (p *Prefetcher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regions = make(map[string]struct{})
	p.last = nil
	p.lastAt = time.Time{}
}

// Len returns the number of regions warmed since the last reset.
func (p *Prefetcher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.regions)
}

func (p *Prefetcher) claim(pt geo.Point) bool {
	key := RegionKey(pt)
	if _, ok := p.regions[key]; ok {
		return false
	}
	p.regions[key] = struct{}{}
	return true
}

// lookahead maps speed to a prefetch distance, interpolating linearly
// between the low and high speed thresholds.
func (p *Prefetcher) lookahead() float64 {
	switch {
	case p.speed > p.cfg.SpeedHigh:
		return p.cfg.MaxDistance
	case p.speed > p.cfg.SpeedLow:
		f := (p.speed - p.cfg.SpeedLow) / (p.cfg.SpeedHigh - p.cfg.SpeedLow)
		return p.cfg.MinDistance + f*(p.cfg.MaxDistance-p.cfg.MinDistance)
	default:
		return p.cfg.MinDistance
	}
}

func (p *Prefetcher) regionsAhead(pos geo.Point) []geo.Point {
	dist := p.lookahead()
	regions := []geo.Point{geo.Offset(pos, p.direction, dist)}
	if p.speed > p.cfg.SpeedLow {
		regions = append(regions,
			geo.Offset(pos, p.direction-p.cfg.SideAngle, dist),
			geo.Offset(pos, p.direction+p.cfg.SideAngle, dist),
		)
	}
	return regions
}

// routeAhead samples every RouteStride-th coordinate past the point nearest
// to pos, up to a speed-scaled lookahead.
func (p *Prefetcher) routeAhead(pos geo.Point, route *routing.Route) []geo.Point {
	nearest, _ := geo.Nearest(pos, route.Coordinates)
	if nearest < 0 || p.cfg.RouteStride <= 0 {
		return nil
	}
	ahead := int(math.Floor(p.speed * p.cfg.LookaheadMultiplier))
	if ahead > p.cfg.MaxLookahead {
		ahead = p.cfg.MaxLookahead
	}

	var points []geo.Point
	for i := nearest + p.cfg.RouteStride; i < len(route.Coordinates) && i < nearest+ahead; i += p.cfg.RouteStride {
		points = append(points, route.Coordinates[i])
	}
	return points
}
