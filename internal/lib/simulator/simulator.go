// Package simulator drives a synthetic vehicle along a route at a capped,
// turn-aware speed, producing the same samples a GPS receiver would.
package simulator

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/deliverly/navigator/internal/lib/geo"
	"github.com/deliverly/navigator/internal/lib/routing"
	"github.com/deliverly/navigator/internal/timeutil"
)

// ErrEmptyRoute is returned when starting without route geometry.
var ErrEmptyRoute = errors.New("simulator: route has no coordinates")

// Sink receives simulator output. Calls are made without holding simulator
// locks, so a sink may call back into the simulator.
type Sink interface {
	OnSimulatedSample(s geo.Sample)
	// OnNearArrival fires at most once per run.
	OnNearArrival()
	// OnSimulationFinished fires when the last coordinate is reached. It is
	// not called for runs ended with Stop.
	OnSimulationFinished(completed bool)
}

// Config holds the drive profile.
type Config struct {
	Steps     int           `koanf:"steps"`     // sub-steps per segment
	MaxSpeed  float64       `koanf:"max_speed"` // m/s
	Interval  time.Duration `koanf:"interval"`
	TurnPause time.Duration `koanf:"turn_pause"`
	TurnAngle float64       `koanf:"turn_angle"` // degrees

	// Near-arrival window, counted back from the end of the route.
	NearArrivalFrom  int `koanf:"near_arrival_from"`
	NearArrivalUntil int `koanf:"near_arrival_until"`
}

// DefaultConfig returns a 30 km/h city drive profile.
func DefaultConfig() Config {
	return Config{
		Steps:            10,
		MaxSpeed:         8.3,
		Interval:         100 * time.Millisecond,
		TurnPause:        400 * time.Millisecond,
		TurnAngle:        30,
		NearArrivalFrom:  8,
		NearArrivalUntil: 5,
	}
}

// State is the simulator run state.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Cursor is the position of the synthetic driver: the segment starting at
// Major, Sub tenths of the way along.
type Cursor struct {
	Major int
	Sub   int
}

// Simulator is a self-rescheduling step loop on a single cancellable timer.
// Each run has a generation number; callbacks from older runs do nothing.
type Simulator struct {
	cfg   Config
	clock timeutil.Clock

	mu          sync.Mutex
	state       State
	gen         uint64
	timer       timeutil.Timer
	coords      []geo.Point
	cursor      Cursor
	lastStep    time.Time
	lastEmitted geo.Point
	nearFired   bool
	sink        Sink
}

// New creates a stopped simulator.
func New(cfg Config, clock timeutil.Clock) *Simulator {
	if cfg.Steps <= 0 {
		cfg.Steps = 1
	}
	if cfg.MaxSpeed <= 0 {
		cfg.MaxSpeed = DefaultConfig().MaxSpeed
	}
	return &Simulator{cfg: cfg, clock: clock}
}

// Start begins driving route from its first coordinate. A run already in
// progress is cancelled first.
func (s *Simulator) Start(route *routing.Route, sink Sink) error {
	if route == nil || len(route.Coordinates) == 0 {
		return ErrEmptyRoute
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()
	s.gen++
	s.state = Running
	s.coords = route.Coordinates
	s.cursor = Cursor{}
	s.lastStep = s.clock.Now()
	s.lastEmitted = route.Coordinates[0]
	s.nearFired = false
	s.sink = sink
	s.scheduleLocked(s.gen, 0)
	return nil
}

// Stop cancels the run and any pending step. It reports whether a run was
// in progress; stopping a stopped simulator is a no-op.
func (s *Simulator) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running {
		return false
	}
	s.cancelLocked()
	s.gen++
	s.state = Stopped
	return true
}

// Running reports whether a run is in progress.
func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Running
}

// State returns the run state.
func (s *Simulator) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cursor returns the current simulation cursor.
func (s *Simulator) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Simulator) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Simulator) scheduleLocked(gen uint64, d time.Duration) {
	s.timer = s.clock.AfterFunc(d, func() { s.step(gen) })
}

func (s *Simulator) step(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != Running {
		s.mu.Unlock()
		return
	}

	sink := s.sink
	last := len(s.coords) - 1
	finishing := s.cursor.Major >= last

	var next geo.Point
	var a, b geo.Point
	if finishing {
		next = s.coords[last]
	} else {
		a, b = s.coords[s.cursor.Major], s.coords[s.cursor.Major+1]
		next = geo.Interpolate(a, b, float64(s.cursor.Sub)/float64(s.cfg.Steps))
	}

	// Never cover ground faster than MaxSpeed, however early the timer fires.
	// The wait covers the distance from the last emitted point, which on a
	// segment boundary is the tail of the previous segment.
	now := s.clock.Now()
	wait := s.minTravelTime(s.lastEmitted, next)
	if elapsed := now.Sub(s.lastStep); elapsed < wait {
		s.scheduleLocked(gen, wait-elapsed)
		s.mu.Unlock()
		return
	}
	s.lastStep = now
	s.lastEmitted = next

	if finishing {
		s.state = Stopped
		s.timer = nil
		s.gen++
		s.mu.Unlock()
		sink.OnSimulationFinished(true)
		return
	}

	segment := geo.MetersFromDegrees(geo.Distance(a, b))
	heading := geo.Heading(a, b)
	sample := geo.NewSample(next, heading, s.speed(segment), now)

	delay := s.cfg.Interval
	s.cursor.Sub++
	if s.cursor.Sub >= s.cfg.Steps {
		s.cursor.Sub = 0
		s.cursor.Major++
		if s.cursor.Major < last {
			turn := geo.Heading(b, s.coords[s.cursor.Major+1])
			if d := geo.HeadingDelta(heading, turn); d > s.cfg.TurnAngle && d < 360-s.cfg.TurnAngle {
				delay = s.cfg.TurnPause
			}
		}
	}

	near := false
	n := len(s.coords)
	if !s.nearFired && s.cursor.Sub == 0 &&
		s.cursor.Major >= n-s.cfg.NearArrivalFrom && s.cursor.Major < n-s.cfg.NearArrivalUntil {
		s.nearFired = true
		near = true
	}
	s.mu.Unlock()

	sink.OnSimulatedSample(sample)
	if near {
		sink.OnNearArrival()
	}

	s.mu.Lock()
	if gen == s.gen && s.state == Running {
		s.scheduleLocked(gen, delay)
	}
	s.mu.Unlock()
}

// minTravelTime is the time needed to drive from a to b at MaxSpeed,
// rounded up to the next nanosecond.
func (s *Simulator) minTravelTime(a, b geo.Point) time.Duration {
	seconds := geo.MetersFromDegrees(geo.Distance(a, b)) / s.cfg.MaxSpeed
	return time.Duration(math.Ceil(seconds * float64(time.Second)))
}

// speed is slower on short segments and varies gently along the route,
// never exceeding MaxSpeed.
func (s *Simulator) speed(segmentMeters float64) float64 {
	base := 7.0
	if segmentMeters < 20 {
		base = 5
	}
	v := base + math.Sin(float64(s.cursor.Major)*0.1)*1.5
	return math.Min(v, s.cfg.MaxSpeed)
}
