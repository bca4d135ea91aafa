// Package navigation runs a driver's tracking session: it consumes live or
// simulated position samples, follows the active route step by step,
// recalculates when the driver leaves it, and reports the driver's position.
package navigation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	prefaberrors "github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"

	"github.com/deliverly/navigator/internal/cache"
	"github.com/deliverly/navigator/internal/lib/delivery"
	"github.com/deliverly/navigator/internal/lib/geo"
	"github.com/deliverly/navigator/internal/lib/prefetch"
	"github.com/deliverly/navigator/internal/lib/routing"
	"github.com/deliverly/navigator/internal/lib/simulator"
	"github.com/deliverly/navigator/internal/timeutil"
)

var (
	// ErrPermissionDenied is returned by Start when location access is refused.
	ErrPermissionDenied = errors.New("navigation: location permission denied")
	ErrClosed           = errors.New("navigation: session closed")
	ErrNotTracking      = errors.New("navigation: session is not tracking")
	ErrNoRoute          = errors.New("navigation: no route to simulate")
)

// Mode is the session state. Exactly one position source is active in
// Tracking, Navigating and Simulating.
type Mode int

const (
	ModeIdle Mode = iota
	ModeTracking
	ModeNavigating
	ModeSimulating
)

func (m Mode) String() string {
	switch m {
	case ModeTracking:
		return "tracking"
	case ModeNavigating:
		return "navigating"
	case ModeSimulating:
		return "simulating"
	default:
		return "idle"
	}
}

// following reports whether the mode drives the camera and route progress.
func (m Mode) following() bool {
	return m == ModeNavigating || m == ModeSimulating
}

// Config holds the session tuning. Distances are planar degree-space values,
// see geo.Distance.
type Config struct {
	OffRouteThreshold    float64       `koanf:"off_route_threshold"`
	OffRouteInterval     time.Duration `koanf:"off_route_interval"`
	MovementThreshold    float64       `koanf:"movement_threshold"`
	ReportInterval       time.Duration `koanf:"report_interval"`
	FallbackInterval     time.Duration `koanf:"fallback_interval"`
	DeliveryRadius       float64       `koanf:"delivery_radius"`
	StepCompletionRadius float64       `koanf:"step_completion_radius"`
	StepDebounce         time.Duration `koanf:"step_debounce"`
	RouteCacheTTL        time.Duration `koanf:"route_cache_ttl"`

	Watch     WatchOptions     `koanf:"watch"`
	Camera    CameraConfig     `koanf:"camera"`
	Prefetch  prefetch.Config  `koanf:"prefetch"`
	Simulator simulator.Config `koanf:"simulator"`
}

// DefaultConfig returns the tuning used in production.
func DefaultConfig() Config {
	return Config{
		OffRouteThreshold:    0.0003,
		OffRouteInterval:     15 * time.Second,
		MovementThreshold:    0.00008,
		ReportInterval:       500 * time.Millisecond,
		FallbackInterval:     10 * time.Second,
		DeliveryRadius:       0.0001,
		StepCompletionRadius: 0.0001,
		StepDebounce:         2 * time.Second,
		RouteCacheTTL:        10 * time.Minute,
		Watch: WatchOptions{
			Accuracy:         AccuracyBestForNavigation,
			DistanceInterval: 5,
			TimeInterval:     500 * time.Millisecond,
		},
		Camera:    DefaultCameraConfig(),
		Prefetch:  prefetch.DefaultConfig(),
		Simulator: simulator.DefaultConfig(),
	}
}

// Options wires a session to its order and collaborators. Location,
// Directions, Coordinates and Surface are required.
type Options struct {
	OrderID         string
	Destination     geo.Point
	DeliveryAddress string
	Preference      routing.Preference

	Config Config
	Clock  timeutil.Clock

	Location    LocationSource
	Directions  RouteFetcher
	Coordinates CoordinateStore
	Emitter     Emitter
	Orders      OrderStatus
	Surface     MapSurface
	Notifier    Notifier

	// RouteCache holds fetched routes by origin, destination and preference.
	RouteCache *cache.Cache

	// Dispatch runs network work off the sample path. Defaults to a new
	// goroutine per call.
	Dispatch func(func())
}

// Snapshot is a point-in-time view of the session. Tracking keeps the
// progress of the last navigation run after navigation stops.
type Snapshot struct {
	Mode              Mode
	Position          *geo.Sample
	Route             *routing.Route
	Tracking          routing.TrackingState
	Banner            routing.Banner
	Recalculations    int
	Cursor            simulator.Cursor
	PrefetchedRegions int
}

// Session owns the active route and tracking state for one order.
type Session struct {
	opts       Options
	cfg        Config
	clock      timeutil.Clock
	camera     *CameraController
	prefetcher *prefetch.Prefetcher
	sim        *simulator.Simulator
	routes     *cache.Cache
	dispatch   func(func())

	coordMu sync.Mutex
	coordID string

	mu           sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	closed       bool
	mode         Mode
	latest       *geo.Sample
	realFix      *geo.Sample
	heading      *float64
	lastReported *geo.Point
	lastReportAt time.Time
	route        *routing.Route
	tracking     routing.TrackingState
	recalcs      int
	arrived      bool
	fetchGen     uint64
	posSub       Subscription
	headSub      Subscription
	fallback     timeutil.Timer
	effects      []func()
}

// NewSession creates an idle session.
func NewSession(opts Options) (*Session, error) {
	if opts.Location == nil || opts.Directions == nil || opts.Coordinates == nil || opts.Surface == nil {
		return nil, errors.New("navigation: location, directions, coordinates and surface are required")
	}
	if opts.OrderID == "" {
		return nil, errors.New("navigation: order id is required")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Emitter == nil {
		opts.Emitter = nopEmitter{}
	}
	if opts.Orders == nil {
		opts.Orders = nopOrders{}
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.RouteCache == nil {
		opts.RouteCache = cache.NewCacheWithClock(opts.Clock)
	}

	s := &Session{
		opts:   opts,
		cfg:    opts.Config,
		clock:  opts.Clock,
		routes: opts.RouteCache,
		ctx:    logging.EnsureLogger(context.Background()),
		cancel: func() {},
	}
	s.camera = NewCameraController(opts.Surface, opts.Clock, s.cfg.Camera)
	s.prefetcher = prefetch.New(s.cfg.Prefetch, opts.Clock, s.camera)
	s.sim = simulator.New(s.cfg.Simulator, opts.Clock)
	s.dispatch = opts.Dispatch
	if s.dispatch == nil {
		s.dispatch = s.goSafe
	}
	return s, nil
}

// Start acquires location permission, takes an initial fix, makes sure the
// order has a coordinate record and subscribes to position and heading
// updates. Starting a running session is a no-op.
func (s *Session) Start(ctx context.Context) error {
	ctx = logging.EnsureLogger(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.mode != ModeIdle {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	granted, err := s.opts.Location.RequestPermission(ctx)
	if err != nil {
		return fmt.Errorf("failed to request location permission: %w", err)
	}
	if !granted {
		s.opts.Notifier.Notify(ctx, Notice{
			Kind:    NoticePermissionDenied,
			Title:   "Permission Denied",
			Message: "Location permission is required for delivery tracking.",
		})
		return ErrPermissionDenied
	}

	fix, err := s.opts.Location.CurrentPosition(ctx, AccuracyHigh)
	if err != nil {
		return fmt.Errorf("failed to get initial position: %w", err)
	}
	if err := s.ensureCoordinate(ctx, fix.Point); err != nil {
		logging.Warnw(ctx, "navigation: coordinate record unavailable", "orderId", s.opts.OrderID, "error", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mode = ModeTracking
	s.latest = &fix
	first := fix
	s.realFix = &first
	p := fix.Point
	s.lastReported = &p
	s.mu.Unlock()

	if err := s.subscribeLive(); err != nil {
		s.Close()
		return fmt.Errorf("failed to watch position: %w", err)
	}
	headSub, err := s.opts.Location.WatchHeading(s.context(), s.HandleHeading)
	if err != nil {
		logging.Warnw(ctx, "navigation: heading unavailable", "orderId", s.opts.OrderID, "error", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if headSub != nil {
			headSub.Remove()
		}
		return ErrClosed
	}
	s.headSub = headSub
	s.fallback = s.clock.AfterFunc(s.cfg.FallbackInterval, s.fallbackTick)
	s.later(func() { s.dispatch(s.refreshPosition) })
	logging.Infow(ctx, "navigation: tracking started", "orderId", s.opts.OrderID, "position", fix.Point.String())
	s.unlockAndRun()
	return nil
}

// StartNavigation switches from tracking to turn-by-turn navigation. It
// resets progress to the first step, moves the camera to the driver and
// fetches a route unless one is cached for this origin and destination.
// When updateStatus is set the order is marked in delivery.
func (s *Session) StartNavigation(ctx context.Context, updateStatus bool) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.mode == ModeIdle:
		s.mu.Unlock()
		return ErrNotTracking
	case s.mode == ModeSimulating:
		s.stopSimulationLocked()
	}
	s.beginNavigationLocked(true)
	if updateStatus {
		s.later(func() { s.dispatch(func() { s.updateOrderStatus(s.context(), delivery.StatusInDelivery) }) })
	}
	s.unlockAndRun()
	return nil
}

// StopNavigation returns to plain tracking. A running simulation is stopped
// and the last real fix restored. The camera is fitted to show the driver
// and the destination. It is a no-op when not navigating.
func (s *Session) StopNavigation(ctx context.Context) {
	s.mu.Lock()
	if !s.mode.following() {
		s.mu.Unlock()
		return
	}
	s.stopNavigationLocked()
	s.unlockAndRun()
}

// StartSimulation replaces the live position feed with the drive simulator
// along the current route. Navigation is started if needed; the route is not
// refetched. When updateStatus is set the order is marked in delivery.
func (s *Session) StartSimulation(ctx context.Context, updateStatus bool) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.mode == ModeIdle:
		s.mu.Unlock()
		return ErrNotTracking
	case s.mode == ModeSimulating:
		s.mu.Unlock()
		return nil
	case !s.route.Usable():
		s.mu.Unlock()
		return ErrNoRoute
	}

	if s.mode != ModeNavigating {
		s.beginNavigationLocked(false)
	}
	if err := s.sim.Start(s.route, simSink{s}); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mode = ModeSimulating
	if sub := s.posSub; sub != nil {
		s.posSub = nil
		s.later(sub.Remove)
	}
	if updateStatus {
		s.later(func() { s.dispatch(func() { s.updateOrderStatus(s.context(), delivery.StatusInDelivery) }) })
	}
	logging.Infow(s.ctx, "navigation: simulation started", "orderId", s.opts.OrderID, "points", len(s.route.Coordinates))
	s.unlockAndRun()
	return nil
}

// StopSimulation stops the simulator and resumes live tracking, staying in
// navigation. It is a no-op when not simulating.
func (s *Session) StopSimulation(ctx context.Context) {
	s.mu.Lock()
	if s.mode != ModeSimulating {
		s.mu.Unlock()
		return
	}
	s.stopSimulationLocked()
	s.unlockAndRun()
}

// ConfirmDelivery marks the order shipped and ends navigation.
func (s *Session) ConfirmDelivery(ctx context.Context) error {
	err := s.opts.Orders.UpdateDeliveryInfo(ctx, s.opts.OrderID, delivery.DeliveryInfo{
		Status:               delivery.StatusShipped,
		DeliveryAddress:      s.opts.DeliveryAddress,
		ExpectedDeliveryDate: s.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to confirm delivery: %w", err)
	}
	s.opts.Notifier.Notify(ctx, Notice{
		Kind:    NoticeDeliveryConfirmed,
		Title:   "Delivery Completed",
		Message: "The order has been marked as delivered.",
	})
	s.StopNavigation(ctx)
	return nil
}

// HandleSample processes a live position sample. Samples are ignored while
// idle or simulating.
func (s *Session) HandleSample(sample geo.Sample) {
	s.mu.Lock()
	if s.mode != ModeTracking && s.mode != ModeNavigating {
		s.mu.Unlock()
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.clock.Now()
	}
	fix := sample
	s.realFix = &fix
	s.processLocked(sample)
	s.unlockAndRun()
}

// HandleHeading records a compass heading.
func (s *Session) HandleHeading(heading float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heading = &heading
}

// Close cancels subscriptions, timers and the simulator. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mode = ModeIdle
	s.sim.Stop()
	if s.fallback != nil {
		s.fallback.Stop()
		s.fallback = nil
	}
	subs := []Subscription{s.posSub, s.headSub}
	s.posSub, s.headSub = nil, nil
	s.effects = nil
	s.cancel()
	s.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			sub.Remove()
		}
	}
	s.camera.Close()
	s.prefetcher.Reset()
}

// Mode returns the current session mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Mode:              s.mode,
		Route:             s.route,
		Tracking:          s.tracking,
		Recalculations:    s.recalcs,
		Cursor:            s.sim.Cursor(),
		PrefetchedRegions: s.prefetcher.Len(),
	}
	if s.latest != nil {
		pos := *s.latest
		snap.Position = &pos
	}
	if s.mode.following() {
		snap.Banner = routing.BannerFor(s.route, s.tracking.CurrentStep)
	}
	return snap
}

// processLocked runs the per-sample pipeline. All state changes happen here
// under the lock; the camera and network work it queues runs after the lock
// is released. The prefetch pass is dispatched last and never awaited.
func (s *Session) processLocked(sample geo.Sample) {
	ctx := s.ctx
	now := s.clock.Now()
	latest := sample
	s.latest = &latest
	pos := sample.Point
	following := s.mode.following()

	if following {
		heading := s.headingLocked(sample)
		s.later(func() { s.camera.Follow(ctx, pos, heading) })
	}

	if s.movedLocked(pos) && now.Sub(s.lastReportAt) >= s.cfg.ReportInterval {
		s.lastReported = &pos
		s.lastReportAt = now
		update := delivery.NewLocationUpdate(s.opts.OrderID, sample)
		s.later(func() { s.dispatch(func() { s.emitLocation(ctx, update) }) })
	}

	if following && s.route.Usable() {
		s.advanceStepLocked(pos, now)
		if now.Sub(s.tracking.LastRouteCheck) >= s.cfg.OffRouteInterval {
			s.checkOffRouteLocked(pos, now)
		}
	}

	s.showOverlayLocked()
	s.checkArrivalLocked(pos)

	var route *routing.Route
	if following {
		route = s.route
	}
	var hint *float64
	if s.heading != nil {
		h := *s.heading
		hint = &h
	}
	s.later(func() { s.dispatch(func() { s.prefetcher.OnSample(ctx, sample, hint, route) }) })
}

func (s *Session) movedLocked(pos geo.Point) bool {
	if s.lastReported == nil {
		return true
	}
	return geo.Distance(pos, *s.lastReported) > s.cfg.MovementThreshold
}

// headingLocked prefers the compass for live samples. Simulated samples
// carry the heading of the segment being driven.
func (s *Session) headingLocked(sample geo.Sample) float64 {
	if s.mode != ModeSimulating && s.heading != nil {
		return *s.heading
	}
	return sample.HeadingOr(0)
}

func (s *Session) advanceStepLocked(pos geo.Point, now time.Time) {
	before := s.tracking.CurrentStep
	s.tracking = routing.AdvanceIfStepComplete(pos, s.route, s.tracking, s.cfg.StepCompletionRadius, s.cfg.StepDebounce, now)
	if s.tracking.CurrentStep != before {
		s.noticeStepLocked()
	}
}

func (s *Session) checkOffRouteLocked(pos geo.Point, now time.Time) {
	s.tracking.LastRouteCheck = now
	result := routing.CheckOffRoute(pos, s.route, s.cfg.OffRouteThreshold)
	s.tracking.IsOffRoute = result.IsOffRoute
	if !result.IsOffRoute {
		return
	}

	s.recalcs++
	logging.Infow(s.ctx, "navigation: driver off route, recalculating",
		"orderId", s.opts.OrderID,
		"distanceMeters", geo.MetersFromDegrees(result.NearestDistance),
		"recalculations", s.recalcs)
	s.notifyLocked(Notice{
		Kind:    NoticeRouteRecalculated,
		Title:   "Route Updated",
		Message: "Your route has been recalculated based on your current location.",
	})
	s.requestRouteLocked(pos, false)
}

// checkArrivalLocked raises the arrival notice once the driver is within the
// delivery radius of the destination, ending navigation if it is running.
func (s *Session) checkArrivalLocked(pos geo.Point) {
	if geo.Distance(pos, s.opts.Destination) > s.cfg.DeliveryRadius {
		return
	}
	if s.mode.following() {
		s.stopNavigationLocked()
	}
	s.arrivedLocked()
}

// arrivedLocked raises the arrival notice once per navigation run, or once
// before the first run.
func (s *Session) arrivedLocked() {
	if s.arrived {
		return
	}
	s.arrived = true
	s.notifyLocked(Notice{
		Kind:    NoticeArrived,
		Title:   "Arrived at Destination",
		Message: "You have reached the customer's location.",
	})
}

func (s *Session) beginNavigationLocked(fetch bool) {
	now := s.clock.Now()
	s.mode = ModeNavigating
	s.tracking = routing.NewTrackingState(now)
	s.recalcs = 0
	s.arrived = false

	if s.latest == nil {
		return
	}
	sample := *s.latest
	pos, heading, ctx := sample.Point, s.headingLocked(sample), s.ctx
	s.later(func() { s.camera.SnapFollow(ctx, pos, heading) })
	s.later(func() {
		s.dispatch(func() {
			if err := s.ensureCoordinate(ctx, pos); err != nil {
				logging.Warnw(ctx, "navigation: coordinate record unavailable", "orderId", s.opts.OrderID, "error", err)
			}
		})
	})
	if fetch {
		s.requestRouteLocked(pos, true)
	} else if s.route.Usable() {
		s.noticeStepLocked()
	}
}

func (s *Session) stopNavigationLocked() {
	if s.mode == ModeSimulating {
		s.stopSimulationLocked()
	}
	s.mode = ModeTracking

	ctx := s.ctx
	points := []geo.Point{s.opts.Destination}
	if s.latest != nil {
		points = append([]geo.Point{s.latest.Point}, points...)
	}
	s.later(func() { s.camera.FitTo(ctx, points) })
	logging.Infow(ctx, "navigation: navigation stopped", "orderId", s.opts.OrderID)
}

// stopSimulationLocked stops the simulator, restores the last real fix and
// resumes the live subscription. The session stays in navigation.
func (s *Session) stopSimulationLocked() {
	s.sim.Stop()
	s.mode = ModeNavigating
	if s.realFix != nil {
		fix := *s.realFix
		s.latest = &fix
	}
	s.later(func() {
		if err := s.subscribeLive(); err != nil {
			logging.Errorw(s.context(), "navigation: failed to resume position updates", "orderId", s.opts.OrderID, "error", err)
		}
	})
}

func (s *Session) subscribeLive() error {
	sub, err := s.opts.Location.WatchPosition(s.context(), s.cfg.Watch, s.HandleSample)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed || s.mode == ModeSimulating || s.posSub != nil {
		s.mu.Unlock()
		sub.Remove()
		return nil
	}
	s.posSub = sub
	s.mu.Unlock()
	return nil
}

func (s *Session) requestRouteLocked(origin geo.Point, useCache bool) {
	s.fetchGen++
	gen, ctx := s.fetchGen, s.ctx
	s.later(func() { s.dispatch(func() { s.fetchRoute(ctx, gen, origin, useCache) }) })
}

func (s *Session) fetchRoute(ctx context.Context, gen uint64, origin geo.Point, useCache bool) {
	dest, pref := s.opts.Destination, s.opts.Preference
	if useCache {
		route, found, err := s.routes.GetRoute(origin, dest, pref)
		if err != nil {
			logging.Warnw(ctx, "navigation: route cache read failed", "error", err)
		}
		if found {
			s.applyRoute(ctx, gen, origin, route, true)
			return
		}
	}

	route, err := s.opts.Directions.FetchRoute(ctx, origin, dest, pref)
	if err != nil {
		logging.Warnw(ctx, "navigation: route fetch failed", "orderId", s.opts.OrderID, "error", err)
		s.applyRoute(ctx, gen, origin, nil, false)
		return
	}
	if !route.Found {
		logging.Infow(ctx, "navigation: no route found", "orderId", s.opts.OrderID,
			"origin", origin.String(), "destination", dest.String())
	}
	s.applyRoute(ctx, gen, origin, route, false)
}

// applyRoute replaces the active route wholesale and resets progress. Results
// of superseded fetches are dropped. A failed fetch clears the route.
func (s *Session) applyRoute(ctx context.Context, gen uint64, origin geo.Point, route *routing.Route, cached bool) {
	s.mu.Lock()
	if s.closed || gen != s.fetchGen {
		s.mu.Unlock()
		return
	}
	if !route.Usable() {
		s.route = nil
		s.showOverlayLocked()
		s.unlockAndRun()
		return
	}

	s.route = route
	s.tracking = routing.NewTrackingState(s.clock.Now())
	if !cached {
		dest, pref, ttl := s.opts.Destination, s.opts.Preference, s.cfg.RouteCacheTTL
		s.later(func() {
			if err := s.routes.SetRoute(origin, dest, pref, route, ttl); err != nil {
				logging.Warnw(ctx, "navigation: route cache write failed", "error", err)
			}
		})
	}
	update := delivery.NewRouteUpdate(s.opts.OrderID, route, s.clock.Now())
	s.later(func() {
		s.dispatch(func() {
			if err := s.opts.Emitter.EmitRoute(ctx, update); err != nil {
				logging.Warnw(ctx, "navigation: route report failed", "orderId", s.opts.OrderID, "error", err)
			}
		})
	})
	if s.mode.following() {
		s.noticeStepLocked()
	}
	s.showOverlayLocked()
	logging.Infow(ctx, "navigation: route applied", "orderId", s.opts.OrderID,
		"points", len(route.Coordinates), "steps", len(route.Steps), "distance", route.DistanceText, "cached", cached)
	s.unlockAndRun()
}

func (s *Session) noticeStepLocked() {
	s.notifyLocked(Notice{
		Kind:   NoticeStepChanged,
		Step:   s.tracking.CurrentStep,
		Banner: routing.BannerFor(s.route, s.tracking.CurrentStep),
	})
}

func (s *Session) notifyLocked(n Notice) {
	ctx := s.ctx
	s.later(func() { s.opts.Notifier.Notify(ctx, n) })
}

func (s *Session) showOverlayLocked() {
	o := Overlay{Destination: s.opts.Destination}
	if s.latest != nil {
		p := s.latest.Point
		o.Driver = &p
	}
	if s.route != nil {
		o.Route = s.route.Coordinates
	}
	ctx := s.ctx
	s.later(func() { s.camera.ShowOverlay(ctx, o) })
}

// fallbackTick re-reads and reports the position on a fixed period so the
// backend stays fresh even when the event-driven path is throttled.
func (s *Session) fallbackTick() {
	s.mu.Lock()
	if s.closed || s.mode == ModeIdle {
		s.mu.Unlock()
		return
	}
	s.fallback = s.clock.AfterFunc(s.cfg.FallbackInterval, s.fallbackTick)
	s.later(func() { s.dispatch(s.refreshPosition) })
	s.unlockAndRun()
}

// refreshPosition persists and emits the current position unconditionally.
// While simulating it reports the simulated position instead of reading the
// device.
func (s *Session) refreshPosition() {
	ctx := s.context()

	s.mu.Lock()
	var sample geo.Sample
	simulating := s.mode == ModeSimulating && s.latest != nil
	if simulating {
		sample = *s.latest
	}
	s.mu.Unlock()

	if !simulating {
		fix, err := s.opts.Location.CurrentPosition(ctx, AccuracyBalanced)
		if err != nil {
			logging.Warnw(ctx, "navigation: fallback position unavailable", "orderId", s.opts.OrderID, "error", err)
			return
		}
		sample = fix
		if sample.Timestamp.IsZero() {
			sample.Timestamp = s.clock.Now()
		}
	}

	if err := s.persist(ctx, sample.Point); err != nil {
		logging.Warnw(ctx, "navigation: fallback persist failed", "orderId", s.opts.OrderID, "error", err)
	}
	s.emitLocation(ctx, delivery.NewLocationUpdate(s.opts.OrderID, sample))

	s.mu.Lock()
	if s.closed || s.mode == ModeIdle {
		s.mu.Unlock()
		return
	}
	if s.mode != ModeSimulating {
		latest, fix := sample, sample
		s.latest = &latest
		s.realFix = &fix
	}
	p := sample.Point
	s.lastReported = &p
	s.checkArrivalLocked(p)
	s.unlockAndRun()
}

// ensureCoordinate makes sure the order has a coordinate record and caches
// its id.
func (s *Session) ensureCoordinate(ctx context.Context, p geo.Point) error {
	s.coordMu.Lock()
	defer s.coordMu.Unlock()
	_, err := s.ensureCoordinateLocked(ctx, p)
	return err
}

func (s *Session) ensureCoordinateLocked(ctx context.Context, p geo.Point) (created bool, err error) {
	if s.coordID != "" {
		return false, nil
	}
	existing, err := s.opts.Coordinates.FindByOrder(ctx, s.opts.OrderID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		s.coordID = existing.ID
		return false, nil
	}
	c, err := s.opts.Coordinates.Create(ctx, s.opts.OrderID, p)
	if err != nil {
		return false, err
	}
	s.coordID = c.ID
	logging.Infow(ctx, "navigation: created coordinate record", "orderId", s.opts.OrderID, "coordinateId", c.ID)
	return true, nil
}

func (s *Session) persist(ctx context.Context, p geo.Point) error {
	s.coordMu.Lock()
	defer s.coordMu.Unlock()

	created, err := s.ensureCoordinateLocked(ctx, p)
	if err != nil || created {
		return err
	}
	return s.opts.Coordinates.Update(ctx, s.coordID, p)
}

func (s *Session) emitLocation(ctx context.Context, update delivery.LocationUpdate) {
	if err := s.opts.Emitter.EmitLocation(ctx, update); err != nil {
		logging.Warnw(ctx, "navigation: location report failed", "orderId", s.opts.OrderID, "error", err)
	}
}

func (s *Session) updateOrderStatus(ctx context.Context, status delivery.OrderStatus) {
	err := s.opts.Orders.UpdateDeliveryInfo(ctx, s.opts.OrderID, delivery.DeliveryInfo{
		Status:               status,
		DeliveryAddress:      s.opts.DeliveryAddress,
		ExpectedDeliveryDate: s.clock.Now(),
	})
	if err != nil {
		logging.Warnw(ctx, "navigation: order status update failed", "orderId", s.opts.OrderID, "status", string(status), "error", err)
	}
}

func (s *Session) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// later queues f to run once the session lock is released.
func (s *Session) later(f func()) {
	s.effects = append(s.effects, f)
}

// unlockAndRun releases the session lock and runs the queued effects in order.
func (s *Session) unlockAndRun() {
	effects := s.effects
	s.effects = nil
	s.mu.Unlock()
	for _, f := range effects {
		f()
	}
}

func (s *Session) goSafe(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err, _ := prefaberrors.ParseStack(debug.Stack())
				logging.Errorw(s.context(), "navigation: recovered from panic",
					"error", r, "error.stack_trace", err.MinimalStack(3, 5))
			}
		}()
		f()
	}()
}

// simSink feeds simulator output into the session pipeline. Output that
// arrives after the session left simulation is dropped.
type simSink struct {
	s *Session
}

func (k simSink) OnSimulatedSample(sample geo.Sample) {
	s := k.s
	s.mu.Lock()
	if s.mode != ModeSimulating {
		s.mu.Unlock()
		return
	}
	s.processLocked(sample)
	s.unlockAndRun()
}

func (k simSink) OnNearArrival() {
	s := k.s
	s.mu.Lock()
	if s.mode != ModeSimulating {
		s.mu.Unlock()
		return
	}
	s.notifyLocked(Notice{
		Kind:    NoticeNearArrival,
		Title:   "Near Destination",
		Message: "You're approaching the destination. Delivery will be completed soon.",
	})
	s.unlockAndRun()
}

func (k simSink) OnSimulationFinished(completed bool) {
	s := k.s
	s.mu.Lock()
	if s.mode != ModeSimulating {
		s.mu.Unlock()
		return
	}
	s.stopSimulationLocked()
	if completed {
		s.arrivedLocked()
	}
	logging.Infow(s.ctx, "navigation: simulation finished", "orderId", s.opts.OrderID, "completed", completed)
	s.unlockAndRun()
}

type nopEmitter struct{}

func (nopEmitter) EmitLocation(context.Context, delivery.LocationUpdate) error { return nil }
func (nopEmitter) EmitRoute(context.Context, delivery.RouteUpdate) error       { return nil }

type nopOrders struct{}

func (nopOrders) UpdateDeliveryInfo(context.Context, string, delivery.DeliveryInfo) error {
	return nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notice) {}
