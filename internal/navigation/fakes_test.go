package navigation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/deliverly/navigator/internal/lib/delivery"
	"github.com/deliverly/navigator/internal/lib/geo"
	"github.com/deliverly/navigator/internal/lib/routing"
)

type fakeSubscription struct {
	remove func()
}

func (f *fakeSubscription) Remove() { f.remove() }

type fakeLocation struct {
	mu       sync.Mutex
	granted  bool
	fix      geo.Sample
	fixErr   error
	nextID   int
	watchers map[int]func(geo.Sample)
	headings map[int]func(float64)
	reads    []Accuracy
}

func newFakeLocation(fix geo.Point) *fakeLocation {
	return &fakeLocation{
		granted:  true,
		fix:      geo.Sample{Point: fix},
		watchers: make(map[int]func(geo.Sample)),
		headings: make(map[int]func(float64)),
	}
}

func (f *fakeLocation) RequestPermission(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.granted, nil
}

func (f *fakeLocation) CurrentPosition(ctx context.Context, accuracy Accuracy) (geo.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, accuracy)
	return f.fix, f.fixErr
}

func (f *fakeLocation) WatchPosition(ctx context.Context, opts WatchOptions, fn func(geo.Sample)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.watchers[id] = fn
	return &fakeSubscription{remove: func() {
		f.mu.Lock()
		delete(f.watchers, id)
		f.mu.Unlock()
	}}, nil
}

func (f *fakeLocation) WatchHeading(ctx context.Context, fn func(float64)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.headings[id] = fn
	return &fakeSubscription{remove: func() {
		f.mu.Lock()
		delete(f.headings, id)
		f.mu.Unlock()
	}}, nil
}

// Move sets the device fix and delivers it to every active watcher.
func (f *fakeLocation) Move(p geo.Point) {
	f.mu.Lock()
	f.fix = geo.Sample{Point: p}
	fns := make([]func(geo.Sample), 0, len(f.watchers))
	for _, fn := range f.watchers {
		fns = append(fns, fn)
	}
	sample := f.fix
	f.mu.Unlock()

	for _, fn := range fns {
		fn(sample)
	}
}

func (f *fakeLocation) Watchers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

func (f *fakeLocation) HeadingWatchers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.headings)
}

type fakeFetcher struct {
	mu      sync.Mutex
	routes  []*routing.Route
	err     error
	origins []geo.Point
}

func (f *fakeFetcher) FetchRoute(ctx context.Context, origin, destination geo.Point, pref routing.Preference) (*routing.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.origins = append(f.origins, origin)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.routes) == 0 {
		return routing.NoRoute(), nil
	}
	r := f.routes[0]
	if len(f.routes) > 1 {
		f.routes = f.routes[1:]
	}
	return r, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.origins)
}

type fakeEmitter struct {
	mu        sync.Mutex
	locations []delivery.LocationUpdate
	routes    []delivery.RouteUpdate
}

func (f *fakeEmitter) EmitLocation(ctx context.Context, u delivery.LocationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations = append(f.locations, u)
	return nil
}

func (f *fakeEmitter) EmitRoute(ctx context.Context, u delivery.RouteUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, u)
	return nil
}

func (f *fakeEmitter) Locations() []delivery.LocationUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery.LocationUpdate(nil), f.locations...)
}

func (f *fakeEmitter) Routes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.routes)
}

type fitCall struct {
	Points   []geo.Point
	Padding  EdgePadding
	Animated bool
}

type fakeSurface struct {
	mu       sync.Mutex
	camera   Camera
	sets     []Camera
	animates []Camera
	fits     []fitCall
	overlays []Overlay
	reject   bool
}

var errSurface = errors.New("surface detached")

func (f *fakeSurface) SetCamera(ctx context.Context, c Camera) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return errSurface
	}
	f.camera = c
	f.sets = append(f.sets, c)
	return nil
}

func (f *fakeSurface) AnimateCamera(ctx context.Context, c Camera, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return errSurface
	}
	f.camera = c
	f.animates = append(f.animates, c)
	return nil
}

func (f *fakeSurface) GetCamera(ctx context.Context) (Camera, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return Camera{}, errSurface
	}
	return f.camera, nil
}

func (f *fakeSurface) FitToCoordinates(ctx context.Context, points []geo.Point, padding EdgePadding, animated bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return errSurface
	}
	f.fits = append(f.fits, fitCall{Points: points, Padding: padding, Animated: animated})
	return nil
}

func (f *fakeSurface) SetOverlay(ctx context.Context, o Overlay) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overlays = append(f.overlays, o)
	return nil
}

func (f *fakeSurface) Camera() Camera {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.camera
}

func (f *fakeSurface) Sets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sets)
}

func (f *fakeSurface) Fits() []fitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fitCall(nil), f.fits...)
}

func (f *fakeSurface) LastOverlay() Overlay {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.overlays) == 0 {
		return Overlay{}
	}
	return f.overlays[len(f.overlays)-1]
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (f *fakeNotifier) Notify(ctx context.Context, n Notice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
}

func (f *fakeNotifier) Of(kind NoticeKind) []Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Notice
	for _, n := range f.notices {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func (f *fakeNotifier) Steps() []int {
	var steps []int
	for _, n := range f.Of(NoticeStepChanged) {
		steps = append(steps, n.Step)
	}
	return steps
}

func (f *fakeSurface) Animated() []Camera {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Camera(nil), f.animates...)
}
