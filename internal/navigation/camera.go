package navigation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/deliverly/navigator/internal/lib/geo"
	"github.com/deliverly/navigator/internal/timeutil"
)

// Camera is a map camera position.
type Camera struct {
	Center   geo.Point
	Zoom     float64
	Heading  float64
	Pitch    float64
	Altitude float64
}

// EdgePadding is the screen inset used when fitting coordinates.
type EdgePadding struct {
	Top, Right, Bottom, Left int
}

// Overlay is everything the map draws for the session.
type Overlay struct {
	Driver      *geo.Point
	Destination geo.Point
	Route       []geo.Point
}

// MapSurface is the map view. Commands should return promptly; animations
// run on the surface's own schedule.
type MapSurface interface {
	SetCamera(ctx context.Context, c Camera) error
	AnimateCamera(ctx context.Context, c Camera, duration time.Duration) error
	GetCamera(ctx context.Context) (Camera, error)
	FitToCoordinates(ctx context.Context, points []geo.Point, padding EdgePadding, animated bool) error
	SetOverlay(ctx context.Context, o Overlay) error
}

// CameraCommandError wraps a command rejected by the map surface.
type CameraCommandError struct {
	Op  string
	Err error
}

func (e *CameraCommandError) Error() string {
	return fmt.Sprintf("camera %s: %v", e.Op, e.Err)
}

func (e *CameraCommandError) Unwrap() error { return e.Err }

// CameraConfig holds the follow camera and fit settings.
type CameraConfig struct {
	FollowZoom      float64       `koanf:"follow_zoom"`
	FollowPitch     float64       `koanf:"follow_pitch"`
	FollowAltitude  float64       `koanf:"follow_altitude"`
	FollowAnimation time.Duration `koanf:"follow_animation"`
	SettleDelay     time.Duration `koanf:"settle_delay"`
	FitPadding      EdgePadding   `koanf:"fit_padding"`
}

// DefaultCameraConfig returns the driving camera.
func DefaultCameraConfig() CameraConfig {
	return CameraConfig{
		FollowZoom:      18.5,
		FollowPitch:     45,
		FollowAltitude:  500,
		FollowAnimation: 500 * time.Millisecond,
		SettleDelay:     100 * time.Millisecond,
		FitPadding:      EdgePadding{Top: 175, Right: 150, Bottom: 175, Left: 150},
	}
}

// CameraController is the only writer of map camera state. Follow and fit
// commands always win over prefetch snapshots: a snapshot is only restored
// if no other command was issued while it was showing.
type CameraController struct {
	surface MapSurface
	clock   timeutil.Clock
	cfg     CameraConfig

	mu      sync.Mutex
	seq     uint64 // bumped by every follow, snap or fit
	saved   *Camera
	savedAt uint64
	restore timeutil.Timer
	settle  timeutil.Timer
	errors  int
}

// NewCameraController creates a controller for surface.
func NewCameraController(surface MapSurface, clock timeutil.Clock, cfg CameraConfig) *CameraController {
	return &CameraController{surface: surface, clock: clock, cfg: cfg}
}

// FollowCamera returns the driving camera for a position and heading.
func (c *CameraController) FollowCamera(pos geo.Point, heading float64) Camera {
	return Camera{
		Center:   pos,
		Zoom:     c.cfg.FollowZoom,
		Heading:  heading,
		Pitch:    c.cfg.FollowPitch,
		Altitude: c.cfg.FollowAltitude,
	}
}

// SnapTo moves the camera without animation.
func (c *CameraController) SnapTo(ctx context.Context, cam Camera) {
	c.bump()
	c.check(ctx, "snap", c.surface.SetCamera(ctx, cam))
}

// AnimateTo animates the camera over d.
func (c *CameraController) AnimateTo(ctx context.Context, cam Camera, d time.Duration) {
	c.bump()
	c.check(ctx, "animate", c.surface.AnimateCamera(ctx, cam, d))
}

// Follow animates the driving camera to pos.
func (c *CameraController) Follow(ctx context.Context, pos geo.Point, heading float64) {
	c.AnimateTo(ctx, c.FollowCamera(pos, heading), c.cfg.FollowAnimation)
}

// SnapFollow snaps to the driving camera, then animates to it once the
// surface has settled.
func (c *CameraController) SnapFollow(ctx context.Context, pos geo.Point, heading float64) {
	cam := c.FollowCamera(pos, heading)
	c.SnapTo(ctx, cam)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settle != nil {
		c.settle.Stop()
	}
	seq := c.seq
	c.settle = c.clock.AfterFunc(c.cfg.SettleDelay, func() {
		c.mu.Lock()
		stale := c.seq != seq
		c.settle = nil
		c.mu.Unlock()
		if !stale {
			c.AnimateTo(ctx, cam, c.cfg.FollowAnimation)
		}
	})
}

// FitTo shows all points.
func (c *CameraController) FitTo(ctx context.Context, points []geo.Point) {
	c.bump()
	c.check(ctx, "fit", c.surface.FitToCoordinates(ctx, points, c.cfg.FitPadding, true))
}

// ShowOverlay replaces the session overlay.
func (c *CameraController) ShowOverlay(ctx context.Context, o Overlay) {
	c.check(ctx, "overlay", c.surface.SetOverlay(ctx, o))
}

// PrefetchSnapshot briefly shows center at zoom so its tiles load, then
// restores the camera after restoreAfter. Overlapping snapshots share one
// restore to the camera seen before the first of them.
func (c *CameraController) PrefetchSnapshot(ctx context.Context, center geo.Point, zoom float64, restoreAfter time.Duration) {
	c.mu.Lock()
	if c.saved == nil || c.savedAt != c.seq {
		c.mu.Unlock()
		cur, err := c.surface.GetCamera(ctx)
		if err != nil {
			c.check(ctx, "read", err)
			return
		}
		c.mu.Lock()
		c.saved = &cur
		c.savedAt = c.seq
	}
	if c.restore != nil {
		c.restore.Stop()
	}
	c.restore = c.clock.AfterFunc(restoreAfter, func() { c.restoreSnapshot(ctx) })
	c.mu.Unlock()

	c.check(ctx, "prefetch", c.surface.SetCamera(ctx, Camera{Center: center, Zoom: zoom}))
}

func (c *CameraController) restoreSnapshot(ctx context.Context) {
	c.mu.Lock()
	saved, valid := c.saved, c.saved != nil && c.savedAt == c.seq
	c.saved = nil
	c.restore = nil
	c.mu.Unlock()

	if valid {
		c.check(ctx, "restore", c.surface.SetCamera(ctx, *saved))
	}
}

// Errors returns the number of commands the surface rejected.
func (c *CameraController) Errors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Close cancels pending restores and settle animations.
func (c *CameraController) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.restore != nil {
		c.restore.Stop()
		c.restore = nil
	}
	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
	c.saved = nil
}

func (c *CameraController) bump() {
	c.mu.Lock()
	c.seq++
	c.mu.Unlock()
}

func (c *CameraController) check(ctx context.Context, op string, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
	logging.Warnw(logging.EnsureLogger(ctx), "camera: command rejected", "error", &CameraCommandError{Op: op, Err: err})
}
