package routing

import (
	"time"

	"github.com/deliverly/navigator/internal/lib/geo"
)

// TrackingState is the navigation progress along one route.
type TrackingState struct {
	CurrentStep    int
	IsOffRoute     bool
	LastStepChange time.Time
	LastRouteCheck time.Time
}

// NewTrackingState returns the state for a freshly applied route.
func NewTrackingState(now time.Time) TrackingState {
	return TrackingState{LastStepChange: now, LastRouteCheck: now}
}

// AdvanceIfStepComplete moves to the next step once position is within radius
// of the current step's end location.
//
// minInterval debounces the transition so a driver lingering near a step
// boundary does not skip instructions. The step index never decreases and
// never moves past the last step; ending navigation is an external decision.
func AdvanceIfStepComplete(position geo.Point, route *Route, state TrackingState, radius float64, minInterval time.Duration, now time.Time) TrackingState {
	if route == nil || len(route.Steps) == 0 {
		return state
	}
	if state.CurrentStep < 0 || state.CurrentStep >= len(route.Steps)-1 {
		return state
	}
	if now.Sub(state.LastStepChange) < minInterval {
		return state
	}

	end := route.Steps[state.CurrentStep].End
	if geo.Distance(position, end) > radius {
		return state
	}

	state.CurrentStep++
	state.LastStepChange = now
	return state
}
