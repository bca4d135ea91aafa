package routing

import (
	"github.com/deliverly/navigator/internal/lib/geo"
)

// OffRouteResult describes how far a position is from the active route.
type OffRouteResult struct {
	IsOffRoute      bool
	NearestIndex    int
	NearestDistance float64
}

// CheckOffRoute scans every route coordinate for the one nearest to position
// and flags the position as off-route when that distance exceeds threshold.
//
// Routes are single delivery legs, so a linear scan over the decoded points is
// sufficient. Callers rate-limit invocations. A route without coordinates is
// never considered off-route.
func CheckOffRoute(position geo.Point, route *Route, threshold float64) OffRouteResult {
	if route == nil || len(route.Coordinates) == 0 {
		return OffRouteResult{NearestIndex: -1}
	}

	idx, dist := geo.Nearest(position, route.Coordinates)
	return OffRouteResult{
		IsOffRoute:      dist > threshold,
		NearestIndex:    idx,
		NearestDistance: dist,
	}
}
