package cache

import (
	"fmt"
	"time"

	"github.com/deliverly/navigator/internal/lib/geo"
	"github.com/deliverly/navigator/internal/lib/routing"
)

// RouteKey identifies a route request. Endpoints are rounded to 4 decimals
// so fixes a few meters apart share an entry.
func RouteKey(origin, destination geo.Point, pref routing.Preference) string {
	return fmt.Sprintf("route:%.4f,%.4f:%.4f,%.4f:%s",
		origin.Latitude, origin.Longitude, destination.Latitude, destination.Longitude, pref)
}

// SetRoute caches a found route.
func (c *Cache) SetRoute(origin, destination geo.Point, pref routing.Preference, route *routing.Route, ttl time.Duration) error {
	if !route.Usable() {
		return nil
	}
	return c.Set(RouteKey(origin, destination, pref), route, ttl, "directions")
}

// GetRoute returns a fresh cached route for the request, if any.
func (c *Cache) GetRoute(origin, destination geo.Point, pref routing.Preference) (*routing.Route, bool, error) {
	var route routing.Route
	found, err := c.Get(RouteKey(origin, destination, pref), &route)
	if err != nil || !found {
		return nil, false, err
	}
	return &route, true, nil
}
