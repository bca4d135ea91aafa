package routing

import (
	"fmt"

	"github.com/deliverly/navigator/internal/lib/geo"
)

// Preference selects how the directions provider should optimise a route.
type Preference int

const (
	Fastest Preference = iota
	Shortest
	AvoidHighways
	AvoidTolls
)

var preferenceNames = map[Preference]string{
	Fastest:       "fastest",
	Shortest:      "shortest",
	AvoidHighways: "no-highways",
	AvoidTolls:    "no-tolls",
}

func (p Preference) String() string {
	if name, ok := preferenceNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Preference(%d)", int(p))
}

// ParsePreference accepts the names used by the driver app route picker.
func ParsePreference(s string) (Preference, error) {
	for p, name := range preferenceNames {
		if name == s {
			return p, nil
		}
	}
	switch s {
	case "", "default":
		return Fastest, nil
	case "avoid-highways":
		return AvoidHighways, nil
	case "avoid-tolls":
		return AvoidTolls, nil
	}
	return Fastest, fmt.Errorf("unknown route preference %q", s)
}

// Step is one turn-by-turn instruction of a route.
type Step struct {
	Instruction  string    `json:"instruction"`
	Maneuver     string    `json:"maneuver"`
	DistanceText string    `json:"distance"`
	DurationText string    `json:"duration"`
	Start        geo.Point `json:"start_location"`
	End          geo.Point `json:"end_location"`
}

// Route is a decoded driving route. Routes are replaced wholesale, never
// mutated. When Found is true Coordinates is non-empty and Steps are ordered
// from origin to destination.
type Route struct {
	Coordinates  []geo.Point `json:"coordinates"`
	Steps        []Step      `json:"steps"`
	DistanceText string      `json:"distance"`
	DurationText string      `json:"duration"`
	Found        bool        `json:"found"`
}

// NoRoute is the empty result returned when the provider has nothing for a request.
func NoRoute() *Route {
	return &Route{}
}

// Usable reports whether the route can drive navigation features.
func (r *Route) Usable() bool {
	return r != nil && r.Found && len(r.Coordinates) > 0
}

// LastStep returns the index of the terminal step, or -1 without steps.
func (r *Route) LastStep() int {
	if r == nil {
		return -1
	}
	return len(r.Steps) - 1
}
