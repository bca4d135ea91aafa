package routing

import (
	"strings"
)

// Banner is the pair of instructions shown while navigating.
type Banner struct {
	Current *Step `json:"current"`
	Next    *Step `json:"next,omitempty"`
}

// BannerFor returns the current and next instruction for a step index.
func BannerFor(route *Route, step int) Banner {
	if route == nil || step < 0 || step >= len(route.Steps) {
		return Banner{}
	}
	b := Banner{Current: &route.Steps[step]}
	if step+1 < len(route.Steps) {
		b.Next = &route.Steps[step+1]
	}
	return b
}

// ManeuverIcon maps a provider maneuver to an icon name.
func ManeuverIcon(maneuver string) string {
	switch maneuver {
	case "turn-right":
		return "arrow-forward"
	case "turn-left":
		return "arrow-back"
	case "roundabout-right", "roundabout-left":
		return "refresh-circle"
	case "merge":
		return "git-merge-outline"
	case "straight":
		return "arrow-up"
	case "ramp-right", "ramp-left":
		return "arrow-undo"
	default:
		return "navigate"
	}
}

// compass directions are matched longest first so "northeast" is not read as "north".
var compass = []struct{ word, text string }{
	{"northeast", "Head northeast"},
	{"northwest", "Head northwest"},
	{"southeast", "Head southeast"},
	{"southwest", "Head southwest"},
	{"north", "Head north"},
	{"south", "Head south"},
	{"east", "Head east"},
	{"west", "Head west"},
}

// DirectionText builds a short banner phrase such as "Turn left Nguyen"
// from a plain-text instruction and its maneuver.
func DirectionText(instruction, maneuver string) string {
	direction := "Go straight"
	switch {
	case maneuver == "turn-right":
		direction = "Turn right"
	case maneuver == "turn-left":
		direction = "Turn left"
	case maneuver == "straight":
	case strings.Contains(maneuver, "roundabout"):
		direction = "Enter the roundabout"
	case maneuver == "merge":
		direction = "Merge"
	default:
		lower := strings.ToLower(instruction)
		for _, c := range compass {
			if strings.Contains(lower, c.word) {
				direction = c.text
				break
			}
		}
	}

	if street := streetName(instruction); street != "" {
		return direction + " " + street
	}
	return direction
}

func streetName(instruction string) string {
	for _, sep := range []string{" onto ", " on "} {
		if _, after, ok := strings.Cut(instruction, sep); ok {
			if fields := strings.Fields(after); len(fields) > 0 {
				return fields[0]
			}
		}
	}
	return ""
}
