package export

import (
	"bytes"
	"errors"
	"fmt"

	kml "github.com/twpayne/go-kml"

	"github.com/deliverly/navigator/internal/lib/geo"
	"github.com/deliverly/navigator/internal/lib/routing"
)

// ErrNoGeometry is returned when exporting a route without coordinates.
var ErrNoGeometry = errors.New("route has no geometry")

// RouteKML renders a route as a KML document: the route line, one placemark
// per step start, and the driver and destination positions.
func RouteKML(name string, route *routing.Route, driver, destination geo.Point) ([]byte, error) {
	if !route.Usable() {
		return nil, ErrNoGeometry
	}

	line := make([]kml.Coordinate, len(route.Coordinates))
	for i, p := range route.Coordinates {
		line[i] = coordinate(p)
	}

	children := []kml.Element{
		kml.Name(name),
		kml.Description(fmt.Sprintf("%s, %s", route.DistanceText, route.DurationText)),
		kml.Placemark(
			kml.Name("Route"),
			kml.LineString(
				kml.Tessellate(true),
				kml.Coordinates(line...),
			),
		),
	}
	for i, step := range route.Steps {
		children = append(children, kml.Placemark(
			kml.Name(fmt.Sprintf("%d. %s", i+1, step.Instruction)),
			kml.Description(step.DistanceText),
			kml.Point(kml.Coordinates(coordinate(step.Start))),
		))
	}
	children = append(children,
		kml.Placemark(kml.Name("Driver"), kml.Point(kml.Coordinates(coordinate(driver)))),
		kml.Placemark(kml.Name("Destination"), kml.Point(kml.Coordinates(coordinate(destination)))),
	)

	var buf bytes.Buffer
	if err := kml.KML(kml.Document(children...)).WriteIndent(&buf, "", "  "); err != nil {
		return nil, fmt.Errorf("failed to write kml: %w", err)
	}
	return buf.Bytes(), nil
}

func coordinate(p geo.Point) kml.Coordinate {
	return kml.Coordinate{Lon: p.Longitude, Lat: p.Latitude}
}
