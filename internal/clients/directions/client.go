package directions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dpup/prefab/logging"
	"golang.org/x/net/html"
	"golang.org/x/sync/singleflight"

	"github.com/deliverly/navigator/internal/lib/geo"
	"github.com/deliverly/navigator/internal/lib/routing"
)

// HTTPDoer is the subset of *http.Client the client needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RouteFetchError reports a failure to talk to the directions provider.
// Provider answers such as ZERO_RESULTS are not errors; they come back as a
// route with Found set to false.
type RouteFetchError struct {
	StatusCode int
	Err        error
}

func (e *RouteFetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("directions request failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("directions request failed: %v", e.Err)
}

func (e *RouteFetchError) Unwrap() error { return e.Err }

// Client fetches driving routes from the Google Directions API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient HTTPDoer
	group      singleflight.Group
}

// NewClient creates a new Directions API client. No request timeout is set;
// callers bound the fetch with their context.
func NewClient(apiKey string) *Client {
	return NewClientWithHTTPDoer(apiKey, "https://maps.googleapis.com", &http.Client{})
}

// NewClientWithHTTPDoer creates a client against baseURL using doer for transport.
func NewClientWithHTTPDoer(apiKey, baseURL string, doer HTTPDoer) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: doer,
	}
}

// FetchRoute requests a driving route between origin and destination.
// Identical concurrent requests share one upstream call.
func (c *Client) FetchRoute(ctx context.Context, origin, destination geo.Point, pref routing.Preference) (*routing.Route, error) {
	ctx = logging.EnsureLogger(ctx)
	key := origin.String() + "|" + destination.String() + "|" + pref.String()
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.fetch(ctx, origin, destination, pref)
	})
	if err != nil {
		return nil, err
	}
	return v.(*routing.Route), nil
}

func (c *Client) fetch(ctx context.Context, origin, destination geo.Point, pref routing.Preference) (*routing.Route, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(origin, destination, pref), nil)
	if err != nil {
		return nil, &RouteFetchError{Err: fmt.Errorf("failed to create request: %w", err)}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RouteFetchError{Err: fmt.Errorf("failed to execute request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &RouteFetchError{StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(body)))}
	}

	var response directionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, &RouteFetchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if response.Status != "OK" || len(response.Routes) == 0 {
		logging.Infow(ctx, "directions: no route", "status", response.Status, "origin", origin.String(), "destination", destination.String())
		return routing.NoRoute(), nil
	}

	route, err := convertRoute(response.Routes[0])
	if err != nil {
		var malformed *geo.MalformedPolylineError
		if errors.As(err, &malformed) {
			logging.Warnw(ctx, "directions: discarding route with malformed polyline", "error", err)
			return routing.NoRoute(), nil
		}
		return nil, &RouteFetchError{StatusCode: resp.StatusCode, Err: err}
	}
	return route, nil
}

func (c *Client) requestURL(origin, destination geo.Point, pref routing.Preference) string {
	q := url.Values{}
	q.Set("origin", fmt.Sprintf("%v,%v", origin.Latitude, origin.Longitude))
	q.Set("destination", fmt.Sprintf("%v,%v", destination.Latitude, destination.Longitude))
	q.Set("mode", "driving")
	switch pref {
	case routing.Shortest:
		q.Set("optimize", "true")
	case routing.AvoidHighways:
		q.Set("avoid", "highways")
	case routing.AvoidTolls:
		q.Set("avoid", "tolls")
	}
	q.Set("key", c.apiKey)
	return c.baseURL + "/maps/api/directions/json?" + q.Encode()
}

// convertRoute flattens the first leg of a provider route. The full geometry
// is the concatenation of every step polyline in order.
func convertRoute(r directionsRoute) (*routing.Route, error) {
	if len(r.Legs) == 0 {
		return routing.NoRoute(), nil
	}
	leg := r.Legs[0]

	route := &routing.Route{
		DistanceText: leg.Distance.Text,
		DurationText: leg.Duration.Text,
		Coordinates:  []geo.Point{},
		Steps:        make([]routing.Step, 0, len(leg.Steps)),
	}
	for _, s := range leg.Steps {
		points, err := geo.DecodePolyline(s.Polyline.Points)
		if err != nil {
			return nil, err
		}
		route.Coordinates = append(route.Coordinates, points...)
		route.Steps = append(route.Steps, routing.Step{
			Instruction:  StripHTML(s.HTMLInstructions),
			Maneuver:     s.Maneuver,
			DistanceText: s.Distance.Text,
			DurationText: s.Duration.Text,
			Start:        s.StartLocation.point(),
			End:          s.EndLocation.point(),
		})
	}
	if len(route.Coordinates) == 0 {
		return routing.NoRoute(), nil
	}
	route.Found = true
	return route, nil
}

// StripHTML returns the visible text of an instruction fragment with entities
// unescaped and whitespace collapsed. Block tags become word breaks.
func StripHTML(fragment string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "div", "br", "p":
				b.WriteByte(' ')
			}
		}
	}
}

type directionsResponse struct {
	Status       string            `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Routes       []directionsRoute `json:"routes"`
}

type directionsRoute struct {
	Summary string          `json:"summary"`
	Legs    []directionsLeg `json:"legs"`
}

type directionsLeg struct {
	Distance textValue        `json:"distance"`
	Duration textValue        `json:"duration"`
	Steps    []directionsStep `json:"steps"`
}

type directionsStep struct {
	HTMLInstructions string    `json:"html_instructions"`
	Maneuver         string    `json:"maneuver"`
	Distance         textValue `json:"distance"`
	Duration         textValue `json:"duration"`
	StartLocation    latLng    `json:"start_location"`
	EndLocation      latLng    `json:"end_location"`
	Polyline         struct {
		Points string `json:"points"`
	} `json:"polyline"`
}

type textValue struct {
	Text  string `json:"text"`
	Value int    `json:"value"`
}

type latLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (l latLng) point() geo.Point { return geo.Point{Latitude: l.Lat, Longitude: l.Lng} }
