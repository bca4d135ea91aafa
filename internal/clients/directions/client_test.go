package directions

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/deliverly/navigator/internal/lib/geo"
	"github.com/deliverly/navigator/internal/lib/routing"
)

// MockHTTPDoer is a mock implementation of HTTPDoer
type MockHTTPDoer struct {
	mock.Mock
}

func (m *MockHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	resp, _ := args.Get(0).(*http.Response)
	return resp, args.Error(1)
}

func loadTestFixture(t *testing.T, filename string) string {
	data, err := os.ReadFile("testdata/" + filename)
	require.NoError(t, err, "Failed to load test fixture %s", filename)
	return string(data)
}

func createMockResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode: statusCode,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

var (
	benThanh  = geo.Point{Latitude: 10.77692, Longitude: 106.70098}
	nguyenHue = geo.Point{Latitude: 10.77958, Longitude: 106.70093}
)

func TestFetchRoute_Success(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.AnythingOfType("*http.Request")).Return(
		createMockResponse(200, loadTestFixture(t, "district1_ok.json")), nil)

	client := NewClientWithHTTPDoer("test-api-key", "https://maps.googleapis.com", mockHTTP)
	route, err := client.FetchRoute(context.Background(), benThanh, nguyenHue, routing.Fastest)
	require.NoError(t, err)
	require.True(t, route.Found)

	assert.Equal(t, "0.4 km", route.DistanceText)
	assert.Equal(t, "2 mins", route.DurationText)
	require.Len(t, route.Steps, 3)
	// 3 + 3 + 2 points, step boundaries are repeated.
	require.Len(t, route.Coordinates, 8)

	want := []geo.Point{
		{Latitude: 10.77692, Longitude: 106.70098},
		{Latitude: 10.77731, Longitude: 106.70154},
		{Latitude: 10.77802, Longitude: 106.70201},
	}
	if diff := cmp.Diff(want, route.Coordinates[:3], cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("first step geometry mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, nguyenHue.Latitude, route.Coordinates[7].Latitude, 1e-9)
	assert.InDelta(t, nguyenHue.Longitude, route.Coordinates[7].Longitude, 1e-9)

	assert.Equal(t, "Head northeast on Le Loi toward Pasteur", route.Steps[0].Instruction)
	assert.Equal(t, "", route.Steps[0].Maneuver)
	assert.Equal(t, "Turn left onto Pasteur Pass by Saigon Centre (on the right)", route.Steps[1].Instruction)
	assert.Equal(t, "turn-left", route.Steps[1].Maneuver)
	assert.Equal(t, "Turn right onto Nguyen Hue & park", route.Steps[2].Instruction)
	assert.Equal(t, "68 m", route.Steps[2].DistanceText)
	assert.Equal(t, geo.Point{Latitude: 10.77911, Longitude: 106.70049}, route.Steps[2].Start)
	assert.Equal(t, nguyenHue, route.Steps[2].End)

	mockHTTP.AssertExpectations(t)
}

func TestFetchRoute_ZeroResults(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.AnythingOfType("*http.Request")).Return(
		createMockResponse(200, loadTestFixture(t, "zero_results.json")), nil)

	client := NewClientWithHTTPDoer("test-api-key", "https://maps.googleapis.com", mockHTTP)
	route, err := client.FetchRoute(context.Background(), benThanh, nguyenHue, routing.Fastest)
	require.NoError(t, err)
	assert.False(t, route.Found)
	assert.Empty(t, route.Coordinates)
	assert.Empty(t, route.Steps)
}

func TestFetchRoute_HTTPError(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.AnythingOfType("*http.Request")).Return(
		createMockResponse(500, "backend unavailable"), nil)

	client := NewClientWithHTTPDoer("test-api-key", "https://maps.googleapis.com", mockHTTP)
	route, err := client.FetchRoute(context.Background(), benThanh, nguyenHue, routing.Fastest)
	assert.Nil(t, route)

	var fetchErr *RouteFetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, 500, fetchErr.StatusCode)
	assert.Contains(t, err.Error(), "backend unavailable")
}

func TestFetchRoute_TransportError(t *testing.T) {
	boom := errors.New("connection reset")
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.AnythingOfType("*http.Request")).Return(nil, boom)

	client := NewClientWithHTTPDoer("test-api-key", "https://maps.googleapis.com", mockHTTP)
	_, err := client.FetchRoute(context.Background(), benThanh, nguyenHue, routing.Fastest)

	var fetchErr *RouteFetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.ErrorIs(t, err, boom)
}

func TestFetchRoute_InvalidJSON(t *testing.T) {
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.AnythingOfType("*http.Request")).Return(
		createMockResponse(200, `{"routes": [`), nil)

	client := NewClientWithHTTPDoer("test-api-key", "https://maps.googleapis.com", mockHTTP)
	_, err := client.FetchRoute(context.Background(), benThanh, nguyenHue, routing.Fastest)

	var fetchErr *RouteFetchError
	assert.True(t, errors.As(err, &fetchErr))
}

func TestFetchRoute_MalformedStepPolyline(t *testing.T) {
	body := `{"status":"OK","routes":[{"legs":[{"distance":{"text":"1 km"},"duration":{"text":"3 mins"},
		"steps":[{"html_instructions":"Head north","polyline":{"points":"_p~iF~ps|U_ulLnnqC_mqNvxq` + "`" + `"}}]}]}]}`
	mockHTTP := &MockHTTPDoer{}
	mockHTTP.On("Do", mock.AnythingOfType("*http.Request")).Return(createMockResponse(200, body), nil)

	client := NewClientWithHTTPDoer("test-api-key", "https://maps.googleapis.com", mockHTTP)
	route, err := client.FetchRoute(context.Background(), benThanh, nguyenHue, routing.Fastest)
	require.NoError(t, err)
	assert.False(t, route.Found)
}

func TestFetchRoute_QueryParameters(t *testing.T) {
	tests := []struct {
		pref     routing.Preference
		optimize string
		avoid    string
	}{
		{routing.Fastest, "", ""},
		{routing.Shortest, "true", ""},
		{routing.AvoidHighways, "", "highways"},
		{routing.AvoidTolls, "", "tolls"},
	}

	for _, tt := range tests {
		t.Run(tt.pref.String(), func(t *testing.T) {
			mockHTTP := &MockHTTPDoer{}
			mockHTTP.On("Do", mock.MatchedBy(func(req *http.Request) bool {
				q := req.URL.Query()
				return req.Method == http.MethodGet &&
					req.URL.Path == "/maps/api/directions/json" &&
					q.Get("origin") == "10.77692,106.70098" &&
					q.Get("destination") == "10.77958,106.70093" &&
					q.Get("mode") == "driving" &&
					q.Get("key") == "test-api-key" &&
					q.Get("optimize") == tt.optimize &&
					q.Get("avoid") == tt.avoid
			})).Return(createMockResponse(200, loadTestFixture(t, "zero_results.json")), nil)

			client := NewClientWithHTTPDoer("test-api-key", "https://maps.googleapis.com/", mockHTTP)
			_, err := client.FetchRoute(context.Background(), benThanh, nguyenHue, tt.pref)
			require.NoError(t, err)
			mockHTTP.AssertExpectations(t)
		})
	}
}

func TestStripHTML(t *testing.T) {
	tests := map[string]string{
		"Head <b>north</b>":                          "Head north",
		"Turn <b>left</b><div>Toll road</div>":       "Turn left Toll road",
		"Keep &amp; merge":                           "Keep & merge",
		"plain":                                      "plain",
		"":                                           "",
		"<wbr/>Continue onto <b>QL1A</b><br>Tolls": "Continue onto QL1A Tolls",
	}
	for in, want := range tests {
		assert.Equal(t, want, StripHTML(in), "input %q", in)
	}
}
