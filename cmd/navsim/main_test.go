package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliverly/navigator/internal/lib/geo"
)

func TestParsePoint(t *testing.T) {
	tests := []struct {
		in      string
		want    geo.Point
		wantErr bool
	}{
		{in: "10.77,106.70", want: geo.Point{Latitude: 10.77, Longitude: 106.70}},
		{in: " 10.77 , 106.70 ", want: geo.Point{Latitude: 10.77, Longitude: 106.70}},
		{in: "10.77", wantErr: true},
		{in: "abc,106.70", wantErr: true},
		{in: "10.77,xyz", wantErr: true},
		{in: "91,0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parsePoint(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFixedRoute(t *testing.T) {
	encoded := geo.EncodePolyline([]geo.Point{
		{Latitude: 10.77, Longitude: 106.70},
		{Latitude: 10.78, Longitude: 106.70},
	})

	route, err := fixedRoute(encoded)
	require.NoError(t, err)
	require.True(t, route.Usable())
	require.Len(t, route.Steps, 1)

	assert.Equal(t, route.Coordinates[0], route.Steps[0].Start)
	assert.Equal(t, route.Coordinates[1], route.Steps[0].End)
	assert.Equal(t, "1.1 km", route.DistanceText)
	assert.Equal(t, "3 mins", route.DurationText)
}

func TestFixedRoute_SinglePointHasNoRoute(t *testing.T) {
	route, err := fixedRoute(geo.EncodePolyline([]geo.Point{{Latitude: 10.77, Longitude: 106.70}}))
	require.NoError(t, err)
	assert.False(t, route.Found)
}

func TestFixedRoute_Malformed(t *testing.T) {
	_, err := fixedRoute("_p~iF~ps|U_")
	assert.Error(t, err)
}

func TestFormatMeters(t *testing.T) {
	assert.Equal(t, "950 m", formatMeters(950))
	assert.Equal(t, "2.5 km", formatMeters(2500))
}
