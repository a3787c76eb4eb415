package geometry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPolygon = `{"type":"Polygon","coordinates":[[[145.0,-36.8],[145.01,-36.8],[145.01,-36.79],[145.0,-36.79],[145.0,-36.8]]]}`

func TestParsePolygon(t *testing.T) {
	polygon, err := ParsePolygon(validPolygon)
	require.NoError(t, err)
	require.NotNil(t, polygon)
	assert.Equal(t, 1, polygon.NumLinearRings())
	assert.Len(t, polygon.LinearRing(0).Coords(), 5)
}

func TestParsePolygon_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "not json"},
		{"wrong geometry type", `{"type":"Point","coordinates":[145.0,-36.8]}`},
		{"open ring", `{"type":"Polygon","coordinates":[[[145.0,-36.8],[145.01,-36.8],[145.01,-36.79],[145.0,-36.79]]]}`},
		{"too few positions", `{"type":"Polygon","coordinates":[[[145.0,-36.8],[145.01,-36.8],[145.0,-36.8]]]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolygon(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(validPolygon))
	assert.Error(t, Validate(`{"type":"Polygon","coordinates":[]}`))
}

func TestMarshalGeoJSON_RoundTrip(t *testing.T) {
	polygon, err := ParsePolygon(validPolygon)
	require.NoError(t, err)

	raw, err := MarshalGeoJSON(polygon)
	require.NoError(t, err)

	var decoded struct {
		Type        string         `json:"type"`
		Coordinates [][][2]float64 `json:"coordinates"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "Polygon", decoded.Type)
	require.Len(t, decoded.Coordinates, 1)
	assert.Len(t, decoded.Coordinates[0], 5)
}

func TestAreaHectares(t *testing.T) {
	polygon, err := ParsePolygon(validPolygon)
	require.NoError(t, err)

	// A 0.01 by 0.01 degree square at 36.8 degrees south is roughly
	// 890m x 1112m, just under 100 hectares.
	area := AreaHectares(polygon)
	assert.InDelta(t, 99.0, area, 5.0)
}
