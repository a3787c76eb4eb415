// Package geometry handles parcel boundaries, stored as GeoJSON polygons.
package geometry

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

const earthRadiusM = 6371008.8

// ParsePolygon decodes and validates a GeoJSON polygon. The exterior ring
// must be closed and have at least four positions.
func ParsePolygon(raw string) (*geom.Polygon, error) {
	var g geom.T
	if err := geojson.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("decode geojson: %w", err)
	}

	polygon, ok := g.(*geom.Polygon)
	if !ok {
		return nil, fmt.Errorf("geometry is %T, want polygon", g)
	}
	if polygon.NumLinearRings() == 0 {
		return nil, fmt.Errorf("polygon has no rings")
	}

	ring := polygon.LinearRing(0)
	coords := ring.Coords()
	if len(coords) < 4 {
		return nil, fmt.Errorf("exterior ring has %d positions, want at least 4", len(coords))
	}
	first, last := coords[0], coords[len(coords)-1]
	if first[0] != last[0] || first[1] != last[1] {
		return nil, fmt.Errorf("exterior ring is not closed")
	}

	return polygon, nil
}

// Validate checks that raw is a well-formed GeoJSON polygon.
func Validate(raw string) error {
	_, err := ParsePolygon(raw)
	return err
}

// MarshalGeoJSON re-encodes a polygon as a GeoJSON geometry object, the form
// the statistics provider expects in request bounds.
func MarshalGeoJSON(polygon *geom.Polygon) (json.RawMessage, error) {
	b, err := geojson.Marshal(polygon)
	if err != nil {
		return nil, fmt.Errorf("encode geojson: %w", err)
	}
	return json.RawMessage(b), nil
}

// AreaHectares computes the spherical area of the polygon's exterior ring in
// hectares. Coordinates are (lon, lat) in degrees (WGS84).
func AreaHectares(polygon *geom.Polygon) float64 {
	coords := polygon.LinearRing(0).Coords()
	if len(coords) < 4 {
		return 0
	}

	// Spherical excess via the shoelace formula on longitudes against the
	// sine of latitudes.
	var sum float64
	for i := 0; i < len(coords)-1; i++ {
		lon1 := coords[i][0] * math.Pi / 180
		lat1 := coords[i][1] * math.Pi / 180
		lon2 := coords[i+1][0] * math.Pi / 180
		lat2 := coords[i+1][1] * math.Pi / 180
		sum += (lon2 - lon1) * (2 + math.Sin(lat1) + math.Sin(lat2))
	}

	areaM2 := math.Abs(sum) * earthRadiusM * earthRadiusM / 2
	return areaM2 / 10000
}
