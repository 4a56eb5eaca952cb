package static

import (
	"fmt"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mini-rodalies-3d/tracker/internal/geometry"
	"github.com/mini-rodalies-3d/tracker/internal/network"
)

// LoadStations reads a station FeatureCollection from disk.
func LoadStations(path string) ([]network.Station, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stations: %w", err)
	}
	return DecodeStations(data)
}

// DecodeStations parses Point features with "id", "name" and "lines"
// properties. Features without a usable point or id are skipped.
func DecodeStations(data []byte) ([]network.Station, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stations: %w", err)
	}

	stations := make([]network.Station, 0, len(fc.Features))
	for _, f := range fc.Features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok || !geometry.ValidCoordinate(pt.Lat(), pt.Lon()) {
			continue
		}
		id := f.Properties.MustString("id", featureID(f))
		if id == "" {
			continue
		}
		stations = append(stations, network.Station{
			ID:    id,
			Name:  f.Properties.MustString("name", ""),
			Point: pt,
			Lines: stringList(f.Properties["lines"]),
		})
	}
	return stations, nil
}

// LoadLines reads a line geometry FeatureCollection from disk.
func LoadLines(path string) ([]*geometry.Line, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read line geometries: %w", err)
	}
	return DecodeLines(data)
}

// DecodeLines parses LineString and MultiLineString features. The line code
// comes from "short_code", "line_code" or "id", in that order. For a
// MultiLineString the longest part is used. Lines that do not survive
// preprocessing are dropped.
func DecodeLines(data []byte) ([]*geometry.Line, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode line geometries: %w", err)
	}

	lines := make([]*geometry.Line, 0, len(fc.Features))
	for _, f := range fc.Features {
		code := lineCode(f)
		if code == "" {
			continue
		}

		var ls orb.LineString
		switch g := f.Geometry.(type) {
		case orb.LineString:
			ls = g
		case orb.MultiLineString:
			ls = longestPart(g)
		default:
			continue
		}

		if line, ok := geometry.PreprocessLine(code, ls); ok {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func lineCode(f *geojson.Feature) string {
	for _, key := range []string{"short_code", "line_code", "id"} {
		if v := f.Properties.MustString(key, ""); v != "" {
			return strings.ToUpper(v)
		}
	}
	return strings.ToUpper(featureID(f))
}

func featureID(f *geojson.Feature) string {
	if s, ok := f.ID.(string); ok {
		return s
	}
	return ""
}

func longestPart(mls orb.MultiLineString) orb.LineString {
	var best orb.LineString
	bestLen := -1.0
	for _, part := range mls {
		length := 0.0
		for i := 1; i < len(part); i++ {
			length += geometry.Distance(part[i-1], part[i])
		}
		if length > bestLen {
			best, bestLen = part, length
		}
	}
	return best
}

func stringList(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// EncodeStations renders stations back into a FeatureCollection.
func EncodeStations(stations []network.Station) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, s := range stations {
		f := geojson.NewFeature(s.Point)
		f.ID = s.ID
		f.Properties["id"] = s.ID
		f.Properties["name"] = s.Name
		f.Properties["lines"] = append([]string{}, s.Lines...)
		fc.Append(f)
	}
	return fc.MarshalJSON()
}

// EncodeLines renders line geometries as LineString features keyed by code.
func EncodeLines(lines []*geometry.Line) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, l := range lines {
		f := geojson.NewFeature(orb.LineString(l.Coordinates))
		f.ID = l.ID
		f.Properties["id"] = l.ID
		f.Properties["short_code"] = l.ID
		fc.Append(f)
	}
	return fc.MarshalJSON()
}
