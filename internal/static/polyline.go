package static

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/twpayne/go-polyline"

	"github.com/mini-rodalies-3d/tracker/internal/geometry"
)

// LoadPolylines reads a JSON object mapping line codes to encoded polylines.
func LoadPolylines(path string) ([]*geometry.Line, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read polylines: %w", err)
	}
	return DecodePolylines(data)
}

// DecodePolylines decodes {"R1": "<encoded>", ...}. Lines are returned sorted
// by code; an undecodable entry fails the whole file.
func DecodePolylines(data []byte) ([]*geometry.Line, error) {
	var encoded map[string]string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, fmt.Errorf("failed to decode polylines: %w", err)
	}

	codes := make([]string, 0, len(encoded))
	for code := range encoded {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	lines := make([]*geometry.Line, 0, len(codes))
	for _, code := range codes {
		coords, _, err := polyline.DecodeCoords([]byte(encoded[code]))
		if err != nil {
			return nil, fmt.Errorf("failed to decode polyline for %s: %w", code, err)
		}
		pts := make([]orb.Point, 0, len(coords))
		for _, c := range coords {
			// Encoded polylines are [lat, lng].
			pts = append(pts, orb.Point{c[1], c[0]})
		}
		if line, ok := geometry.PreprocessLine(strings.ToUpper(code), pts); ok {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// EncodeLine renders a line's vertices as an encoded polyline.
func EncodeLine(line *geometry.Line) string {
	coords := make([][]float64, len(line.Coordinates))
	for i, p := range line.Coordinates {
		coords[i] = []float64{p.Lat(), p.Lon()}
	}
	return string(polyline.EncodeCoords(coords))
}
