package static

import (
	"regexp"
	"sort"

	"github.com/paulmach/orb"

	"github.com/mini-rodalies-3d/tracker/internal/geometry"
	"github.com/mini-rodalies-3d/tracker/internal/network"
	"github.com/mini-rodalies-3d/tracker/internal/static/gtfs"
)

// FromGTFS derives stations and line geometries from a static feed. A route's
// line code comes from its short name matched against pattern, falling back
// to the route id; routes that match neither are ignored. Each line uses the
// longest shape among its trips.
func FromGTFS(feed *gtfs.Feed, pattern *regexp.Regexp) ([]network.Station, []*geometry.Line) {
	routeToLine := make(map[string]string, len(feed.Routes))
	for _, r := range feed.Routes {
		code, ok := network.ExtractLineCode(r.RouteShortName, pattern)
		if !ok {
			code, ok = network.ExtractLineCode(r.RouteID, pattern)
		}
		if ok {
			routeToLine[r.RouteID] = code
		}
	}

	tripToLine := make(map[string]string, len(feed.Trips))
	lineShapes := make(map[string][]gtfs.ShapePoint)
	for _, trip := range feed.Trips {
		code, ok := routeToLine[trip.RouteID]
		if !ok {
			continue
		}
		tripToLine[trip.TripID] = code
		if pts := feed.Shapes[trip.ShapeID]; len(pts) > len(lineShapes[code]) {
			lineShapes[code] = pts
		}
	}

	codes := make([]string, 0, len(lineShapes))
	for code := range lineShapes {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	lines := make([]*geometry.Line, 0, len(codes))
	for _, code := range codes {
		shape := lineShapes[code]
		pts := make([]orb.Point, len(shape))
		for i, sp := range shape {
			pts[i] = orb.Point{sp.Lon, sp.Lat}
		}
		if line, ok := geometry.PreprocessLine(code, pts); ok {
			lines = append(lines, line)
		}
	}

	parentOf := make(map[string]string, len(feed.Stops))
	for _, s := range feed.Stops {
		if s.ParentStation != "" {
			parentOf[s.StopID] = s.ParentStation
		}
	}

	stopLines := make(map[string]map[string]bool)
	mark := func(stopID, code string) {
		if stopLines[stopID] == nil {
			stopLines[stopID] = make(map[string]bool)
		}
		stopLines[stopID][code] = true
	}
	for _, st := range feed.StopTimes {
		code, ok := tripToLine[st.TripID]
		if !ok {
			continue
		}
		mark(st.StopID, code)
		if parent, ok := parentOf[st.StopID]; ok {
			mark(parent, code)
		}
	}

	stations := make([]network.Station, 0, len(feed.Stops))
	for _, s := range feed.Stops {
		if s.LocationType != 0 && s.LocationType != 1 {
			continue
		}
		if !geometry.ValidCoordinate(s.StopLat, s.StopLon) {
			continue
		}
		var served []string
		for code := range stopLines[s.StopID] {
			served = append(served, code)
		}
		sort.Strings(served)
		stations = append(stations, network.Station{
			ID:    s.StopID,
			Name:  s.StopName,
			Point: orb.Point{s.StopLon, s.StopLat},
			Lines: served,
		})
	}

	return stations, lines
}
