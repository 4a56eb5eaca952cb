package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

// ErrMissingFile is returned when a required table is absent from the archive.
var ErrMissingFile = errors.New("gtfs: required file missing")

// ParseFile opens a GTFS zip on disk and parses it.
func ParseFile(zipPath string, logger *slog.Logger) (*Feed, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()
	return Parse(&r.Reader, logger)
}

// Parse reads the tables of an opened GTFS archive. stops.txt is required;
// the other tables are optional and a malformed optional table is logged and
// skipped.
func Parse(r *zip.Reader, logger *slog.Logger) (*Feed, error) {
	if logger == nil {
		logger = slog.Default()
	}

	files := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		// Some feeds nest everything in a top-level folder.
		name := f.Name
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		files[name] = f
	}

	feed := &Feed{Shapes: make(map[string][]ShapePoint)}

	stopsFile, ok := files["stops.txt"]
	if !ok {
		return nil, fmt.Errorf("%w: stops.txt", ErrMissingFile)
	}
	if err := readTable(stopsFile, func(row record) {
		feed.Stops = append(feed.Stops, Stop{
			StopID:        row.get("stop_id"),
			StopName:      row.get("stop_name"),
			StopLat:       row.getFloat("stop_lat"),
			StopLon:       row.getFloat("stop_lon"),
			LocationType:  row.getInt("location_type"),
			ParentStation: row.get("parent_station"),
		})
	}); err != nil {
		return nil, fmt.Errorf("failed to parse stops.txt: %w", err)
	}

	optional := []struct {
		name string
		fn   func(record)
	}{
		{"routes.txt", func(row record) {
			feed.Routes = append(feed.Routes, Route{
				RouteID:        row.get("route_id"),
				AgencyID:       row.get("agency_id"),
				RouteShortName: row.get("route_short_name"),
				RouteLongName:  row.get("route_long_name"),
				RouteType:      row.getInt("route_type"),
				RouteColor:     row.get("route_color"),
			})
		}},
		{"trips.txt", func(row record) {
			feed.Trips = append(feed.Trips, Trip{
				RouteID:     row.get("route_id"),
				ServiceID:   row.get("service_id"),
				TripID:      row.get("trip_id"),
				Headsign:    row.get("trip_headsign"),
				DirectionID: row.getInt("direction_id"),
				ShapeID:     row.get("shape_id"),
			})
		}},
		{"shapes.txt", func(row record) {
			id := row.get("shape_id")
			feed.Shapes[id] = append(feed.Shapes[id], ShapePoint{
				ShapeID:  id,
				Lat:      row.getFloat("shape_pt_lat"),
				Lon:      row.getFloat("shape_pt_lon"),
				Sequence: row.getInt("shape_pt_sequence"),
			})
		}},
		{"stop_times.txt", func(row record) {
			feed.StopTimes = append(feed.StopTimes, StopTime{
				TripID:           row.get("trip_id"),
				StopID:           row.get("stop_id"),
				StopSequence:     row.getInt("stop_sequence"),
				ArrivalSeconds:   ParseTime(row.get("arrival_time")),
				DepartureSeconds: ParseTime(row.get("departure_time")),
			})
		}},
	}

	for _, table := range optional {
		f, ok := files[table.name]
		if !ok {
			continue
		}
		if err := readTable(f, table.fn); err != nil {
			logger.Warn("GTFS: skipping malformed table", "file", table.name, "error", err)
		}
	}

	for id := range feed.Shapes {
		pts := feed.Shapes[id]
		sort.SliceStable(pts, func(i, j int) bool { return pts[i].Sequence < pts[j].Sequence })
	}

	logger.Info("GTFS: parsed feed",
		"routes", len(feed.Routes),
		"stops", len(feed.Stops),
		"trips", len(feed.Trips),
		"shapes", len(feed.Shapes),
		"stop_times", len(feed.StopTimes))

	return feed, nil
}

// ParseTime converts "HH:MM:SS" into seconds since midnight. Hours may exceed
// 23 for trips running past midnight. Empty or malformed input yields 0.
func ParseTime(s string) int {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 {
		return 0
	}
	total := 0
	for i, mult := range []int{3600, 60, 1} {
		if i >= len(parts) {
			break
		}
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return 0
		}
		total += n * mult
	}
	return total
}

type record struct {
	fields []string
	index  map[string]int
}

func (r record) get(field string) string {
	if i, ok := r.index[field]; ok && i < len(r.fields) {
		return strings.TrimSpace(r.fields[i])
	}
	return ""
}

func (r record) getInt(field string) int {
	n, _ := strconv.Atoi(r.get(field))
	return n
}

func (r record) getFloat(field string) float64 {
	n, _ := strconv.ParseFloat(r.get(field), 64)
	return n
}

// readTable streams a CSV table, calling fn for each well-formed row.
func readTable(f *zip.File, fn func(record)) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	reader := csv.NewReader(rc)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return err
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		// Strip a UTF-8 BOM on the first column.
		index[strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")] = i
	}

	for {
		fields, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue
			}
			return err
		}
		fn(record{fields: fields, index: index})
	}
}
