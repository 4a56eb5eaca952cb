package network

import (
	"regexp"
	"strings"

	"github.com/paulmach/orb"
)

// Station represents a stop from the static dataset. Loaded once, never mutated.
type Station struct {
	ID    string
	Name  string
	Point orb.Point // [lng, lat]
	Lines []string
}

// StationIndex looks stations up by identifier.
type StationIndex struct {
	byID map[string]Station
}

// NewStationIndex indexes stations by ID. Later duplicates win.
func NewStationIndex(stations []Station) *StationIndex {
	idx := &StationIndex{byID: make(map[string]Station, len(stations))}
	for _, s := range stations {
		idx.byID[s.ID] = s
	}
	return idx
}

// Get returns the station with the given ID.
func (idx *StationIndex) Get(id string) (Station, bool) {
	if idx == nil || id == "" {
		return Station{}, false
	}
	s, ok := idx.byID[id]
	return s, ok
}

// Len returns the number of stations.
func (idx *StationIndex) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.byID)
}

// VehicleStops is the stop context used for line inference.
type VehicleStops struct {
	CurrentStopID  *string
	NextStopID     *string
	PreviousStopID *string
}

// ExtractLineCode extracts a line code from a composite route identifier
// using pattern. Examples with the Rodalies pattern:
// "R4-77626-PLATF.(1)" -> "R4", "r2n-12345" -> "R2N".
func ExtractLineCode(routeID string, pattern *regexp.Regexp) (string, bool) {
	if routeID == "" || pattern == nil {
		return "", false
	}
	m := pattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(routeID)))
	if len(m) == 0 {
		return "", false
	}
	code := m[0]
	if len(m) > 1 && m[1] != "" {
		code = m[1]
	}
	if code == "" {
		return "", false
	}
	return code, true
}

// InferLineFromStation returns the first line served by the vehicle's
// current, next or previous stop, checked in that order. When a station
// serves several lines the first listed one wins, which may not be the line
// the vehicle is actually running on.
func InferLineFromStation(v VehicleStops, stations *StationIndex) (string, bool) {
	for _, id := range []*string{v.CurrentStopID, v.NextStopID, v.PreviousStopID} {
		if id == nil {
			continue
		}
		s, ok := stations.Get(*id)
		if !ok {
			continue
		}
		for _, line := range s.Lines {
			if line != "" {
				return line, true
			}
		}
	}
	return "", false
}

// Resolver maps a vehicle to a line code, preferring the route identifier and
// falling back to the station context.
type Resolver struct {
	pattern  *regexp.Regexp
	stations *StationIndex
	known    map[string]bool
}

// NewResolver builds a resolver for an adapter. When knownLines is non-empty,
// only codes present in it are returned (the pipeline needs geometry for them).
func NewResolver(adapter Adapter, stations *StationIndex, knownLines []string) *Resolver {
	pattern, err := regexp.Compile(adapter.LinePattern)
	if err != nil || adapter.LinePattern == "" {
		pattern = nil
	}
	r := &Resolver{pattern: pattern, stations: stations}
	if len(knownLines) > 0 {
		r.known = make(map[string]bool, len(knownLines))
		for _, l := range knownLines {
			r.known[strings.ToUpper(l)] = true
		}
	}
	return r
}

// Resolve returns the line code for a vehicle, or false when none applies.
func (r *Resolver) Resolve(routeID *string, stops VehicleStops) (string, bool) {
	if routeID != nil {
		if code, ok := ExtractLineCode(*routeID, r.pattern); ok && r.accept(code) {
			return code, true
		}
	}
	if code, ok := InferLineFromStation(stops, r.stations); ok {
		code = strings.ToUpper(code)
		if r.accept(code) {
			return code, true
		}
	}
	return "", false
}

func (r *Resolver) accept(code string) bool {
	if r.known == nil {
		return true
	}
	return r.known[code]
}
