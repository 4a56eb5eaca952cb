package rodalies

import (
	"sort"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/mini-rodalies-3d/tracker/internal/pipeline"
)

// TripDelay represents delay information from a TripUpdate
type TripDelay struct {
	TripID         string
	StopID         string
	StopSequence   int
	ArrivalDelay   *int
	DepartureDelay *int
}

// DelayKey is used to look up delays by (trip_id, stop_id)
type DelayKey struct {
	TripID string
	StopID string
}

// Delays indexes trip update information for one poll.
type Delays struct {
	byStop map[DelayKey]TripDelay
	trips  map[string][]TripDelay // sorted by StopSequence
}

// NewDelays indexes the given stop time updates.
func NewDelays(updates []TripDelay) *Delays {
	d := &Delays{
		byStop: make(map[DelayKey]TripDelay, len(updates)),
		trips:  make(map[string][]TripDelay),
	}
	for _, u := range updates {
		d.byStop[DelayKey{TripID: u.TripID, StopID: u.StopID}] = u
		d.trips[u.TripID] = append(d.trips[u.TripID], u)
	}
	for id := range d.trips {
		stops := d.trips[id]
		sort.SliceStable(stops, func(i, j int) bool { return stops[i].StopSequence < stops[j].StopSequence })
	}
	return d
}

// Lookup returns the delay recorded for a trip at a stop.
func (d *Delays) Lookup(tripID, stopID string) (TripDelay, bool) {
	if d == nil {
		return TripDelay{}, false
	}
	td, ok := d.byStop[DelayKey{TripID: tripID, StopID: stopID}]
	return td, ok
}

// Neighbours returns the stops before and after stopID in the trip's
// remaining stop list, when the feed lists them.
func (d *Delays) Neighbours(tripID, stopID string) (prev, next string) {
	if d == nil {
		return "", ""
	}
	stops := d.trips[tripID]
	for i, s := range stops {
		if s.StopID != stopID {
			continue
		}
		if i > 0 {
			prev = stops[i-1].StopID
		}
		if i+1 < len(stops) {
			next = stops[i+1].StopID
		}
		return prev, next
	}
	return "", ""
}

// Len returns the number of indexed stop updates.
func (d *Delays) Len() int {
	if d == nil {
		return 0
	}
	return len(d.byStop)
}

// statusMap maps the GTFS-RT VehicleStopStatus enum onto pipeline statuses.
var statusMap = map[gtfs.VehiclePosition_VehicleStopStatus]pipeline.Status{
	gtfs.VehiclePosition_INCOMING_AT:   pipeline.StatusIncomingAt,
	gtfs.VehiclePosition_STOPPED_AT:    pipeline.StatusStoppedAt,
	gtfs.VehiclePosition_IN_TRANSIT_TO: pipeline.StatusInTransitTo,
}
