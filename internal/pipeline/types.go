package pipeline

import (
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/mini-rodalies-3d/tracker/internal/geometry"
	"github.com/mini-rodalies-3d/tracker/internal/parking"
	"github.com/mini-rodalies-3d/tracker/internal/predictive"
)

// Status is the vehicle's relation to its current/next stop.
type Status int

const (
	StatusUnknown Status = iota
	StatusIncomingAt
	StatusStoppedAt
	StatusInTransitTo
)

// ParseStatus accepts GTFS-RT names ("STOPPED_AT") and their lower-case
// hyphenated forms ("stopped-at"). Anything else is StatusUnknown.
func ParseStatus(s string) Status {
	switch strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "_") {
	case "INCOMING_AT":
		return StatusIncomingAt
	case "STOPPED_AT":
		return StatusStoppedAt
	case "IN_TRANSIT_TO":
		return StatusInTransitTo
	default:
		return StatusUnknown
	}
}

func (s Status) String() string {
	switch s {
	case StatusIncomingAt:
		return "incoming-at"
	case StatusStoppedAt:
		return "stopped-at"
	case StatusInTransitTo:
		return "in-transit-to"
	default:
		return "unknown"
	}
}

// MarshalText renders the status in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is one raw vehicle record from a poll.
type Snapshot struct {
	VehicleKey     string
	RouteID        *string
	TripID         string
	Latitude       *float64
	Longitude      *float64
	Status         Status
	CurrentStopID  *string
	NextStopID     *string
	PreviousStopID *string

	ArrivalDelaySeconds   *int
	DepartureDelaySeconds *int

	// Timestamp is when the vehicle reported its position, if known.
	Timestamp *time.Time
}

// PreviousPosition is where the caller last showed a vehicle.
type PreviousPosition struct {
	VehicleKey string
	Latitude   float64
	Longitude  float64
}

// Batch is one poll of the feed.
type Batch struct {
	ID                string
	PolledAt          time.Time
	PreviousPolledAt  *time.Time
	Vehicles          []Snapshot
	PreviousPositions []PreviousPosition
}

// LocationKind tags a Location.
type LocationKind int

const (
	LocationRaw LocationKind = iota
	LocationSnapped
)

// Location is either a raw coordinate or a distance along a line. Point is
// always the world position; LineID and Distance are set only when snapped.
type Location struct {
	Kind     LocationKind
	Point    orb.Point
	LineID   string
	Distance float64
}

// RawLocation wraps an unsnapped coordinate.
func RawLocation(p orb.Point) Location {
	return Location{Kind: LocationRaw, Point: p}
}

// SnappedLocation places a vehicle distance meters along line.
func SnappedLocation(line *geometry.Line, distance float64) Location {
	p, _ := geometry.Sample(line, distance)
	return Location{Kind: LocationSnapped, Point: p, LineID: line.ID, Distance: distance}
}

// IsSnapped reports whether the location is line-relative.
func (l Location) IsSnapped() bool { return l.Kind == LocationSnapped }

// VehicleState is the pipeline's animation state for one vehicle.
type VehicleState struct {
	Key     string
	Line    string // resolved line code, empty when none
	RouteID string
	TripID  string

	Status         Status
	PreviousStatus Status
	CurrentStopID  string
	NextStopID     string

	// Current interpolation segment.
	Start        Location
	Target       Location
	TargetSnap   *geometry.SnapResult
	SnapAt       time.Time // poll time of the fix TargetSnap came from
	SegmentStart time.Time
	Duration     time.Duration

	// Latest sampled position, without lateral offset.
	Position orb.Point
	Heading  float64
	Reversed bool

	OffsetIndex int
	Parking     *parking.Position

	SpeedMPS     float64
	SpeedAnomaly bool

	Source     predictive.Source
	Confidence float64

	DelaySeconds     int
	LastSeen         time.Time
	VehicleTimestamp *time.Time
}

// Parked reports whether the vehicle is drawn in a station slot.
func (v *VehicleState) Parked() bool { return v.Parking != nil }

// Result summarizes one Update.
type Result struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Held      int `json:"held"`
	Skipped   int `json:"skipped"`
	Removed   int `json:"removed"`
	Anomalies int `json:"anomalies"`
	Parked    int `json:"parked"`
}

// Diagnostic is the per-vehicle debug export.
type Diagnostic struct {
	VehicleKey   string            `json:"vehicleKey"`
	Line         string            `json:"line"`
	Status       Status            `json:"status"`
	OffsetIndex  int               `json:"offsetIndex"`
	OffsetMeters float64           `json:"offsetMeters"`
	Zoom         float64           `json:"zoom"`
	Position     orb.Point         `json:"position"`
	Heading      float64           `json:"heading"`
	Source       predictive.Source `json:"source"`
	SpeedMPS     float64           `json:"speedMps"`
	SpeedAnomaly bool              `json:"speedAnomaly"`
	Parked       bool              `json:"parked"`
	StationID    string            `json:"stationId,omitempty"`
}
