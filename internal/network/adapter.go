package network

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/mini-rodalies-3d/tracker/internal/parking"
)

// NetworkType represents a transit network type
type NetworkType string

const (
	NetworkRodalies NetworkType = "rodalies"
	NetworkMetro    NetworkType = "metro"
	NetworkBus      NetworkType = "bus"
	NetworkTram     NetworkType = "tram"
	NetworkFGC      NetworkType = "fgc"
)

// AllNetworks returns all network types
func AllNetworks() []NetworkType {
	return []NetworkType{NetworkRodalies, NetworkMetro, NetworkBus, NetworkTram, NetworkFGC}
}

// ParseNetworkType maps a case-insensitive name onto a NetworkType.
func ParseNetworkType(s string) (NetworkType, error) {
	switch NetworkType(strings.ToLower(strings.TrimSpace(s))) {
	case NetworkRodalies:
		return NetworkRodalies, nil
	case NetworkMetro:
		return NetworkMetro, nil
	case NetworkBus:
		return NetworkBus, nil
	case NetworkTram:
		return NetworkTram, nil
	case NetworkFGC:
		return NetworkFGC, nil
	default:
		return "", fmt.Errorf("unknown network type %q", s)
	}
}

// PredictiveConfig tunes GPS/schedule blending.
type PredictiveConfig struct {
	Enabled           bool          `yaml:"enabled"`
	GPSStaleThreshold time.Duration `yaml:"gps_stale_threshold" validate:"gte=0"`
	PredictedWeight   float64       `yaml:"predicted_weight" validate:"gte=0,lte=1"`
	GPSWeight         float64       `yaml:"gps_weight" validate:"gte=0,lte=1"`
	MinConfidence     float64       `yaml:"min_confidence" validate:"gte=0,lte=1"`
	InterpolationRate float64       `yaml:"interpolation_rate" validate:"gte=0,lte=1"`
	TripCacheTTL      time.Duration `yaml:"trip_cache_ttl" validate:"gte=0"`
	TripCacheCapacity int           `yaml:"trip_cache_capacity" validate:"gte=1"`
}

// Adapter bundles everything that differs between networks. The pipeline is
// otherwise network-agnostic.
type Adapter struct {
	Network NetworkType `yaml:"-"`

	// Parking
	MaxParkingSlots         int           `yaml:"max_parking_slots" validate:"gte=1"`
	BaseSlotSpacingMeters   float64       `yaml:"base_slot_spacing_meters" validate:"gt=0"`
	ReferenceZoom           float64       `yaml:"reference_zoom" validate:"gte=0,lte=24"`
	ZoomScaleFactor         float64       `yaml:"zoom_scale_factor" validate:"gte=0"`
	StationClearanceMeters  float64       `yaml:"station_clearance_meters" validate:"gte=0"`
	VehicleLengthMeters     float64       `yaml:"vehicle_length_meters" validate:"gte=0"`
	VehicleLengthMultiplier float64       `yaml:"vehicle_length_multiplier" validate:"gte=0"`
	ParkingTransition       time.Duration `yaml:"parking_transition" validate:"gte=0"`
	GroupByLine             bool          `yaml:"group_by_line"`

	// LinePattern extracts a line code from a route identifier.
	LinePattern string `yaml:"line_pattern" validate:"required"`

	Predictive PredictiveConfig `yaml:"predictive"`
}

var defaultPredictive = PredictiveConfig{
	Enabled:           false,
	GPSStaleThreshold: 60 * time.Second,
	PredictedWeight:   0.3,
	GPSWeight:         0.7,
	MinConfidence:     0.5,
	InterpolationRate: 0.15,
	TripCacheTTL:      10 * time.Minute,
	TripCacheCapacity: 200,
}

// DefaultAdapter returns the built-in tuning for a network.
func DefaultAdapter(network NetworkType) Adapter {
	a := Adapter{
		Network:                 network,
		MaxParkingSlots:         5,
		BaseSlotSpacingMeters:   20,
		ReferenceZoom:           14,
		ZoomScaleFactor:         0.15,
		StationClearanceMeters:  30,
		VehicleLengthMultiplier: 1.1,
		ParkingTransition:       2 * time.Second,
		Predictive:              defaultPredictive,
	}

	switch network {
	case NetworkRodalies:
		a.LinePattern = `^(R\d+[NS]?|RG\d+|RL\d+|RT\d+)`
		a.Predictive.Enabled = true
	case NetworkMetro:
		a.LinePattern = `^(L\d+[NS]?)`
		a.BaseSlotSpacingMeters = 15
		a.GroupByLine = true
	case NetworkFGC:
		a.LinePattern = `^(S\d+|L\d+|R\d+|RL\d+)`
		a.BaseSlotSpacingMeters = 15
	case NetworkTram:
		a.LinePattern = `^(T\d+)`
		a.MaxParkingSlots = 3
		a.BaseSlotSpacingMeters = 12
		a.StationClearanceMeters = 20
	case NetworkBus:
		a.LinePattern = `^([A-Z]?\d+|[A-Z]\d*)`
		a.MaxParkingSlots = 3
		a.BaseSlotSpacingMeters = 10
		a.StationClearanceMeters = 15
	}

	return a
}

// Validate checks invariants the struct tags cannot express.
func (a *Adapter) Validate() error {
	if a.MaxParkingSlots < 1 {
		return errors.New("max_parking_slots must be at least 1")
	}
	if a.BaseSlotSpacingMeters <= 0 {
		return errors.New("base_slot_spacing_meters must be positive")
	}
	if sum := a.Predictive.PredictedWeight + a.Predictive.GPSWeight; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("predicted_weight + gps_weight must equal 1, got %.3f", sum)
	}
	if _, err := regexp.Compile(a.LinePattern); err != nil {
		return fmt.Errorf("invalid line_pattern: %w", err)
	}
	return nil
}

// Parking returns the allocator configuration for this network.
func (a *Adapter) Parking() parking.Config {
	return parking.Config{
		MaxSlots:                a.MaxParkingSlots,
		BaseSpacingMeters:       a.BaseSlotSpacingMeters,
		ReferenceZoom:           a.ReferenceZoom,
		ZoomScaleFactor:         a.ZoomScaleFactor,
		ClearanceMeters:         a.StationClearanceMeters,
		VehicleLengthMeters:     a.VehicleLengthMeters,
		VehicleLengthMultiplier: a.VehicleLengthMultiplier,
		GroupByLine:             a.GroupByLine,
	}
}
