// Package parking spreads vehicles halted at the same station over a fixed
// number of slots along the track so they do not render on top of each other.
package parking

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/paulmach/orb"

	"github.com/mini-rodalies-3d/tracker/internal/geometry"
)

// StationSearchRadius is how far a station may sit from its line and still
// be considered on it.
const StationSearchRadius = 500.0

var (
	ErrUnknownLine      = errors.New("unknown line")
	ErrStationNotOnLine = errors.New("station not on line")
)

// Config holds per-network slot tuning.
type Config struct {
	MaxSlots          int
	BaseSpacingMeters float64
	ReferenceZoom     float64
	ZoomScaleFactor   float64
	ClearanceMeters   float64

	// Sequential spacing never drops below VehicleLengthMeters *
	// VehicleLengthMultiplier when a length is set.
	VehicleLengthMeters     float64
	VehicleLengthMultiplier float64

	// GroupByLine gives every line at an interchange its own band of slots,
	// shifted across the track. LineGroup is the band of the line being
	// parked and LineGroups the number of bands at the station.
	GroupByLine bool
	LineGroup   int
	LineGroups  int
}

// LineGroup returns the band of lineID among the lines served by a station.
// A line the station does not list gets a band after the listed ones.
func LineGroup(stationLines []string, lineID string) (group, groups int) {
	for i, l := range stationLines {
		if strings.EqualFold(l, lineID) {
			return i, len(stationLines)
		}
	}
	return len(stationLines), len(stationLines) + 1
}

// DefaultConfig matches the Rodalies tuning.
func DefaultConfig() Config {
	return Config{
		MaxSlots:                5,
		BaseSpacingMeters:       20,
		ReferenceZoom:           14,
		ZoomScaleFactor:         0.15,
		ClearanceMeters:         30,
		VehicleLengthMultiplier: 1.1,
	}
}

// Position is where a halted vehicle is drawn.
type Position struct {
	StationID      string
	Point          orb.Point
	TrackBearing   float64
	ParkingBearing float64 // broadside to the track
	SlotIndex      int
	SlotOffset     int
	OffsetMeters   float64 // signed distance from the station along the track
	BandMeters     float64 // signed distance across the track, non-zero only when grouped by line
	Zoom           float64
}

// SlotIndex hashes key with 32-bit FNV-1a and reduces it modulo maxSlots.
// Non-cryptographic; only stability across runs matters.
func SlotIndex(key string, maxSlots int) int {
	if maxSlots <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(maxSlots))
}

// SlotOffset centers slot indexes around zero: 5 slots map to -2..2,
// 4 slots to -2..1.
func SlotOffset(index, maxSlots int) int {
	return index - maxSlots/2
}

// AlongTrackOffset moves station by meters along trackBearing.
func AlongTrackOffset(station orb.Point, trackBearing, meters float64) orb.Point {
	return geometry.OffsetAlongBearing(station, trackBearing, meters)
}

// ZoomAdjustedSpacing scales base with zoom, floored at half of base.
func ZoomAdjustedSpacing(base, zoom float64, cfg Config) float64 {
	return base * math.Max(0.5, 1+(zoom-cfg.ReferenceZoom)*cfg.ZoomScaleFactor)
}

// SlotSpacing is the distance between adjacent slots at zoom.
func SlotSpacing(zoom float64, cfg Config) float64 {
	spacing := ZoomAdjustedSpacing(cfg.BaseSpacingMeters, zoom, cfg)
	if cfg.VehicleLengthMeters > 0 {
		spacing = math.Max(spacing, cfg.VehicleLengthMeters*cfg.VehicleLengthMultiplier)
	}
	return spacing
}

// Compute places vehicleKey at stationID on line without touching any cache.
func Compute(stationID, vehicleKey string, station orb.Point, line *geometry.Line, cfg Config, zoom float64) (Position, error) {
	if line == nil {
		return Position{}, ErrUnknownLine
	}
	snap, ok := geometry.Snap(station, line, StationSearchRadius)
	if !ok {
		return Position{}, fmt.Errorf("%w: station %s, line %s", ErrStationNotOnLine, stationID, line.ID)
	}

	maxSlots := cfg.MaxSlots
	if maxSlots < 1 {
		maxSlots = 1
	}
	idx := SlotIndex(vehicleKey, maxSlots)
	off := SlotOffset(idx, maxSlots)

	sign := 1.0
	if off < 0 {
		sign = -1
	}
	spacing := SlotSpacing(zoom, cfg)
	meters := sign * (cfg.ClearanceMeters + math.Abs(float64(off))*spacing)
	pt := AlongTrackOffset(snap.Point, snap.Bearing, meters)

	var band float64
	if cfg.GroupByLine && cfg.LineGroups > 1 {
		group := min(max(cfg.LineGroup, 0), cfg.LineGroups-1)
		band = (float64(group) - float64(cfg.LineGroups-1)/2) * spacing
		pt = geometry.OffsetAlongBearing(pt, snap.Bearing+90, band)
	}

	return Position{
		StationID:      stationID,
		Point:          pt,
		TrackBearing:   snap.Bearing,
		ParkingBearing: geometry.NormalizeBearing(snap.Bearing + 90),
		SlotIndex:      idx,
		SlotOffset:     off,
		OffsetMeters:   meters,
		BandMeters:     band,
		Zoom:           zoom,
	}, nil
}

type cacheKey struct {
	station string
	vehicle string
	line    string
}

// CacheStats is exposed for diagnostics.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

// Allocator caches parking positions per (station, vehicle, line). Entries
// computed at a different zoom are treated as misses and replaced.
type Allocator struct {
	mu     sync.Mutex
	cache  map[cacheKey]Position
	hits   int64
	misses int64
}

// NewAllocator returns an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{cache: make(map[cacheKey]Position)}
}

// Calculate returns the cached position for (stationID, vehicleKey) or
// computes and stores it.
func (a *Allocator) Calculate(stationID, vehicleKey string, station orb.Point, line *geometry.Line, cfg Config, zoom float64) (Position, error) {
	k := cacheKey{station: stationID, vehicle: vehicleKey}
	if line != nil {
		k.line = line.ID
	}

	a.mu.Lock()
	if p, ok := a.cache[k]; ok && p.Zoom == zoom {
		a.hits++
		a.mu.Unlock()
		return p, nil
	}
	a.misses++
	a.mu.Unlock()

	p, err := Compute(stationID, vehicleKey, station, line, cfg, zoom)
	if err != nil {
		return Position{}, err
	}

	a.mu.Lock()
	a.cache[k] = p
	a.mu.Unlock()
	return p, nil
}

// Invalidate drops the entries for one vehicle at one station.
func (a *Allocator) Invalidate(stationID, vehicleKey string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k := range a.cache {
		if k.station == stationID && k.vehicle == vehicleKey {
			delete(a.cache, k)
		}
	}
}

// InvalidateVehicle drops every entry for vehicleKey.
func (a *Allocator) InvalidateVehicle(vehicleKey string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k := range a.cache {
		if k.vehicle == vehicleKey {
			delete(a.cache, k)
		}
	}
}

// Clear empties the cache and resets counters.
func (a *Allocator) Clear() {
	a.mu.Lock()
	a.cache = make(map[cacheKey]Position)
	a.hits, a.misses = 0, 0
	a.mu.Unlock()
}

// Stats returns a snapshot of the cache counters.
func (a *Allocator) Stats() CacheStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return CacheStats{Hits: a.hits, Misses: a.misses, Size: len(a.cache)}
}
