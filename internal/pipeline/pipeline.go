// Package pipeline turns sparse vehicle position polls into continuous,
// track-following positions and headings.
//
// A Pipeline is not safe for concurrent use. Update and Tick are meant to be
// called from one goroutine; readers on other goroutines should consume the
// Frame it publishes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/mini-rodalies-3d/tracker/internal/geometry"
	"github.com/mini-rodalies-3d/tracker/internal/metrics"
	"github.com/mini-rodalies-3d/tracker/internal/network"
	"github.com/mini-rodalies-3d/tracker/internal/parking"
	"github.com/mini-rodalies-3d/tracker/internal/predictive"
)

// ErrStaleBatch is returned for a batch not newer than the last one applied.
var ErrStaleBatch = errors.New("stale batch")

const (
	DefaultGracePeriod      = 180 * time.Second
	DefaultMinDuration      = 1000 * time.Millisecond
	DefaultDuration         = 30000 * time.Millisecond
	DefaultMaxSpeedMPS      = 83.0
	DefaultOffsetBuckets    = 5
	DefaultOffsetStepMeters = 1.6
	DefaultZoom             = 14.0
)

// Options configures a Pipeline. Zero values take the defaults above.
type Options struct {
	Lines    []*geometry.Line
	Stations *network.StationIndex
	Adapter  network.Adapter

	Parking    *parking.Allocator
	Predictive *predictive.Calculator
	Speeds     *metrics.SpeedStats
	Logger     *slog.Logger

	GracePeriod      time.Duration
	MinDuration      time.Duration
	DefaultDuration  time.Duration
	MaxSpeedMPS      float64
	SnapRadius       float64
	OffsetBuckets    int
	OffsetStepMeters float64
	Zoom             float64
}

func (o *Options) setDefaults() {
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.MinDuration <= 0 {
		o.MinDuration = DefaultMinDuration
	}
	if o.DefaultDuration <= 0 {
		o.DefaultDuration = DefaultDuration
	}
	if o.MaxSpeedMPS <= 0 {
		o.MaxSpeedMPS = DefaultMaxSpeedMPS
	}
	if o.SnapRadius <= 0 {
		o.SnapRadius = geometry.DefaultMaxSnapDistance
	}
	if o.OffsetBuckets <= 0 {
		o.OffsetBuckets = DefaultOffsetBuckets
	}
	if o.OffsetStepMeters == 0 {
		o.OffsetStepMeters = DefaultOffsetStepMeters
	}
	if o.Zoom == 0 {
		o.Zoom = DefaultZoom
	}
	if o.Adapter.Network == "" {
		o.Adapter = network.DefaultAdapter(network.NetworkRodalies)
	}
	if o.Parking == nil {
		o.Parking = parking.NewAllocator()
	}
	if o.Speeds == nil {
		o.Speeds = metrics.NewSpeedStats()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Pipeline owns the animation state of every tracked vehicle.
type Pipeline struct {
	opts     Options
	logger   *slog.Logger
	lines    map[string]*geometry.Line
	resolver *network.Resolver

	vehicles map[string]*VehicleState

	lastPolledAt time.Time
	hasPolled    bool
	zoom         float64

	// background context for schedule prefetches
	ctx context.Context
}

// New builds a pipeline. Line IDs are matched case-insensitively against
// resolved line codes.
func New(opts Options) *Pipeline {
	opts.setDefaults()

	lines := make(map[string]*geometry.Line, len(opts.Lines))
	known := make([]string, 0, len(opts.Lines))
	for _, l := range opts.Lines {
		if l == nil {
			continue
		}
		code := strings.ToUpper(l.ID)
		lines[code] = l
		known = append(known, code)
	}

	return &Pipeline{
		opts:     opts,
		logger:   opts.Logger,
		lines:    lines,
		resolver: network.NewResolver(opts.Adapter, opts.Stations, known),
		vehicles: make(map[string]*VehicleState),
		zoom:     opts.Zoom,
		ctx:      context.Background(),
	}
}

// WithContext sets the context used for background schedule fetches.
func (p *Pipeline) WithContext(ctx context.Context) *Pipeline {
	if ctx != nil {
		p.ctx = ctx
	}
	return p
}

// Parking returns the pipeline's parking allocator.
func (p *Pipeline) Parking() *parking.Allocator { return p.opts.Parking }

// Speeds returns the pipeline's speed statistics.
func (p *Pipeline) Speeds() *metrics.SpeedStats { return p.opts.Speeds }

// Update applies a batch. A batch whose PolledAt is not after the last
// applied batch is rejected whole with ErrStaleBatch and leaves state
// untouched.
func (p *Pipeline) Update(batch Batch) (Result, error) {
	if p.hasPolled && !batch.PolledAt.After(p.lastPolledAt) {
		p.logger.Debug("Pipeline: ignoring stale batch",
			"batch", batch.ID, "polledAt", batch.PolledAt, "last", p.lastPolledAt)
		return Result{}, ErrStaleBatch
	}

	now := batch.PolledAt
	gap := p.batchGap(batch)
	duration := p.segmentDuration(gap)

	previous := make(map[string]orb.Point, len(batch.PreviousPositions))
	for _, pp := range batch.PreviousPositions {
		if geometry.ValidCoordinate(pp.Latitude, pp.Longitude) {
			previous[pp.VehicleKey] = orb.Point{pp.Longitude, pp.Latitude}
		}
	}

	var res Result
	seen := make(map[string]bool, len(batch.Vehicles))
	for i := range batch.Vehicles {
		snap := &batch.Vehicles[i]
		if snap.VehicleKey == "" {
			res.Skipped++
			continue
		}
		seen[snap.VehicleKey] = true
		p.applySafely(snap, previous, now, duration, &res)
	}

	res.Removed = p.prune(now, seen)
	p.lastPolledAt = batch.PolledAt
	p.hasPolled = true

	p.logger.Debug("Pipeline: applied batch",
		"batch", batch.ID,
		"vehicles", len(batch.Vehicles),
		"created", res.Created,
		"updated", res.Updated,
		"held", res.Held,
		"removed", res.Removed,
		"anomalies", res.Anomalies,
	)
	return res, nil
}

func (p *Pipeline) applySafely(snap *Snapshot, previous map[string]orb.Point, now time.Time, duration time.Duration, res *Result) {
	defer func() {
		if r := recover(); r != nil {
			res.Skipped++
			p.logger.Error("Pipeline: vehicle update failed", "vehicle", snap.VehicleKey, "panic", fmt.Sprint(r))
		}
	}()
	p.apply(snap, previous, now, duration, res)
}

// batchGap is the time between this batch and the previous one, or 0 when
// unknown.
func (p *Pipeline) batchGap(batch Batch) time.Duration {
	if batch.PreviousPolledAt != nil {
		return batch.PolledAt.Sub(*batch.PreviousPolledAt)
	}
	if p.hasPolled {
		return batch.PolledAt.Sub(p.lastPolledAt)
	}
	return 0
}

func (p *Pipeline) segmentDuration(gap time.Duration) time.Duration {
	if gap <= 0 {
		return p.opts.DefaultDuration
	}
	if gap < p.opts.MinDuration {
		return p.opts.MinDuration
	}
	return gap
}

// apply folds one snapshot into its vehicle state. A new vehicle is only
// added to the tracked set once its state is complete, and counters move
// only once the snapshot has been fully applied.
func (p *Pipeline) apply(snap *Snapshot, previous map[string]orb.Point, now time.Time, duration time.Duration, res *Result) {
	stops := network.VehicleStops{
		CurrentStopID:  snap.CurrentStopID,
		NextStopID:     snap.NextStopID,
		PreviousStopID: snap.PreviousStopID,
	}
	lineCode, _ := p.resolver.Resolve(snap.RouteID, stops)
	line := p.lines[lineCode]

	st, exists := p.vehicles[snap.VehicleKey]

	raw, hasCoords := snapshotPoint(snap)
	if !hasCoords {
		if exists {
			p.hold(st, snap, now)
			res.Held++
			return
		}
		prev, ok := previous[snap.VehicleKey]
		if !ok {
			res.Skipped++
			return
		}
		raw = prev
	}

	source, confidence := predictive.SourceGPS, 1.0
	if hasCoords {
		raw, source, confidence = p.blend(st, snap, raw, now)
	}

	var targetSnap *geometry.SnapResult
	target := RawLocation(raw)
	if line != nil {
		if s, ok := geometry.Snap(raw, line, p.opts.SnapRadius); ok {
			targetSnap = &s
			target = SnappedLocation(line, s.Distance)
		}
	}

	if !exists {
		st = &VehicleState{
			Key:         snap.VehicleKey,
			OffsetIndex: parking.SlotIndex(snap.VehicleKey, p.opts.OffsetBuckets),
			Start:       target,
		}
		if prev, ok := previous[snap.VehicleKey]; ok && hasCoords {
			st.Start = p.locate(prev, line)
		}
	} else {
		st.Start = p.locationAt(st, now)
		p.validateSpeed(st, targetSnap, snap, now)
	}

	st.Line = lineCode
	st.TripID = snap.TripID
	st.RouteID = deref(snap.RouteID)
	st.CurrentStopID = deref(snap.CurrentStopID)
	st.NextStopID = deref(snap.NextStopID)
	st.DelaySeconds = delaySeconds(snap)
	st.PreviousStatus = st.Status
	st.Status = snap.Status
	st.Source = source
	st.Confidence = confidence
	st.LastSeen = now
	st.VehicleTimestamp = nil
	if snap.Timestamp != nil {
		ts := *snap.Timestamp
		st.VehicleTimestamp = &ts
	}

	p.updateReversed(st, targetSnap)
	st.Target = target
	st.TargetSnap = targetSnap
	st.SnapAt = now
	st.SegmentStart = now
	st.Duration = duration

	parked := p.park(st, line, now)
	if !parked {
		st.Heading = p.heading(st, raw)
	}
	st.Position = st.Start.Point

	if exists {
		res.Updated++
		if st.SpeedAnomaly {
			res.Anomalies++
		}
	} else {
		p.vehicles[snap.VehicleKey] = st
		res.Created++
	}
	if parked {
		res.Parked++
	}
}

// hold keeps the animation of a vehicle whose record has no usable
// coordinates; only its status moves on.
func (p *Pipeline) hold(st *VehicleState, snap *Snapshot, now time.Time) {
	st.PreviousStatus = st.Status
	st.Status = snap.Status
	st.LastSeen = now
}

func (p *Pipeline) blend(st *VehicleState, snap *Snapshot, gps orb.Point, now time.Time) (orb.Point, predictive.Source, float64) {
	calc := p.opts.Predictive
	if calc == nil || !calc.Config().Enabled || snap.TripID == "" {
		return gps, predictive.SourceGPS, 1
	}

	est := calc.PredictCached(p.ctx, snap.TripID, delaySeconds(snap), now)
	var age time.Duration
	if snap.Timestamp != nil {
		age = now.Sub(*snap.Timestamp)
	}
	out := calc.Blend(predictive.Input{GPS: gps, HasGPS: true, GPSAge: age, Prediction: est})
	if out.Source == predictive.SourcePredicted && st != nil {
		out.Point = calc.Approach(st.Target.Point, out.Point)
	}
	return out.Point, out.Source, out.Confidence
}

func (p *Pipeline) locate(pt orb.Point, line *geometry.Line) Location {
	if line != nil {
		if s, ok := geometry.Snap(pt, line, p.opts.SnapRadius); ok {
			return SnappedLocation(line, s.Distance)
		}
	}
	return RawLocation(pt)
}

// validateSpeed flags along-line speeds above the ceiling. It needs the old
// and new fix snapped to the same line; otherwise nothing is flagged. Elapsed
// time runs from the fix the stored snap came from, so a vehicle that missed
// polls or was held is measured over the whole interval.
func (p *Pipeline) validateSpeed(st *VehicleState, next *geometry.SnapResult, snap *Snapshot, now time.Time) {
	st.SpeedMPS = 0
	st.SpeedAnomaly = false

	prev := st.TargetSnap
	if prev == nil || next == nil || prev.LineID != next.LineID {
		return
	}

	elapsed := now.Sub(st.SnapAt)
	if st.VehicleTimestamp != nil && snap.Timestamp != nil {
		if d := snap.Timestamp.Sub(*st.VehicleTimestamp); d > 0 {
			elapsed = d
		}
	}
	if elapsed <= 0 {
		return
	}

	dist := next.Distance - prev.Distance
	if dist < 0 {
		dist = -dist
	}
	st.SpeedMPS = dist / elapsed.Seconds()
	st.SpeedAnomaly = st.SpeedMPS > p.opts.MaxSpeedMPS
	p.opts.Speeds.Observe(next.LineID, st.SpeedMPS, st.SpeedAnomaly)

	if st.SpeedAnomaly {
		p.logger.Warn("Pipeline: unrealistic speed",
			"vehicle", st.Key, "line", next.LineID, "mps", st.SpeedMPS)
	}
}

// updateReversed compares the old and new distance along a shared line. A
// decrease means the vehicle runs against the line's vertex order.
func (p *Pipeline) updateReversed(st *VehicleState, next *geometry.SnapResult) {
	prev := st.TargetSnap
	if prev == nil || next == nil || prev.LineID != next.LineID {
		return
	}
	switch {
	case next.Distance < prev.Distance:
		st.Reversed = true
	case next.Distance > prev.Distance:
		st.Reversed = false
	}
}

// heading picks the snapped bearing, then the bearing toward the next stop,
// then toward the raw fix, then the last known heading.
func (p *Pipeline) heading(st *VehicleState, raw orb.Point) float64 {
	if st.TargetSnap != nil {
		if st.Reversed {
			return geometry.ReverseBearing(st.TargetSnap.Bearing)
		}
		return st.TargetSnap.Bearing
	}
	if station, ok := p.opts.Stations.Get(st.NextStopID); ok && station.Point != raw {
		return geometry.BearingBetween(raw, station.Point)
	}
	if st.Start.Point != raw {
		return geometry.BearingBetween(st.Start.Point, raw)
	}
	return st.Heading
}

// park handles the halted state. Entering it computes a slot position and
// retargets the segment there; leaving it releases the slot.
func (p *Pipeline) park(st *VehicleState, line *geometry.Line, now time.Time) bool {
	if st.Status != StatusStoppedAt {
		if st.Parking != nil {
			p.opts.Parking.Invalidate(st.Parking.StationID, st.Key)
			st.Parking = nil
		}
		return false
	}

	stationID := st.CurrentStopID
	if stationID == "" {
		stationID = st.NextStopID
	}
	if st.Parking != nil && st.Parking.StationID != stationID {
		p.opts.Parking.InvalidateVehicle(st.Key)
		st.Parking = nil
	}

	if st.Parking == nil {
		station, ok := p.opts.Stations.Get(stationID)
		if !ok || line == nil {
			return false
		}
		pos, err := p.opts.Parking.Calculate(stationID, st.Key, station.Point, line, p.parkingConfig(station, line), p.zoom)
		if err != nil {
			p.logger.Debug("Pipeline: parking unavailable", "vehicle", st.Key, "station", stationID, "error", err)
			return false
		}
		st.Parking = &pos
		if d := p.opts.Adapter.ParkingTransition; d > 0 {
			st.Duration = d
		}
	}

	st.Target = RawLocation(st.Parking.Point)
	st.SegmentStart = now
	st.Heading = st.Parking.ParkingBearing
	return true
}

// parkingConfig is the adapter's slot tuning, banded by line at stations
// served by several lines when the network groups by line.
func (p *Pipeline) parkingConfig(station network.Station, line *geometry.Line) parking.Config {
	cfg := p.opts.Adapter.Parking()
	if cfg.GroupByLine {
		cfg.LineGroup, cfg.LineGroups = parking.LineGroup(station.Lines, line.ID)
	}
	return cfg
}

// prune removes vehicles missing for longer than the grace period.
func (p *Pipeline) prune(now time.Time, seen map[string]bool) int {
	removed := 0
	for key, st := range p.vehicles {
		if seen[key] {
			continue
		}
		if now.Sub(st.LastSeen) > p.opts.GracePeriod {
			delete(p.vehicles, key)
			p.opts.Parking.InvalidateVehicle(key)
			removed++
			p.logger.Debug("Pipeline: removed vehicle", "vehicle", key, "lastSeen", st.LastSeen)
		}
	}
	return removed
}

// Tick advances every vehicle to now. A failure for one vehicle is logged
// and does not stop the others.
func (p *Pipeline) Tick(now time.Time) {
	for _, st := range p.vehicles {
		p.tickSafely(st, now)
	}
	p.prune(now, nil)
}

func (p *Pipeline) tickSafely(st *VehicleState, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Pipeline: tick failed", "vehicle", st.Key, "panic", fmt.Sprint(r))
		}
	}()

	loc := p.locationAt(st, now)
	st.Position = loc.Point
	if p.progress(st, now) >= 1 {
		st.Start = st.Target
	}
	if st.Parking == nil && loc.IsSnapped() {
		if line := p.lines[strings.ToUpper(loc.LineID)]; line != nil {
			_, bearing := geometry.Sample(line, loc.Distance)
			if st.Reversed {
				bearing = geometry.ReverseBearing(bearing)
			}
			st.Heading = bearing
		}
	}
}

func (p *Pipeline) progress(st *VehicleState, now time.Time) float64 {
	if st.Duration <= 0 {
		return 1
	}
	return geometry.Clamp(float64(now.Sub(st.SegmentStart))/float64(st.Duration), 0, 1)
}

// locationAt is where the vehicle is drawn at now within its current
// segment, using eased progress. Both ends on the same line interpolate the
// distance along it; anything else blends coordinates.
func (p *Pipeline) locationAt(st *VehicleState, now time.Time) Location {
	t := p.progress(st, now)
	if t >= 1 {
		return st.Target
	}
	if t <= 0 {
		return st.Start
	}
	eased := geometry.EaseInOutCubic(t)

	a, b := st.Start, st.Target
	if a.IsSnapped() && b.IsSnapped() && a.LineID == b.LineID {
		if line := p.lines[strings.ToUpper(a.LineID)]; line != nil {
			return SnappedLocation(line, a.Distance+(b.Distance-a.Distance)*eased)
		}
	}
	return RawLocation(geometry.InterpolateLinear(a.Point, b.Point, eased))
}

// SetZoom changes the map zoom. Parked vehicles move to the slot spacing of
// the new zoom, animated over the parking transition.
func (p *Pipeline) SetZoom(zoom float64, now time.Time) {
	if zoom == p.zoom {
		return
	}
	p.zoom = zoom
	for _, st := range p.vehicles {
		if st.Parking == nil {
			continue
		}
		line := p.lines[strings.ToUpper(st.Line)]
		station, ok := p.opts.Stations.Get(st.Parking.StationID)
		if !ok || line == nil {
			continue
		}
		pos, err := p.opts.Parking.Calculate(st.Parking.StationID, st.Key, station.Point, line, p.parkingConfig(station, line), zoom)
		if err != nil {
			continue
		}
		st.Start = p.locationAt(st, now)
		st.Parking = &pos
		st.Target = RawLocation(pos.Point)
		st.SegmentStart = now
		st.Duration = p.opts.Adapter.ParkingTransition
		st.Heading = pos.ParkingBearing
	}
}

// Zoom returns the current map zoom.
func (p *Pipeline) Zoom() float64 { return p.zoom }

// RenderPosition returns the drawn position: the sampled position plus the
// vehicle's lateral offset when it runs on a known line and is not parked.
func (p *Pipeline) RenderPosition(key string) (orb.Point, bool) {
	st, ok := p.vehicles[key]
	if !ok {
		return orb.Point{}, false
	}
	return p.renderPoint(st), true
}

func (p *Pipeline) renderPoint(st *VehicleState) orb.Point {
	meters := p.offsetMeters(st)
	if meters == 0 {
		return st.Position
	}
	return geometry.OffsetAlongBearing(st.Position, st.Heading+90, meters)
}

func (p *Pipeline) offsetMeters(st *VehicleState) float64 {
	if st.Line == "" || st.Parking != nil {
		return 0
	}
	return float64(parking.SlotOffset(st.OffsetIndex, p.opts.OffsetBuckets)) * p.opts.OffsetStepMeters
}

// Heading returns the vehicle's heading in degrees.
func (p *Pipeline) Heading(key string) (float64, bool) {
	st, ok := p.vehicles[key]
	if !ok {
		return 0, false
	}
	return st.Heading, true
}

// Vehicle returns a copy of a vehicle's state.
func (p *Pipeline) Vehicle(key string) (VehicleState, bool) {
	st, ok := p.vehicles[key]
	if !ok {
		return VehicleState{}, false
	}
	return *st, true
}

// Keys returns the tracked vehicle keys in sorted order.
func (p *Pipeline) Keys() []string {
	keys := make([]string, 0, len(p.vehicles))
	for k := range p.vehicles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Vehicles returns copies of every vehicle state sorted by key.
func (p *Pipeline) Vehicles() []VehicleState {
	out := make([]VehicleState, 0, len(p.vehicles))
	for _, k := range p.Keys() {
		out = append(out, *p.vehicles[k])
	}
	return out
}

// Diagnostics lists per-vehicle debug information at the current zoom.
func (p *Pipeline) Diagnostics() []Diagnostic {
	out := make([]Diagnostic, 0, len(p.vehicles))
	for _, k := range p.Keys() {
		st := p.vehicles[k]
		d := Diagnostic{
			VehicleKey:   st.Key,
			Line:         st.Line,
			Status:       st.Status,
			OffsetIndex:  st.OffsetIndex,
			OffsetMeters: p.offsetMeters(st),
			Zoom:         p.zoom,
			Position:     p.renderPoint(st),
			Heading:      st.Heading,
			Source:       st.Source,
			SpeedMPS:     st.SpeedMPS,
			SpeedAnomaly: st.SpeedAnomaly,
			Parked:       st.Parking != nil,
		}
		if st.Parking != nil {
			d.StationID = st.Parking.StationID
			d.OffsetMeters = st.Parking.OffsetMeters
		}
		out = append(out, d)
	}
	return out
}

func snapshotPoint(s *Snapshot) (orb.Point, bool) {
	if s.Latitude == nil || s.Longitude == nil {
		return orb.Point{}, false
	}
	if !geometry.ValidCoordinate(*s.Latitude, *s.Longitude) {
		return orb.Point{}, false
	}
	return orb.Point{*s.Longitude, *s.Latitude}, true
}

func delaySeconds(s *Snapshot) int {
	if s.ArrivalDelaySeconds != nil {
		return *s.ArrivalDelaySeconds
	}
	if s.DepartureDelaySeconds != nil {
		return *s.DepartureDelaySeconds
	}
	return 0
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
