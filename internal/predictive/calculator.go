package predictive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulmach/orb"

	"github.com/mini-rodalies-3d/tracker/internal/geometry"
	"github.com/mini-rodalies-3d/tracker/internal/network"
	"github.com/mini-rodalies-3d/tracker/internal/tripcache"
)

// MadridTimezone is the timezone schedules are published in.
const MadridTimezone = "Europe/Madrid"

// Source tags which input produced a position.
type Source string

const (
	SourceGPS       Source = "gps"
	SourcePredicted Source = "predicted"
	SourceBlended   Source = "blended"
)

// StopTimeSource loads the scheduled calls of a trip.
type StopTimeSource interface {
	StopTimes(ctx context.Context, tripID string) ([]StopTime, error)
}

// Input is everything Blend needs for one vehicle.
type Input struct {
	GPS        orb.Point
	HasGPS     bool
	GPSAge     time.Duration
	Prediction *Estimate
}

// Result is the chosen position and the source it came from.
type Result struct {
	Point      orb.Point
	Source     Source
	Confidence float64
}

// Calculator blends GPS fixes with schedule estimates.
type Calculator struct {
	cfg    network.PredictiveConfig
	source StopTimeSource
	cache  *tripcache.Cache[[]StopTime]
	loc    *time.Location
	logger *slog.Logger
}

// CalculatorOption configures a Calculator.
type CalculatorOption func(*Calculator)

// WithLocation sets the timezone used to compute schedule seconds.
func WithLocation(loc *time.Location) CalculatorOption {
	return func(c *Calculator) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CalculatorOption {
	return func(c *Calculator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCacheClock injects the trip cache clock.
func WithCacheClock(now func() time.Time) CalculatorOption {
	return func(c *Calculator) {
		c.cache = tripcache.New(c.fetchFunc(c.source), tripcache.WithTTL(c.cfg.TripCacheTTL),
			tripcache.WithCapacity(c.cfg.TripCacheCapacity), tripcache.WithClock(now))
	}
}

// NewCalculator returns a calculator reading stop times through a trip cache
// sized from cfg.
func NewCalculator(cfg network.PredictiveConfig, source StopTimeSource, opts ...CalculatorOption) *Calculator {
	c := &Calculator{cfg: cfg, logger: slog.Default(), source: source}
	loc, err := time.LoadLocation(MadridTimezone)
	if err != nil {
		loc = time.UTC
	}
	c.loc = loc
	c.cache = tripcache.New(c.fetchFunc(source), tripcache.WithTTL(cfg.TripCacheTTL),
		tripcache.WithCapacity(cfg.TripCacheCapacity))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Calculator) fetchFunc(source StopTimeSource) tripcache.FetchFunc[[]StopTime] {
	return func(ctx context.Context, tripID string) ([]StopTime, error) {
		stops, err := source.StopTimes(ctx, tripID)
		if err != nil {
			c.logger.Warn("Predictive: stop times fetch failed", "trip", tripID, "error", err)
			return nil, fmt.Errorf("failed to load stop times for trip %s: %w", tripID, err)
		}
		return stops, nil
	}
}

// Config returns the tuning in use.
func (c *Calculator) Config() network.PredictiveConfig { return c.cfg }

// CacheStats exposes the trip cache counters.
func (c *Calculator) CacheStats() tripcache.Stats { return c.cache.Stats() }

// Blend picks the output position:
//   - fresh GPS and a confident prediction: weighted blend
//   - stale or missing GPS and a confident prediction: prediction
//   - otherwise: GPS
func (c *Calculator) Blend(in Input) Result {
	confident := in.Prediction != nil && in.Prediction.Confidence >= c.cfg.MinConfidence
	fresh := in.HasGPS && in.GPSAge < c.cfg.GPSStaleThreshold

	switch {
	case !c.cfg.Enabled || !confident:
		return Result{Point: in.GPS, Source: SourceGPS, Confidence: 1}
	case fresh:
		p := orb.Point{
			c.cfg.PredictedWeight*in.Prediction.Point[0] + c.cfg.GPSWeight*in.GPS[0],
			c.cfg.PredictedWeight*in.Prediction.Point[1] + c.cfg.GPSWeight*in.GPS[1],
		}
		return Result{Point: p, Source: SourceBlended, Confidence: in.Prediction.Confidence}
	default:
		return Result{Point: in.Prediction.Point, Source: SourcePredicted, Confidence: in.Prediction.Confidence}
	}
}

// Approach moves from toward to by the configured interpolation rate. Used to
// ease predicted-only positions instead of jumping to each new estimate.
func (c *Calculator) Approach(from, to orb.Point) orb.Point {
	rate := c.cfg.InterpolationRate
	if rate <= 0 {
		return to
	}
	return geometry.InterpolateLinear(from, to, rate)
}

// Predict loads the trip's stop times (cached) and estimates its position at
// now. Fetch failures are returned so the caller can fall back to GPS.
func (c *Calculator) Predict(ctx context.Context, tripID string, delaySeconds int, now time.Time) (*Estimate, error) {
	stops, err := c.cache.GetOrFetch(ctx, tripID)
	if err != nil {
		return nil, err
	}
	return c.estimate(stops, delaySeconds, now), nil
}

// PredictCached is the non-blocking form of Predict used from the render
// path. On a cache miss it starts a background fetch and returns nil.
func (c *Calculator) PredictCached(ctx context.Context, tripID string, delaySeconds int, now time.Time) *Estimate {
	if tripID == "" {
		return nil
	}
	stops, ok := c.cache.Peek(tripID)
	if !ok {
		c.cache.Prefetch(ctx, tripID)
		return nil
	}
	return c.estimate(stops, delaySeconds, now)
}

func (c *Calculator) estimate(stops []StopTime, delaySeconds int, now time.Time) *Estimate {
	est, ok := EstimateAt(stops, SecondsSinceMidnight(now.In(c.loc)), delaySeconds)
	if !ok {
		return nil
	}
	return &est
}
