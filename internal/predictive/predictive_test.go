package predictive

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mini-rodalies-3d/tracker/internal/network"
)

func testStops() []StopTime {
	return []StopTime{
		{TripID: "t1", StopID: "A", Point: orb.Point{2.00, 41.00}, Sequence: 1, ArrivalSeconds: 28800, DepartureSeconds: 28800},
		{TripID: "t1", StopID: "B", Point: orb.Point{2.00, 41.02}, Sequence: 2, ArrivalSeconds: 29040, DepartureSeconds: 29100},
		{TripID: "t1", StopID: "C", Point: orb.Point{2.00, 41.10}, Sequence: 3, ArrivalSeconds: 30900, DepartureSeconds: 30900},
	}
}

func TestEstimateAt(t *testing.T) {
	stops := testStops()

	tests := []struct {
		name       string
		now        int
		delay      int
		ok         bool
		prev, next string
		progress   float64
		lat        float64
	}{
		{"before departure", 28000, 0, true, "A", "B", 0, 41.00},
		{"halfway first segment", 28920, 0, true, "A", "B", 0.5, 41.01},
		{"delay shifts schedule back", 29040, 120, true, "A", "B", 0.5, 41.01},
		{"dwelling at B", 29060, 0, true, "B", "C", 0, 41.02},
		{"quarter of second segment", 29550, 0, true, "B", "C", 0.25, 41.04},
		{"finished", 31000, 0, false, "", "", 0, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			est, ok := EstimateAt(stops, tc.now, tc.delay)
			require.Equal(t, tc.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tc.prev, est.PrevStopID)
			assert.Equal(t, tc.next, est.NextStopID)
			assert.InDelta(t, tc.progress, est.Progress, 1e-9)
			assert.InDelta(t, tc.lat, est.Point.Lat(), 1e-9)
			assert.InDelta(t, 0, est.Bearing, 1e-6)
		})
	}

	_, ok := EstimateAt(stops[:1], 28000, 0)
	assert.False(t, ok)
}

func TestSegmentConfidence(t *testing.T) {
	assert.Equal(t, maxConfidence, segmentConfidence(240))
	assert.InDelta(t, 0.70, segmentConfidence(600), 1e-9)
	assert.Equal(t, minConfidence, segmentConfidence(7200))

	// B to C is scheduled at 30 minutes.
	est, ok := EstimateAt(testStops(), 30000, 0)
	require.True(t, ok)
	assert.Equal(t, minConfidence, est.Confidence)
}

func enabledConfig() network.PredictiveConfig {
	cfg := network.DefaultAdapter(network.NetworkRodalies).Predictive
	cfg.Enabled = true
	return cfg
}

func TestBlend(t *testing.T) {
	c := NewCalculator(enabledConfig(), nil)
	gps := orb.Point{2.0, 41.0}
	pred := &Estimate{Point: orb.Point{2.1, 41.1}, Confidence: 0.9}

	t.Run("fresh gps and confident prediction", func(t *testing.T) {
		res := c.Blend(Input{GPS: gps, HasGPS: true, GPSAge: 10 * time.Second, Prediction: pred})
		assert.Equal(t, SourceBlended, res.Source)
		assert.InDelta(t, 2.03, res.Point[0], 1e-9)
		assert.InDelta(t, 41.03, res.Point[1], 1e-9)
	})

	t.Run("stale gps", func(t *testing.T) {
		res := c.Blend(Input{GPS: gps, HasGPS: true, GPSAge: 2 * time.Minute, Prediction: pred})
		assert.Equal(t, SourcePredicted, res.Source)
		assert.Equal(t, pred.Point, res.Point)
	})

	t.Run("missing gps", func(t *testing.T) {
		res := c.Blend(Input{Prediction: pred})
		assert.Equal(t, SourcePredicted, res.Source)
	})

	t.Run("low confidence", func(t *testing.T) {
		res := c.Blend(Input{GPS: gps, HasGPS: true, Prediction: &Estimate{Point: pred.Point, Confidence: 0.2}})
		assert.Equal(t, SourceGPS, res.Source)
		assert.Equal(t, gps, res.Point)
	})

	t.Run("no prediction", func(t *testing.T) {
		res := c.Blend(Input{GPS: gps, HasGPS: true})
		assert.Equal(t, SourceGPS, res.Source)
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := enabledConfig()
		cfg.Enabled = false
		res := NewCalculator(cfg, nil).Blend(Input{GPS: gps, HasGPS: true, Prediction: pred})
		assert.Equal(t, SourceGPS, res.Source)
	})
}

func TestApproach(t *testing.T) {
	c := NewCalculator(enabledConfig(), nil)
	got := c.Approach(orb.Point{0, 0}, orb.Point{1, 2})
	assert.InDelta(t, 0.15, got[0], 1e-9)
	assert.InDelta(t, 0.30, got[1], 1e-9)
}

type stubStore struct {
	calls atomic.Int32
	stops []StopTime
	err   error
}

func (s *stubStore) StopTimes(_ context.Context, _ string) ([]StopTime, error) {
	s.calls.Add(1)
	return s.stops, s.err
}

func TestPredict(t *testing.T) {
	store := &stubStore{stops: testStops()}
	c := NewCalculator(enabledConfig(), store, WithLocation(time.UTC))

	now := time.Date(2025, 3, 1, 8, 2, 0, 0, time.UTC) // 28920s
	est, err := c.Predict(context.Background(), "t1", 0, now)
	require.NoError(t, err)
	require.NotNil(t, est)
	assert.InDelta(t, 0.5, est.Progress, 1e-9)

	_, err = c.Predict(context.Background(), "t1", 0, now)
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.calls.Load())
	assert.Equal(t, int64(1), c.CacheStats().Hits)
}

func TestPredictError(t *testing.T) {
	boom := errors.New("db down")
	c := NewCalculator(enabledConfig(), &stubStore{err: boom}, WithLocation(time.UTC))

	_, err := c.Predict(context.Background(), "t1", 0, time.Now())
	assert.ErrorIs(t, err, boom)
}

func TestPredictCached(t *testing.T) {
	store := &stubStore{stops: testStops()}
	c := NewCalculator(enabledConfig(), store, WithLocation(time.UTC))
	now := time.Date(2025, 3, 1, 8, 2, 0, 0, time.UTC)

	assert.Nil(t, c.PredictCached(context.Background(), "", 0, now))
	assert.Nil(t, c.PredictCached(context.Background(), "t1", 0, now))

	require.Eventually(t, func() bool {
		return c.PredictCached(context.Background(), "t1", 0, now) != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), store.calls.Load())
}
