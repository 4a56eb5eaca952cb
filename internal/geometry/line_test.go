package geometry

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreprocessLine(t *testing.T) {
	t.Run("cumulative distances", func(t *testing.T) {
		line := northLine(t, 2000, 5)

		require.Len(t, line.CumulativeDistances, 5)
		require.Len(t, line.SegmentBearings, 4)
		assert.Equal(t, 0.0, line.CumulativeDistances[0])
		for i := 1; i < len(line.CumulativeDistances); i++ {
			assert.LessOrEqual(t, line.CumulativeDistances[i-1], line.CumulativeDistances[i])
		}
		assert.InDelta(t, 2000, line.TotalLength, 1e-6)
		for _, b := range line.SegmentBearings {
			assert.InDelta(t, 0, b, 1e-6)
		}
	})

	t.Run("drops duplicates and invalid vertices", func(t *testing.T) {
		line, ok := PreprocessLine("L1", []orb.Point{
			{2.0, 41.0}, {2.0, 41.0}, {0, 0}, {2.0, 41.01},
		})
		require.True(t, ok)
		assert.Len(t, line.Coordinates, 2)
	})

	t.Run("too few vertices", func(t *testing.T) {
		_, ok := PreprocessLine("L1", []orb.Point{{2.0, 41.0}})
		assert.False(t, ok)

		_, ok = PreprocessLine("L1", []orb.Point{{2.0, 41.0}, {2.0, 41.0}})
		assert.False(t, ok)

		_, ok = PreprocessLine("L1", nil)
		assert.False(t, ok)
	})
}

func TestSnap(t *testing.T) {
	line := northLine(t, 2000, 5)

	t.Run("point beside the line", func(t *testing.T) {
		onLine, _ := Sample(line, 700)
		raw := OffsetAlongBearing(onLine, 90, 50)

		snap, ok := Snap(raw, line, DefaultMaxSnapDistance)
		require.True(t, ok)
		assert.Equal(t, "R1", snap.LineID)
		assert.InDelta(t, 700, snap.Distance, 0.5)
		assert.InDelta(t, 50, snap.Perpendicular, 0.5)
		assert.InDelta(t, 0, snap.Bearing, 1e-6)
		assert.Equal(t, 1, snap.Segment)
	})

	t.Run("out of range", func(t *testing.T) {
		onLine, _ := Sample(line, 1000)
		raw := OffsetAlongBearing(onLine, 270, 300)

		_, ok := Snap(raw, line, DefaultMaxSnapDistance)
		assert.False(t, ok)

		snap, ok := Snap(raw, line, 400)
		require.True(t, ok)
		assert.InDelta(t, 300, snap.Perpendicular, 1)
	})

	t.Run("beyond the end clamps to the last vertex", func(t *testing.T) {
		end := line.Coordinates[len(line.Coordinates)-1]
		raw := OffsetAlongBearing(end, 0, 80)

		snap, ok := Snap(raw, line, DefaultMaxSnapDistance)
		require.True(t, ok)
		assert.InDelta(t, line.TotalLength, snap.Distance, 1e-6)
		assert.InDelta(t, 80, snap.Perpendicular, 0.5)
	})

	t.Run("tie goes to the first segment", func(t *testing.T) {
		// Point exactly on the shared vertex between segments 0 and 1.
		snap, ok := Snap(line.Coordinates[1], line, DefaultMaxSnapDistance)
		require.True(t, ok)
		assert.Equal(t, 0, snap.Segment)
		assert.InDelta(t, line.CumulativeDistances[1], snap.Distance, 1e-6)
	})

	t.Run("nil line", func(t *testing.T) {
		_, ok := Snap(orb.Point{2, 41}, nil, 100)
		assert.False(t, ok)
	})

	t.Run("large radius scans everything", func(t *testing.T) {
		raw := OffsetAlongBearing(line.Coordinates[2], 90, 60_000)
		snap, ok := Snap(raw, line, 100_000)
		require.True(t, ok)
		assert.InDelta(t, line.CumulativeDistances[2], snap.Distance, 50)
	})
}

func TestSample(t *testing.T) {
	line := northLine(t, 2000, 5)

	tests := []struct {
		name     string
		distance float64
		expected float64
	}{
		{"start", 0, 0},
		{"inside", 1234, 1234},
		{"vertex", 500, 500},
		{"end", 2000, 2000},
		{"before start clamps", -100, 0},
		{"after end clamps", 5000, 2000},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, bearing := Sample(line, tc.distance)
			assert.InDelta(t, tc.expected, Distance(line.Coordinates[0], p), 1e-3)
			assert.InDelta(t, 0, bearing, 1e-6)
		})
	}
}

func TestSampleBendingLine(t *testing.T) {
	start := orb.Point{2.0, 41.0}
	corner := OffsetAlongBearing(start, 0, 1000)
	end := OffsetAlongBearing(corner, 90, 1000)
	line, ok := PreprocessLine("L5", []orb.Point{start, corner, end})
	require.True(t, ok)

	_, b1 := Sample(line, 500)
	_, b2 := Sample(line, 1500)
	assert.InDelta(t, 0, b1, 0.5)
	assert.InDelta(t, 90, b2, 0.5)

	p, _ := Sample(line, 1500)
	snap, ok := Snap(p, line, 10)
	require.True(t, ok)
	assert.InDelta(t, 1500, snap.Distance, 1)
}
