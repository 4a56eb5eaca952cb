package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWelford(t *testing.T) {
	var w Welford
	assert.Equal(t, 0.0, w.StdDev())

	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		w.Add(v)
	}
	assert.Equal(t, 8, w.Count)
	assert.InDelta(t, 5, w.Mean, 1e-12)
	assert.InDelta(t, 2, w.StdDev(), 1e-12)
	assert.Equal(t, 9.0, w.Max)
}

func TestWelfordMerge(t *testing.T) {
	values := []float64{10, 12, 23, 23, 16, 23, 21, 16}

	var all, a, b Welford
	for i, v := range values {
		all.Add(v)
		if i < 3 {
			a.Add(v)
		} else {
			b.Add(v)
		}
	}

	a.Merge(b)
	assert.Equal(t, all.Count, a.Count)
	assert.InDelta(t, all.Mean, a.Mean, 1e-9)
	assert.InDelta(t, all.StdDev(), a.StdDev(), 1e-9)
	assert.Equal(t, all.Max, a.Max)

	var empty Welford
	empty.Merge(all)
	assert.Equal(t, all, empty)
}

func TestSpeedStats(t *testing.T) {
	s := NewSpeedStats()
	s.Observe("R2", 20, false)
	s.Observe("R2", 30, false)
	s.Observe("R1", 1000, true)
	s.Observe("R1", 33.3, false)

	sums := s.Summaries()
	require.Len(t, sums, 2)
	assert.Equal(t, "R1", sums[0].Line)
	assert.Equal(t, 1, sums[0].Samples)
	assert.Equal(t, 1, sums[0].Anomalies)
	assert.InDelta(t, 33.3, sums[0].MaxMPS, 1e-9)

	assert.Equal(t, "R2", sums[1].Line)
	assert.InDelta(t, 25, sums[1].MeanMPS, 1e-9)
	assert.InDelta(t, 5, sums[1].StdDevMPS, 1e-9)

	overall := s.Overall()
	assert.Equal(t, 3, overall.Count)
	assert.False(t, math.IsNaN(overall.Mean))
	assert.InDelta(t, (20+30+33.3)/3, overall.Mean, 1e-9)

	sum := s.OverallSummary()
	assert.Equal(t, "*", sum.Line)
	assert.Equal(t, 3, sum.Samples)
	assert.Equal(t, 1, sum.Anomalies)
	assert.InDelta(t, 33.3, sum.MaxMPS, 1e-9)
}
