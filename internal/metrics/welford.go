// Package metrics keeps running statistics about observed vehicle motion.
package metrics

import "math"

// Welford accumulates mean and variance in O(1) space using Welford's online
// algorithm. The zero value is ready to use.
type Welford struct {
	Count int
	Mean  float64
	M2    float64 // sum of squared differences from the mean
	Max   float64
}

// Add records one observation.
func (w *Welford) Add(v float64) {
	w.Count++
	delta := v - w.Mean
	w.Mean += delta / float64(w.Count)
	w.M2 += delta * (v - w.Mean)
	if w.Count == 1 || v > w.Max {
		w.Max = v
	}
}

// StdDev returns the population standard deviation, 0 below two observations.
func (w *Welford) StdDev() float64 {
	if w.Count < 2 {
		return 0
	}
	return math.Sqrt(w.M2 / float64(w.Count))
}

// Merge folds other into w (Chan et al. parallel variant).
func (w *Welford) Merge(other Welford) {
	if other.Count == 0 {
		return
	}
	if w.Count == 0 {
		*w = other
		return
	}
	n := w.Count + other.Count
	delta := other.Mean - w.Mean
	mean := w.Mean + delta*float64(other.Count)/float64(n)
	w.M2 += other.M2 + delta*delta*float64(w.Count)*float64(other.Count)/float64(n)
	w.Mean = mean
	w.Count = n
	w.Max = math.Max(w.Max, other.Max)
}
