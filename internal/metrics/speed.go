package metrics

import (
	"sort"
	"sync"
)

// SpeedSummary is the exported view of one line's speed statistics.
type SpeedSummary struct {
	Line      string  `json:"line"`
	Samples   int     `json:"samples"`
	MeanMPS   float64 `json:"meanMps"`
	StdDevMPS float64 `json:"stdDevMps"`
	MaxMPS    float64 `json:"maxMps"`
	Anomalies int     `json:"anomalies"`
}

// SpeedStats tracks validated along-line speeds per line. Safe for
// concurrent use; the pipeline writes and the API reads.
type SpeedStats struct {
	mu        sync.Mutex
	lines     map[string]*Welford
	anomalies map[string]int
}

// NewSpeedStats returns empty statistics.
func NewSpeedStats() *SpeedStats {
	return &SpeedStats{
		lines:     make(map[string]*Welford),
		anomalies: make(map[string]int),
	}
}

// Observe records a speed sample for line. Anomalous samples are counted but
// kept out of the running mean.
func (s *SpeedStats) Observe(line string, mps float64, anomaly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if anomaly {
		s.anomalies[line]++
		if _, ok := s.lines[line]; !ok {
			s.lines[line] = &Welford{}
		}
		return
	}
	w, ok := s.lines[line]
	if !ok {
		w = &Welford{}
		s.lines[line] = w
	}
	w.Add(mps)
}

// Summaries returns one entry per line, sorted by line code.
func (s *SpeedStats) Summaries() []SpeedSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SpeedSummary, 0, len(s.lines))
	for line, w := range s.lines {
		out = append(out, SpeedSummary{
			Line:      line,
			Samples:   w.Count,
			MeanMPS:   w.Mean,
			StdDevMPS: w.StdDev(),
			MaxMPS:    w.Max,
			Anomalies: s.anomalies[line],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out
}

// Overall merges every line into one accumulator.
func (s *SpeedStats) Overall() Welford {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total Welford
	for _, w := range s.lines {
		total.Merge(*w)
	}
	return total
}

// OverallSummary is Overall as a SpeedSummary with line "*".
func (s *SpeedStats) OverallSummary() SpeedSummary {
	total := s.Overall()

	s.mu.Lock()
	anomalies := 0
	for _, n := range s.anomalies {
		anomalies += n
	}
	s.mu.Unlock()

	return SpeedSummary{
		Line:      "*",
		Samples:   total.Count,
		MeanMPS:   total.Mean,
		StdDevMPS: total.StdDev(),
		MaxMPS:    total.Max,
		Anomalies: anomalies,
	}
}
