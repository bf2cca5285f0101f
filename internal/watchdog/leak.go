package watchdog

import "time"

// Point is one sample of a rolling series.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// DetectMemoryLeak applies the default policy's leak heuristic.
func DetectMemoryLeak(samples []Point) bool {
	return DefaultPolicy().DetectMemoryLeak(samples)
}

// DetectMemoryLeak reports a leak when, among the last LeakSamples points,
// the share of strictly increasing consecutive pairs exceeds LeakRatio.
// With the defaults (10 points, 9 pairs, 0.89) all 9 pairs must increase.
// Fewer than LeakSamples points never count.
func (p Policy) DetectMemoryLeak(samples []Point) bool {
	n := p.LeakSamples
	if n < 2 || len(samples) < n {
		return false
	}
	recent := samples[len(samples)-n:]
	increasing := 0
	for i := 1; i < len(recent); i++ {
		if recent[i].Value > recent[i-1].Value {
			increasing++
		}
	}
	return float64(increasing)/float64(n-1) > p.LeakRatio
}
