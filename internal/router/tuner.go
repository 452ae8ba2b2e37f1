package router

// Tuner adjusts the HYBRID strategy weights from observed latency samples.
// It is deliberately pluggable: the default heuristic only looks at the
// global average and can be swapped out without touching the scoring core.
type Tuner interface {
	Tune(current Weights, samples []float64) Weights
}

// LatencyTuner is the best-effort default heuristic. High global average
// latency shifts weight toward distance, very low latency toward load.
// It makes no per-server decisions and guarantees no optimum.
type LatencyTuner struct {
	HighWatermarkMS float64
	LowWatermarkMS  float64
}

func NewLatencyTuner() *LatencyTuner {
	return &LatencyTuner{HighWatermarkMS: 500, LowWatermarkMS: 100}
}

func (t *LatencyTuner) Tune(current Weights, samples []float64) Weights {
	if len(samples) == 0 {
		return current
	}

	var total float64
	for _, s := range samples {
		total += s
	}
	avg := total / float64(len(samples))

	switch {
	case avg > t.HighWatermarkMS:
		return Weights{Distance: 0.5, Performance: 0.3, Load: 0.2}
	case avg < t.LowWatermarkMS:
		return Weights{Distance: 0.2, Performance: 0.3, Load: 0.5}
	default:
		return current
	}
}
