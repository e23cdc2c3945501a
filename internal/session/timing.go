package session

import (
	"fmt"
	"time"
)

// Timing holds the sample-count and interval arithmetic derived from the
// session configuration. Computed once at startup; pure and immutable.
type Timing struct {
	// OnTimeMs is the stimulus on-time.
	OnTimeMs int

	// OffTimeMs is the rest time between stimuli of one class: the on-time
	// of every other class.
	OffTimeMs int

	// PredictionIntervalMs is double one full stimulus cycle, so the epoch
	// captures a complete cycle plus margin even if the boundary marker
	// arrives late.
	PredictionIntervalMs int

	// PredictionDatapoints is PredictionIntervalMs converted to samples at
	// the session sampling rate.
	PredictionDatapoints int

	// SamplingRate is samples per second per channel.
	SamplingRate float64
}

// NewTiming derives the session timing from the stimulus on-time, class
// count and sampling rate. A non-positive sampling rate or class count is a
// programmer error and panics: the board reports its rate before any Timing
// is constructed, so a bad value here means wiring is broken.
func NewTiming(onTimeMs, nClasses int, samplingRate float64) Timing {
	if samplingRate <= 0 {
		panic(fmt.Sprintf("session: sampling rate must be positive, got %v", samplingRate))
	}
	if nClasses < 1 {
		panic(fmt.Sprintf("session: nclasses must be at least 1, got %d", nClasses))
	}
	offTime := onTimeMs * (nClasses - 1)
	interval := 2 * (onTimeMs + offTime)
	return Timing{
		OnTimeMs:             onTimeMs,
		OffTimeMs:            offTime,
		PredictionIntervalMs: interval,
		PredictionDatapoints: int(float64(interval) * samplingRate / 1000),
		SamplingRate:         samplingRate,
	}
}

// WindowDatapoints converts the rolling-window duration to samples.
func (t Timing) WindowDatapoints(windowSeconds int) int {
	return windowSeconds * int(t.SamplingRate)
}

// TrainingDatapoints converts an elapsed training duration to a sample
// count. One extra second of margin is added so the epoch always covers the
// full training run even when the commit marker lags the last stimulus.
func (t Timing) TrainingDatapoints(elapsed time.Duration) int {
	return int((elapsed.Seconds() + 1) * t.SamplingRate)
}
