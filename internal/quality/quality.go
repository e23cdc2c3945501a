// Package quality scores per-channel signal quality from the recent
// amplitude distribution.
package quality

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/cortex-data/cortex.stream/internal/window"
)

// Threshold is one row of the ordered quality table.
type Threshold struct {
	Low   float64
	High  float64
	Label string
	Score float64
}

// Report is the quality bucket assigned to one channel for one tick.
type Report struct {
	Channel   string  `json:"channel"`
	Label     string  `json:"label"`
	Amplitude float64 `json:"amplitude"`
	Score     float64 `json:"score"`
}

// fallback is applied when no configured range matches.
const (
	fallbackLabel = "red"
	fallbackScore = 0.0
)

// percentile of the amplitude distribution used as the channel's
// representative amplitude.
const percentile = 0.75

// Scorer maps channel amplitude distributions to quality buckets via an
// ordered threshold table. The table is scanned in configured order and the
// first inclusive match wins; operators must order overlapping ranges
// deliberately.
type Scorer struct {
	thresholds []Threshold
	channels   []string
}

// NewScorer builds a scorer for the given channel names.
func NewScorer(thresholds []Threshold, channels []string) *Scorer {
	return &Scorer{thresholds: thresholds, channels: channels}
}

// Score produces one report per channel of snap. Channels beyond the
// configured name list get empty names; empty channels score the fallback.
func (s *Scorer) Score(snap *window.Snapshot) []Report {
	reports := make([]Report, snap.Channels())
	for ch := range snap.Data {
		name := ""
		if ch < len(s.channels) {
			name = s.channels[ch]
		}
		amp := channelAmplitude(snap.Data[ch])
		label, score := s.bucket(amp)
		reports[ch] = Report{
			Channel:   name,
			Label:     label,
			Amplitude: math.Round(amp*100) / 100,
			Score:     score,
		}
	}
	return reports
}

// ScoreChannel buckets a single channel's samples.
func (s *Scorer) ScoreChannel(data []float64) Report {
	amp := channelAmplitude(data)
	label, score := s.bucket(amp)
	return Report{Label: label, Amplitude: math.Round(amp*100) / 100, Score: score}
}

func (s *Scorer) bucket(amplitude float64) (string, float64) {
	for _, t := range s.thresholds {
		if amplitude >= t.Low && amplitude <= t.High {
			return t.Label, t.Score
		}
	}
	return fallbackLabel, fallbackScore
}

// channelAmplitude is the 75th percentile of the raw sample distribution.
// NaN (empty channel) maps outside every finite range and so scores the
// fallback bucket.
func channelAmplitude(data []float64) float64 {
	if len(data) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	return stat.Quantile(percentile, stat.Empirical, sorted, nil)
}
