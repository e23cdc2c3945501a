// Package classify provides the built-in band-power classifier. It is a
// deliberately simple nearest-centroid model so the daemon works end to end
// without an external model server; the dispatcher accepts any
// predict.Classifier, so swapping it out is a wiring change.
package classify

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/cortex-data/cortex.stream/internal/dsp"
	"github.com/cortex-data/cortex.stream/internal/predict"
	"github.com/cortex-data/cortex.stream/internal/window"
)

var (
	// ErrNotTrained rejects predictions before any training run.
	ErrNotTrained = errors.New("classify: model has not been trained")

	// ErrNoEpochs means the training snapshot carried no usable class
	// markers.
	ErrNoEpochs = errors.New("classify: no labelled epochs in training window")
)

// ModelVersion identifies the built-in model in prediction records.
const ModelVersion = "bandpower-centroid-v1"

// BandPowerClassifier learns one relative-band-power centroid per class
// from marker-aligned epochs and predicts the nearest centroid. Relative
// powers (each channel's bands normalized to sum 1) make the features
// insensitive to the differing lengths of training and prediction epochs.
type BandPowerClassifier struct {
	rate        float64
	bands       []dsp.Band
	nClasses    int
	epochLength int // samples per training epoch (stimulus on-time)

	mu        sync.RWMutex
	trained   bool
	centroids map[int][]float64
	counts    map[int]int
}

// New builds an untrained classifier. epochLength is the stimulus on-time
// in samples; each class marker labels that many following samples.
func New(rate float64, bands []dsp.Band, nClasses, epochLength int) *BandPowerClassifier {
	return &BandPowerClassifier{
		rate:        rate,
		bands:       bands,
		nClasses:    nClasses,
		epochLength: epochLength,
		centroids:   make(map[int][]float64),
		counts:      make(map[int]int),
	}
}

// Trained reports whether at least one training run succeeded.
func (c *BandPowerClassifier) Trained() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trained
}

// Train replaces the model with centroids learned from the marker-aligned
// epochs of snap. With oversample, class priors are flattened so imbalanced
// recordings do not bias prediction toward the majority class; priors are
// otherwise proportional to epoch counts.
func (c *BandPowerClassifier) Train(snap *window.Snapshot, oversample bool) error {
	sums := make(map[int][]float64)
	counts := make(map[int]int)

	for i, mv := range snap.Marker {
		class := int(mv)
		if class < 1 || class > c.nClasses {
			continue
		}
		end := i + c.epochLength
		if end > snap.Samples() {
			end = snap.Samples()
		}
		feats, err := c.features(subSnapshot(snap, i, end))
		if err != nil {
			continue // epoch too short; the tail of a window
		}
		if sums[class] == nil {
			sums[class] = make([]float64, len(feats))
		}
		for j, f := range feats {
			sums[class][j] += f
		}
		counts[class]++
	}

	if len(sums) == 0 {
		return ErrNoEpochs
	}

	centroids := make(map[int][]float64, len(sums))
	for class, sum := range sums {
		n := float64(counts[class])
		mean := make([]float64, len(sum))
		for j, v := range sum {
			mean[j] = v / n
		}
		centroids[class] = mean
	}

	c.mu.Lock()
	c.centroids = centroids
	c.counts = counts
	if oversample {
		// Flat priors: every class counts once.
		for class := range c.counts {
			c.counts[class] = 1
		}
	}
	c.trained = true
	c.mu.Unlock()
	return nil
}

// Predict scores snap against every class centroid and returns the nearest.
// With withProbabilities, per-class scores are attached; with grouped they
// are normalized to sum to one, otherwise they are raw prior-scaled
// similarities.
func (c *BandPowerClassifier) Predict(snap *window.Snapshot, withProbabilities, grouped bool) (predict.Output, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.trained {
		return predict.Output{}, ErrNotTrained
	}

	feats, err := c.features(snap)
	if err != nil {
		return predict.Output{}, fmt.Errorf("classify: feature extraction failed: %w", err)
	}

	total := 0
	for _, n := range c.counts {
		total += n
	}

	scores := make([]float64, c.nClasses)
	best, bestScore := 0, math.Inf(-1)
	for class := 1; class <= c.nClasses; class++ {
		centroid, ok := c.centroids[class]
		if !ok {
			continue
		}
		prior := float64(c.counts[class]) / float64(total)
		s := prior * math.Exp(-distance(feats, centroid))
		scores[class-1] = s
		if s > bestScore {
			best, bestScore = class, s
		}
	}

	out := predict.Output{Label: best}
	if withProbabilities {
		if grouped {
			normalize(scores)
		}
		out.Probabilities = scores
	}
	return out, nil
}

// features computes the flattened relative band-power vector of snap.
func (c *BandPowerClassifier) features(snap *window.Snapshot) ([]float64, error) {
	table, err := dsp.ExtractBandPowers(snap, c.rate, c.bands, nil)
	if err != nil {
		return nil, err
	}
	feats := make([]float64, 0, snap.Channels()*len(c.bands))
	for ch := range table.Values {
		row := table.Row(ch)
		var sum float64
		for _, p := range row {
			sum += p
		}
		for _, p := range row {
			if sum > 0 {
				feats = append(feats, p/sum)
			} else {
				feats = append(feats, 0)
			}
		}
	}
	return feats, nil
}

func distance(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		s += d * d
	}
	return math.Sqrt(s)
}

func normalize(scores []float64) {
	var sum float64
	for _, s := range scores {
		sum += s
	}
	if sum == 0 {
		return
	}
	for i := range scores {
		scores[i] /= sum
	}
}

// subSnapshot is a read-only view of columns [start, end).
func subSnapshot(snap *window.Snapshot, start, end int) *window.Snapshot {
	sub := &window.Snapshot{
		Data:       make([][]float64, snap.Channels()),
		Timestamps: snap.Timestamps[start:end],
		Marker:     snap.Marker[start:end],
	}
	for ch := range snap.Data {
		sub.Data[ch] = snap.Data[ch][start:end]
	}
	return sub
}
