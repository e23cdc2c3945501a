package classify

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortex-data/cortex.stream/internal/dsp"
	"github.com/cortex-data/cortex.stream/internal/window"
)

const testRate = 128.0

var testBands = []dsp.Band{
	{Name: "alpha", Low: 8, High: 12},
	{Name: "beta", Low: 20, High: 28},
}

// toneSnapshot fills every channel with a pure sinusoid.
func toneSnapshot(channels, samples int, freq float64) *window.Snapshot {
	snap := window.NewSnapshot(channels, samples)
	for ch := range snap.Data {
		for i := range snap.Data[ch] {
			snap.Data[ch][i] = math.Sin(2 * math.Pi * freq * float64(i) / testRate)
		}
	}
	for i := range snap.Timestamps {
		snap.Timestamps[i] = float64(i) / testRate
	}
	return snap
}

// trainingSnapshot alternates 64-sample epochs of a 10Hz tone (class 1) and
// a 24Hz tone (class 2), each opened by its class marker.
func trainingSnapshot(epochs int) *window.Snapshot {
	const epochLen = 64
	snap := window.NewSnapshot(1, epochs*epochLen)
	for e := 0; e < epochs; e++ {
		class := e%2 + 1
		freq := 10.0
		if class == 2 {
			freq = 24.0
		}
		start := e * epochLen
		snap.Marker[start] = float64(class)
		for i := 0; i < epochLen; i++ {
			snap.Data[0][start+i] = math.Sin(2 * math.Pi * freq * float64(start+i) / testRate)
		}
	}
	for i := range snap.Timestamps {
		snap.Timestamps[i] = float64(i) / testRate
	}
	return snap
}

func TestPredictBeforeTrainRejected(t *testing.T) {
	c := New(testRate, testBands, 2, 64)
	assert.False(t, c.Trained())

	_, err := c.Predict(toneSnapshot(1, 128, 10), false, false)
	assert.ErrorIs(t, err, ErrNotTrained)
}

func TestTrainWithoutMarkersRejected(t *testing.T) {
	c := New(testRate, testBands, 2, 64)
	assert.ErrorIs(t, c.Train(toneSnapshot(1, 256, 10), false), ErrNoEpochs)
	assert.False(t, c.Trained())
}

func TestMarkerOutsideClassRangeIgnored(t *testing.T) {
	c := New(testRate, testBands, 2, 64)

	snap := toneSnapshot(1, 256, 10)
	snap.Marker[0] = 5
	snap.Marker[64] = -1
	assert.ErrorIs(t, c.Train(snap, false), ErrNoEpochs)
}

func TestLearnsToneClasses(t *testing.T) {
	c := New(testRate, testBands, 2, 64)
	require.NoError(t, c.Train(trainingSnapshot(8), false))
	require.True(t, c.Trained())

	out, err := c.Predict(toneSnapshot(1, 128, 10), false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Label, "alpha tone belongs to class 1")
	assert.Nil(t, out.Probabilities)

	out, err = c.Predict(toneSnapshot(1, 128, 24), false, false)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Label, "beta tone belongs to class 2")
}

func TestGroupedProbabilitiesSumToOne(t *testing.T) {
	c := New(testRate, testBands, 2, 64)
	require.NoError(t, c.Train(trainingSnapshot(8), true))

	out, err := c.Predict(toneSnapshot(1, 128, 10), true, true)
	require.NoError(t, err)
	require.Len(t, out.Probabilities, 2)

	var sum float64
	for _, p := range out.Probabilities {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, out.Probabilities[0], out.Probabilities[1])
}

func TestRetrainReplacesModel(t *testing.T) {
	c := New(testRate, testBands, 2, 64)
	require.NoError(t, c.Train(trainingSnapshot(8), false))

	// Swap the class-to-tone mapping: class 1 now means 24Hz.
	swapped := trainingSnapshot(8)
	for i, mv := range swapped.Marker {
		switch mv {
		case 1:
			swapped.Marker[i] = 2
		case 2:
			swapped.Marker[i] = 1
		}
	}
	require.NoError(t, c.Train(swapped, false))

	out, err := c.Predict(toneSnapshot(1, 128, 24), false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Label)
}

func TestEpochTruncatedAtWindowTail(t *testing.T) {
	c := New(testRate, testBands, 2, 64)

	// A marker three samples from the end leaves too little signal; with no
	// other marker the training window carries no usable epoch.
	snap := toneSnapshot(1, 256, 10)
	snap.Marker[253] = 1
	assert.ErrorIs(t, c.Train(snap, false), ErrNoEpochs)

	// With enough tail left the clipped epoch still trains.
	snap = toneSnapshot(1, 256, 10)
	snap.Marker[240] = 1
	assert.NoError(t, c.Train(snap, false))
}
