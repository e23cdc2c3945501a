package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortex-data/cortex.stream/internal/window"
)

var table = []Threshold{
	{Low: -100, High: -50, Label: "yellow", Score: 0.5},
	{Low: -50, High: 50, Label: "green", Score: 1.0},
	{Low: 50, High: 100, Label: "yellow", Score: 0.5},
}

// flatSnapshot fills every sample of each channel with a constant so the
// percentile equals the constant.
func flatSnapshot(values ...float64) *window.Snapshot {
	snap := window.NewSnapshot(len(values), 100)
	for ch, v := range values {
		for i := range snap.Data[ch] {
			snap.Data[ch][i] = v
		}
	}
	return snap
}

func TestScoreBuckets(t *testing.T) {
	t.Parallel()

	s := NewScorer(table, []string{"Fp1", "Fp2", "C3"})
	reports := s.Score(flatSnapshot(0, -75, 500))
	require.Len(t, reports, 3)

	assert.Equal(t, "green", reports[0].Label)
	assert.Equal(t, 1.0, reports[0].Score)
	assert.Equal(t, "Fp1", reports[0].Channel)

	assert.Equal(t, "yellow", reports[1].Label)
	assert.Equal(t, 0.5, reports[1].Score)

	// No range matches 500: worst-case fallback.
	assert.Equal(t, "red", reports[2].Label)
	assert.Equal(t, 0.0, reports[2].Score)
}

func TestScoreFirstMatchWins(t *testing.T) {
	t.Parallel()

	overlapping := []Threshold{
		{Low: -100, High: 100, Label: "green", Score: 1.0},
		{Low: 0, High: 100, Label: "yellow", Score: 0.5}, // never reached for 0..100
	}
	s := NewScorer(overlapping, []string{"ch"})

	r := s.ScoreChannel([]float64{60, 60, 60})
	assert.Equal(t, "green", r.Label, "first matching range must win")
}

func TestScoreBoundariesInclusive(t *testing.T) {
	t.Parallel()

	s := NewScorer(table, []string{"ch"})

	assert.Equal(t, "green", s.ScoreChannel([]float64{50, 50}).Label,
		"upper boundary of the earlier range matches first")
	assert.Equal(t, "yellow", s.ScoreChannel([]float64{-100, -100}).Label)
}

func TestScoreEmptyChannelFallsBack(t *testing.T) {
	t.Parallel()

	s := NewScorer(table, []string{"ch"})
	r := s.ScoreChannel(nil)
	assert.Equal(t, "red", r.Label)
	assert.Equal(t, 0.0, r.Score)
}

func TestScorePercentileNotMean(t *testing.T) {
	t.Parallel()

	s := NewScorer(table, []string{"ch"})

	// 80 samples at 0, 20 at 200: the 75th percentile sits at 0, so the
	// channel is green even though outliers would push the mean to 40.
	data := make([]float64, 100)
	for i := 80; i < 100; i++ {
		data[i] = 200
	}
	r := s.ScoreChannel(data)
	assert.Equal(t, "green", r.Label)
}

func TestScoreUnnamedChannels(t *testing.T) {
	t.Parallel()

	s := NewScorer(table, []string{"only-one"})
	reports := s.Score(flatSnapshot(0, 0))
	require.Len(t, reports, 2)
	assert.Equal(t, "only-one", reports[0].Channel)
	assert.Equal(t, "", reports[1].Channel)
}
