package dsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eegBands = []Band{
	{Name: "delta", Low: 1, High: 4},
	{Name: "theta", Low: 4, High: 8},
	{Name: "alpha", Low: 8, High: 13},
	{Name: "beta", Low: 13, High: 30},
	{Name: "gamma", Low: 30, High: 50},
}

func TestExtractBandPowersShape(t *testing.T) {
	t.Parallel()

	snap := sineSnapshot(250, 500, 0, 10)
	names := []string{"C3"}

	table, err := ExtractBandPowers(snap, 250, eegBands, names)
	require.NoError(t, err)

	assert.Equal(t, names, table.Channels)
	assert.Equal(t, []string{"delta", "theta", "alpha", "beta", "gamma"}, table.Bands)
	require.Len(t, table.Values, 1)
	require.Len(t, table.Values[0], 5)
	assert.Equal(t, snap.NewestTimestamp(), table.Timestamp)
}

func TestExtractBandPowersAlphaToneDominates(t *testing.T) {
	t.Parallel()

	// Pure 10Hz tone lands in alpha.
	snap := sineSnapshot(250, 1000, 0, 10)
	table, err := ExtractBandPowers(snap, 250, eegBands, []string{"C3"})
	require.NoError(t, err)

	row := table.Row(0)
	alphaIdx := 2
	for i, p := range row {
		if i == alphaIdx {
			continue
		}
		assert.Less(t, p, row[alphaIdx]/10,
			"band %s power %v should be well below alpha %v", table.Bands[i], p, row[alphaIdx])
	}
}

func TestExtractBandPowersRejectsShortWindows(t *testing.T) {
	t.Parallel()

	snap := sineSnapshot(250, 2, 0, 10)
	_, err := ExtractBandPowers(snap, 250, eegBands, []string{"C3"})
	assert.Error(t, err)
}

func TestExtractBandPowersRejectsBadRate(t *testing.T) {
	t.Parallel()

	snap := sineSnapshot(250, 500, 0, 10)
	_, err := ExtractBandPowers(snap, 0, eegBands, []string{"C3"})
	assert.Error(t, err)
}

func TestFeatureVectorFlattensChannelMajor(t *testing.T) {
	t.Parallel()

	table := &BandPowerTable{
		Bands:  []string{"a", "b"},
		Values: [][]float64{{1, 2}, {3, 4}},
	}
	assert.Equal(t, []float64{1, 2, 3, 4}, table.FeatureVector())
}
