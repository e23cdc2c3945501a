package dsp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/cortex-data/cortex.stream/internal/window"
)

// Band names one frequency band for power extraction.
type Band struct {
	Name string
	Low  float64
	High float64
}

// BandPowerTable holds per-channel band powers: Values[ch][band] in
// µV²/Hz-integrated units. Recomputed on every data tick; transient.
type BandPowerTable struct {
	Channels  []string    `json:"channels"`
	Bands     []string    `json:"bands"`
	Values    [][]float64 `json:"values"`
	Timestamp float64     `json:"timestamp"`
}

// ExtractBandPowers computes a periodogram per channel (Hann window, FFT)
// and integrates it over each configured band. The snapshot is read-only
// here; conditioning happens before extraction.
func ExtractBandPowers(snap *window.Snapshot, rate float64, bands []Band, channelNames []string) (*BandPowerTable, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("dsp: sampling rate must be positive, got %v", rate)
	}
	n := snap.Samples()
	if n < 4 {
		return nil, fmt.Errorf("dsp: window too short for band powers: %d samples", n)
	}

	table := &BandPowerTable{
		Channels:  channelNames,
		Bands:     make([]string, len(bands)),
		Values:    make([][]float64, snap.Channels()),
		Timestamp: snap.NewestTimestamp(),
	}
	for i, b := range bands {
		table.Bands[i] = b.Name
	}

	fft := fourier.NewFFT(n)
	hann := hannWindow(n)
	buf := make([]float64, n)

	for ch, data := range snap.Data {
		mean := 0.0
		for _, v := range data {
			mean += v
		}
		mean /= float64(n)
		for i, v := range data {
			buf[i] = (v - mean) * hann[i]
		}

		coeffs := fft.Coefficients(nil, buf)
		binHz := rate / float64(n)

		powers := make([]float64, len(bands))
		for i := range coeffs {
			freq := float64(i) * binHz
			p := real(coeffs[i])*real(coeffs[i]) + imag(coeffs[i])*imag(coeffs[i])
			for bi, b := range bands {
				if freq >= b.Low && freq < b.High {
					powers[bi] += p
				}
			}
		}
		table.Values[ch] = powers
	}
	return table, nil
}

// Row returns the band-power vector for one channel, used as the classifier
// feature vector.
func (t *BandPowerTable) Row(ch int) []float64 {
	return t.Values[ch]
}

// FeatureVector flattens the table channel-major into one vector.
func (t *BandPowerTable) FeatureVector() []float64 {
	out := make([]float64, 0, len(t.Values)*len(t.Bands))
	for _, row := range t.Values {
		out = append(out, row...)
	}
	return out
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}
