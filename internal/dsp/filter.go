// Package dsp conditions snapshots: constant detrend, Butterworth bandpass
// and notch filtering, and band-power extraction. All transforms are
// per-channel and in place; no cross-channel coupling.
package dsp

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/cortex-data/cortex.stream/internal/window"
)

// ErrInvalidFilter tags filter-parameter validation failures. The offending
// stage is skipped whole for the tick; the data is never partially filtered.
var ErrInvalidFilter = errors.New("dsp: invalid filter parameters")

// notchBandwidth is the half-width in Hz of the band-stop applied around
// each notch target frequency.
const notchBandwidth = 2.0

// FilterSpec carries the operator's live filter settings for one tick.
type FilterSpec struct {
	BandpassEnabled bool      `json:"bandpass_enabled"`
	BandpassLow     float64   `json:"bandpass_low"`
	BandpassHigh    float64   `json:"bandpass_high"`
	NotchEnabled    bool      `json:"notch_enabled"`
	NotchFreqs      []float64 `json:"notch_freqs"`
}

// Conditioner validates and applies a FilterSpec to snapshots at a fixed
// sampling rate. Stateless apart from the rate; safe to share.
type Conditioner struct {
	rate float64
}

// NewConditioner returns a conditioner for the given sampling rate.
func NewConditioner(rate float64) *Conditioner {
	return &Conditioner{rate: rate}
}

// ValidateBandpass checks Nyquist bounds and frequency ordering.
func (c *Conditioner) ValidateBandpass(low, high float64) error {
	if low < 0 || high < 0 {
		return fmt.Errorf("%w: frequencies must be non-negative (low=%v high=%v)", ErrInvalidFilter, low, high)
	}
	if low >= high {
		return fmt.Errorf("%w: low %v must be below high %v", ErrInvalidFilter, low, high)
	}
	if nyquist := c.rate / 2; high > nyquist {
		return fmt.Errorf("%w: high %v exceeds Nyquist frequency %v", ErrInvalidFilter, high, nyquist)
	}
	return nil
}

// ValidateNotch checks every target frequency; one bad frequency rejects
// the whole stage.
func (c *Conditioner) ValidateNotch(freqs []float64) error {
	if len(freqs) == 0 {
		return fmt.Errorf("%w: notch stage has no target frequencies", ErrInvalidFilter)
	}
	nyquist := c.rate / 2
	for _, f := range freqs {
		if f < 0 || f > nyquist {
			return fmt.Errorf("%w: notch frequency %v outside [0, %v]", ErrInvalidFilter, f, nyquist)
		}
	}
	return nil
}

// Condition applies the spec to every channel of snap in place: constant
// detrend always, then bandpass, then notch. A stage that fails validation
// is skipped for all channels and its error returned; the other stage and
// the detrend still run. Returned errors are per-tick conditions, not
// fatal.
func (c *Conditioner) Condition(snap *window.Snapshot, spec FilterSpec) []error {
	var errs []error

	applyBandpass := false
	if spec.BandpassEnabled {
		if err := c.ValidateBandpass(spec.BandpassLow, spec.BandpassHigh); err != nil {
			errs = append(errs, err)
		} else {
			applyBandpass = true
		}
	}
	applyNotch := false
	if spec.NotchEnabled {
		if err := c.ValidateNotch(spec.NotchFreqs); err != nil {
			errs = append(errs, err)
		} else {
			applyNotch = true
		}
	}

	for _, ch := range snap.Data {
		if len(ch) == 0 {
			continue
		}
		Detrend(ch)
		if applyBandpass {
			c.bandpass(ch, spec.BandpassLow, spec.BandpassHigh)
		}
		if applyNotch {
			for _, f := range spec.NotchFreqs {
				c.notch(ch, f)
			}
		}
	}
	return errs
}

// Detrend removes the constant offset from data in place.
func Detrend(data []float64) {
	mean := stat.Mean(data, nil)
	for i := range data {
		data[i] -= mean
	}
}

// bandpass applies a 2nd-order Butterworth high-pass at low cascaded with a
// 2nd-order Butterworth low-pass at high, each run forward and backward for
// zero phase. A zero low edge or a Nyquist high edge degenerates that half
// to the identity and is skipped.
func (c *Conditioner) bandpass(data []float64, low, high float64) {
	if low > 0 {
		applyZeroPhase(data, highpassCoeffs(low, c.rate))
	}
	if high < c.rate/2 {
		applyZeroPhase(data, lowpassCoeffs(high, c.rate))
	}
}

// notch applies a band-stop of ±notchBandwidth Hz around f, zero phase.
func (c *Conditioner) notch(data []float64, f float64) {
	if f <= 0 {
		return
	}
	applyZeroPhase(data, notchCoeffs(f, 2*notchBandwidth, c.rate))
}

// biquad holds normalized second-order section coefficients (a0 == 1).
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// RBJ audio-EQ-cookbook coefficients, Butterworth Q for the pass filters.

func lowpassCoeffs(f, rate float64) biquad {
	w0 := 2 * math.Pi * f / rate
	cosw, sinw := math.Cos(w0), math.Sin(w0)
	alpha := sinw / math.Sqrt2
	a0 := 1 + alpha
	return biquad{
		b0: (1 - cosw) / 2 / a0,
		b1: (1 - cosw) / a0,
		b2: (1 - cosw) / 2 / a0,
		a1: -2 * cosw / a0,
		a2: (1 - alpha) / a0,
	}
}

func highpassCoeffs(f, rate float64) biquad {
	w0 := 2 * math.Pi * f / rate
	cosw, sinw := math.Cos(w0), math.Sin(w0)
	alpha := sinw / math.Sqrt2
	a0 := 1 + alpha
	return biquad{
		b0: (1 + cosw) / 2 / a0,
		b1: -(1 + cosw) / a0,
		b2: (1 + cosw) / 2 / a0,
		a1: -2 * cosw / a0,
		a2: (1 - alpha) / a0,
	}
}

func notchCoeffs(f, bandwidth, rate float64) biquad {
	w0 := 2 * math.Pi * f / rate
	cosw, sinw := math.Cos(w0), math.Sin(w0)
	q := f / bandwidth
	alpha := sinw / (2 * q)
	a0 := 1 + alpha
	return biquad{
		b0: 1 / a0,
		b1: -2 * cosw / a0,
		b2: 1 / a0,
		a1: -2 * cosw / a0,
		a2: (1 - alpha) / a0,
	}
}

// applyZeroPhase runs the section forward then backward over data so the
// combined response has zero phase shift, matching the usual offline
// filtfilt treatment of EEG windows.
func applyZeroPhase(data []float64, bq biquad) {
	applyForward(data, bq)
	reverse(data)
	applyForward(data, bq)
	reverse(data)
}

// applyForward is a transposed direct-form-II pass.
func applyForward(data []float64, bq biquad) {
	var z1, z2 float64
	for i, x := range data {
		y := bq.b0*x + z1
		z1 = bq.b1*x - bq.a1*y + z2
		z2 = bq.b2*x - bq.a2*y
		data[i] = y
	}
}

func reverse(data []float64) {
	for i, j := 0, len(data)-1; i < j; i, j = i+1, j-1 {
		data[i], data[j] = data[j], data[i]
	}
}
