package board

import (
	"context"
	"math"
	"sync"

	"github.com/cortex-data/cortex.stream/internal/timeutil"
	"github.com/cortex-data/cortex.stream/internal/window"
)

// MockBoard synthesises a deterministic multichannel signal on demand:
// per-channel sine waves with a pseudo-noise overlay, derived purely from
// the sample index and the clock. It never buffers; every pull recomputes
// the requested window, which makes cold-start short reads and marker
// placement exact under a mock clock.
type MockBoard struct {
	deviceID string
	rate     float64
	channels int

	// Amplitude scales each channel's synthetic signal; defaults to 30.
	Amplitude float64

	clock timeutil.Clock

	mu        sync.Mutex
	streaming bool
	startedAt float64 // unix seconds at Start
	markers   []mockMarker
}

type mockMarker struct {
	value int
	at    float64 // unix seconds
}

// NewMockBoard returns a synthetic board with the given channel count and
// sampling rate. A nil clock uses the real clock.
func NewMockBoard(channels int, rate float64, clock timeutil.Clock) *MockBoard {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &MockBoard{
		deviceID:  "synthetic-8",
		rate:      rate,
		channels:  channels,
		Amplitude: 30,
		clock:     clock,
	}
}

// Start begins the synthetic stream at the current clock time.
func (m *MockBoard) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.streaming {
		m.streaming = true
		m.startedAt = unixSeconds(m.clock)
		m.markers = nil
	}
	return nil
}

// Stop halts the stream. Subsequent pulls return ErrNotStreaming.
func (m *MockBoard) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaming = false
	return nil
}

// SamplingRate returns the configured rate.
func (m *MockBoard) SamplingRate() float64 { return m.rate }

// DeviceID returns the synthetic device identifier.
func (m *MockBoard) DeviceID() string { return m.deviceID }

// Layout returns the layout for the synthetic device.
func (m *MockBoard) Layout() Layout { return LayoutFor(m.deviceID, m.channels) }

// InsertMarker records a marker at the current stream position.
func (m *MockBoard) InsertMarker(value int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.streaming {
		return ErrNotStreaming
	}
	m.markers = append(m.markers, mockMarker{value: value, at: unixSeconds(m.clock)})
	return nil
}

// CurrentWindow synthesises the most recent n samples. During cold start
// fewer samples exist than requested and the window is returned short.
func (m *MockBoard) CurrentWindow(ctx context.Context, n int) (*window.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	streaming := m.streaming
	startedAt := m.startedAt
	markers := append([]mockMarker(nil), m.markers...)
	m.mu.Unlock()

	if !streaming {
		return nil, ErrNotStreaming
	}

	now := unixSeconds(m.clock)
	total := int((now - startedAt) * m.rate)
	avail := n
	if total < avail {
		avail = total
	}
	if avail < 0 {
		avail = 0
	}

	snap := window.NewSnapshot(m.channels, avail)
	first := total - avail
	for i := 0; i < avail; i++ {
		idx := first + i
		t := float64(idx) / m.rate
		snap.Timestamps[i] = startedAt + t
		for ch := 0; ch < m.channels; ch++ {
			freq := 8 + 2*float64(ch) // distinct alpha-range tone per channel
			v := m.Amplitude * math.Sin(2*math.Pi*freq*t)
			v += m.Amplitude * 0.1 * noiseAt(idx, ch)
			snap.Data[ch][i] = v
		}
	}

	for _, mk := range markers {
		idx := int((mk.at-startedAt)*m.rate) - first
		if idx >= 0 && idx < avail {
			snap.Marker[idx] = float64(mk.value)
		}
	}
	return snap, nil
}

// noiseAt is a cheap deterministic pseudo-noise term in [-1, 1].
func noiseAt(idx, ch int) float64 {
	x := float64(idx*31+ch*17) * 12.9898
	return math.Sin(x) * 0.5
}

func unixSeconds(c timeutil.Clock) float64 {
	t := c.Now()
	return float64(t.UnixNano()) / 1e9
}
