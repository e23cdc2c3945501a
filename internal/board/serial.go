package board

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/cortex-data/cortex.stream/internal/monitoring"
	"github.com/cortex-data/cortex.stream/internal/window"
)

// SerialBoard reads framed samples from a serial-attached amplifier. The
// wire format is one sample per line: comma-separated per-channel values in
// microvolts. Frames are stamped on arrival and kept in a ring sized to
// ringSeconds of data.
type SerialBoard struct {
	deviceID string
	rate     float64
	channels int
	port     io.ReadWriteCloser

	mu            sync.Mutex
	streaming     bool
	ring          *sampleRing
	pendingMarker int
	cancel        context.CancelFunc
	done          chan struct{}
}

// ringSeconds is how much history the serial board retains for pulls. It
// must cover the longest training epoch a session can request.
const ringSeconds = 600

// OpenSerialBoard opens the serial device at path and wraps it in a
// SerialBoard. The amplifier is expected to stream at 115200 baud.
func OpenSerialBoard(path, deviceID string, channels int, rate float64) (*SerialBoard, error) {
	mode := &serial.Mode{BaudRate: 115200}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("board: failed to open serial port %s: %w", path, err)
	}
	return NewSerialBoard(port, deviceID, channels, rate), nil
}

// NewSerialBoard wraps an already-open port. Split from OpenSerialBoard so
// tests can drive the reader with an in-memory pipe.
func NewSerialBoard(port io.ReadWriteCloser, deviceID string, channels int, rate float64) *SerialBoard {
	return &SerialBoard{
		deviceID: deviceID,
		rate:     rate,
		channels: channels,
		port:     port,
		ring:     newSampleRing(channels, int(rate)*ringSeconds),
	}
}

// SamplingRate returns the configured rate.
func (b *SerialBoard) SamplingRate() float64 { return b.rate }

// DeviceID returns the configured device identifier.
func (b *SerialBoard) DeviceID() string { return b.deviceID }

// Layout returns the layout for the configured device.
func (b *SerialBoard) Layout() Layout { return LayoutFor(b.deviceID, b.channels) }

// Start launches the read loop.
func (b *SerialBoard) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streaming {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.streaming = true
	go b.readLoop(ctx)
	return nil
}

// Stop halts the read loop and closes the port. Buffered samples remain
// pullable.
func (b *SerialBoard) Stop() error {
	b.mu.Lock()
	if !b.streaming {
		b.mu.Unlock()
		return nil
	}
	b.streaming = false
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	cancel()
	err := b.port.Close()
	<-done
	return err
}

// InsertMarker stamps the next arriving frame with value.
func (b *SerialBoard) InsertMarker(value int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.streaming {
		return ErrNotStreaming
	}
	b.pendingMarker = value
	return nil
}

// CurrentWindow copies the most recent n samples out of the ring.
func (b *SerialBoard) CurrentWindow(ctx context.Context, n int) (*window.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.streaming && b.ring.count == 0 {
		return nil, ErrNotStreaming
	}
	return b.ring.window(n), nil
}

func (b *SerialBoard) readLoop(ctx context.Context) {
	defer close(b.done)
	scan := bufio.NewScanner(b.port)
	for scan.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}
		sample, err := parseFrame(line, b.channels)
		if err != nil {
			monitoring.Debugf("board: dropped malformed frame: %v", err)
			continue
		}
		ts := float64(time.Now().UnixNano()) / 1e9

		b.mu.Lock()
		marker := b.pendingMarker
		b.pendingMarker = 0
		b.ring.push(sample, ts, float64(marker))
		b.mu.Unlock()
	}
	if err := scan.Err(); err != nil && ctx.Err() == nil {
		monitoring.Logf("board: serial read loop ended: %v", err)
	}
}

// parseFrame decodes one comma-separated sample line.
func parseFrame(line string, channels int) ([]float64, error) {
	fields := strings.Split(line, ",")
	if len(fields) != channels {
		return nil, fmt.Errorf("frame has %d fields, want %d", len(fields), channels)
	}
	sample := make([]float64, channels)
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		sample[i] = v
	}
	return sample, nil
}

// sampleRing is a fixed-capacity channel-major ring of samples with aligned
// timestamps and marker values.
type sampleRing struct {
	data     [][]float64
	ts       []float64
	marker   []float64
	head     int // next write position
	count    int
	capacity int
}

func newSampleRing(channels, capacity int) *sampleRing {
	if capacity <= 0 {
		capacity = 1
	}
	data := make([][]float64, channels)
	for i := range data {
		data[i] = make([]float64, capacity)
	}
	return &sampleRing{
		data:     data,
		ts:       make([]float64, capacity),
		marker:   make([]float64, capacity),
		capacity: capacity,
	}
}

func (r *sampleRing) push(sample []float64, ts, marker float64) {
	for ch := range r.data {
		r.data[ch][r.head] = sample[ch]
	}
	r.ts[r.head] = ts
	r.marker[r.head] = marker
	r.head = (r.head + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
}

// window copies out the newest min(n, count) samples in arrival order.
func (r *sampleRing) window(n int) *window.Snapshot {
	if n > r.count {
		n = r.count
	}
	snap := window.NewSnapshot(len(r.data), n)
	start := (r.head - n + r.capacity) % r.capacity
	for i := 0; i < n; i++ {
		idx := (start + i) % r.capacity
		for ch := range r.data {
			snap.Data[ch][i] = r.data[ch][idx]
		}
		snap.Timestamps[i] = r.ts[idx]
		snap.Marker[i] = r.marker[idx]
	}
	return snap
}
