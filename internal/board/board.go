// Package board defines the acquisition-source contract and the two boards
// this daemon knows how to drive: a synthetic signal generator for dev and
// tests, and a serial-framed hardware board.
package board

import (
	"context"
	"errors"

	"github.com/cortex-data/cortex.stream/internal/window"
)

// ErrNotStreaming is returned by pulls against a board that has not been
// started.
var ErrNotStreaming = errors.New("board: not streaming")

// Board is the acquisition source. CurrentWindow is a non-destructive peek
// at the most recent n samples per channel; concurrent peeks are safe.
// Boards with fewer than n samples buffered return what they have (short
// reads are valid during cold start).
type Board interface {
	// CurrentWindow returns the most recent n samples per channel with
	// aligned timestamps and the marker channel.
	CurrentWindow(ctx context.Context, n int) (*window.Snapshot, error)

	// InsertMarker records a marker value at the current stream position.
	InsertMarker(value int) error

	// Start begins acquisition.
	Start() error

	// Stop halts acquisition. In-flight pulls complete against the frozen
	// buffer.
	Stop() error

	// SamplingRate returns samples per second per channel.
	SamplingRate() float64

	// DeviceID identifies the connected device.
	DeviceID() string

	// Layout returns the channel layout for the connected device.
	Layout() Layout
}
