package window

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrStaleWindow reports an acquisition source that returned data older
// than a previous pull. The source contract promises monotonic recency.
var ErrStaleWindow = errors.New("window: source returned data older than previous pull")

// Source is the acquisition collaborator the buffer pulls from. A pull is a
// non-destructive peek at the most recent n samples per channel; sources
// with fewer samples buffered (cold start) return what they have,
// left-padded to length n, and that short read is valid.
type Source interface {
	CurrentWindow(ctx context.Context, n int) (*Snapshot, error)
}

// Buffer refreshes the most recent fixed-duration snapshot from an
// acquisition source. It bounds every pull with a timeout so a wedged
// source cannot stall the sampling loop, and asserts the source's
// monotonic-recency guarantee.
//
// Buffer is used from the single streamer loop goroutine plus the
// prediction dispatcher; pulls are safe to run concurrently because the
// source peek is non-destructive.
type Buffer struct {
	source  Source
	timeout time.Duration

	mu         sync.Mutex
	lastNewest float64
}

// NewBuffer wraps source with pull bounds. A non-positive timeout defaults
// to one second.
func NewBuffer(source Source, timeout time.Duration) *Buffer {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Buffer{source: source, timeout: timeout}
}

// Pull fetches the most recent n samples per channel. Partially-filled
// windows early in the session are returned as-is; callers must tolerate
// them.
func (b *Buffer) Pull(ctx context.Context, n int) (*Snapshot, error) {
	if n <= 0 {
		return nil, fmt.Errorf("window: sample count must be positive, got %d", n)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	snap, err := b.source.CurrentWindow(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("window: pull failed: %w", err)
	}

	if newest := snap.NewestTimestamp(); newest != 0 {
		b.mu.Lock()
		prev := b.lastNewest
		if newest < prev {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: newest %v < previous %v", ErrStaleWindow, newest, prev)
		}
		b.lastNewest = newest
		b.mu.Unlock()
	}
	return snap, nil
}
