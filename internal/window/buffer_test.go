package window

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	snaps []*Snapshot
	err   error
	calls int
	block bool
}

func (f *fakeSource) CurrentWindow(ctx context.Context, n int) (*Snapshot, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	snap := f.snaps[0]
	if len(f.snaps) > 1 {
		f.snaps = f.snaps[1:]
	}
	return snap, nil
}

func snapAt(ts ...float64) *Snapshot {
	s := NewSnapshot(2, len(ts))
	copy(s.Timestamps, ts)
	return s
}

func TestPullRejectsNonPositiveCount(t *testing.T) {
	b := NewBuffer(&fakeSource{snaps: []*Snapshot{snapAt(1)}}, time.Second)

	_, err := b.Pull(context.Background(), 0)
	assert.Error(t, err)
	_, err = b.Pull(context.Background(), -5)
	assert.Error(t, err)
}

func TestPullReturnsShortReads(t *testing.T) {
	// Cold start: source has fewer samples than requested; whatever comes
	// back is valid.
	src := &fakeSource{snaps: []*Snapshot{snapAt(1, 2, 3)}}
	b := NewBuffer(src, time.Second)

	snap, err := b.Pull(context.Background(), 250)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Samples())
}

func TestPullEnforcesMonotonicRecency(t *testing.T) {
	src := &fakeSource{snaps: []*Snapshot{
		snapAt(10, 11, 12),
		snapAt(5, 6, 7), // older than previous pull
	}}
	b := NewBuffer(src, time.Second)

	_, err := b.Pull(context.Background(), 3)
	require.NoError(t, err)

	_, err = b.Pull(context.Background(), 3)
	assert.ErrorIs(t, err, ErrStaleWindow)
}

func TestPullAllowsEmptySnapshots(t *testing.T) {
	src := &fakeSource{snaps: []*Snapshot{
		snapAt(10),
		NewSnapshot(2, 0), // empty window does not trip the recency check
		snapAt(11),
	}}
	b := NewBuffer(src, time.Second)

	for i := 0; i < 3; i++ {
		_, err := b.Pull(context.Background(), 1)
		require.NoError(t, err, "pull %d", i)
	}
}

// steadySource always returns the same snapshot; safe for parallel pulls.
type steadySource struct {
	snap *Snapshot
}

func (s steadySource) CurrentWindow(ctx context.Context, n int) (*Snapshot, error) {
	return s.snap, nil
}

func TestPullSafeForConcurrentCallers(t *testing.T) {
	b := NewBuffer(steadySource{snap: snapAt(10, 11, 12)}, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, err := b.Pull(context.Background(), 3)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}

func TestPullWrapsSourceError(t *testing.T) {
	wantErr := errors.New("board unplugged")
	b := NewBuffer(&fakeSource{err: wantErr}, time.Second)

	_, err := b.Pull(context.Background(), 10)
	assert.ErrorIs(t, err, wantErr)
}

func TestPullTimesOutOnWedgedSource(t *testing.T) {
	b := NewBuffer(&fakeSource{block: true}, 10*time.Millisecond)

	start := time.Now()
	_, err := b.Pull(context.Background(), 10)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSnapshotClone(t *testing.T) {
	s := NewSnapshot(2, 3)
	s.Data[0][0] = 1.5
	s.Timestamps[2] = 99
	s.Marker[1] = 4

	c := s.Clone()
	c.Data[0][0] = -1
	c.Marker[1] = 0

	assert.Equal(t, 1.5, s.Data[0][0], "clone write leaked into original")
	assert.Equal(t, 4.0, s.Marker[1])
	assert.Equal(t, 99.0, c.Timestamps[2])
}
