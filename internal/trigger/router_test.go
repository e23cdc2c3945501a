package trigger

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortex-data/cortex.stream/internal/monitoring"
	"github.com/cortex-data/cortex.stream/internal/session"
	"github.com/cortex-data/cortex.stream/internal/timeutil"
	"github.com/cortex-data/cortex.stream/internal/window"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

type fakeBoard struct {
	markers []int
	err     error
}

func (f *fakeBoard) InsertMarker(v int) error {
	if f.err != nil {
		return f.err
	}
	f.markers = append(f.markers, v)
	return nil
}

type fakePuller struct {
	mu     sync.Mutex
	pulls  []int
	err    error
	sample *window.Snapshot
}

func (f *fakePuller) Pull(ctx context.Context, n int) (*window.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.pulls = append(f.pulls, n)
	if f.sample != nil {
		return f.sample, nil
	}
	return window.NewSnapshot(2, n), nil
}

type fakeDispatcher struct {
	submits int
	err     error
}

func (f *fakeDispatcher) Submit(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.submits++
	return nil
}

type fakeTrainer struct {
	mu     sync.Mutex
	snaps  []*window.Snapshot
	err    error
	done   chan struct{}
}

func (f *fakeTrainer) Train(snap *window.Snapshot, oversample bool) error {
	f.mu.Lock()
	f.snaps = append(f.snaps, snap)
	f.mu.Unlock()
	if f.done != nil {
		close(f.done)
	}
	return f.err
}

type fixture struct {
	router     *Router
	board      *fakeBoard
	puller     *fakePuller
	dispatcher *fakeDispatcher
	trainer    *fakeTrainer
	clock      *timeutil.MockClock
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		board:      &fakeBoard{},
		puller:     &fakePuller{},
		dispatcher: &fakeDispatcher{},
		trainer:    &fakeTrainer{},
		clock:      timeutil.NewMockClock(time.Unix(1000, 0)),
	}
	cfg := Config{
		NClasses:   4,
		Timing:     session.NewTiming(250, 4, 250),
		Clock:      f.clock,
		Board:      f.board,
		Buffer:     f.puller,
		Dispatcher: f.dispatcher,
		Trainer:    f.trainer,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.router = NewRouter(cfg)
	return f
}

func TestEmptyMarkerRejectedWithoutStateChange(t *testing.T) {
	f := newFixture(t, nil)
	f.router.SetPredicting(true)
	before := f.router.State()

	err := f.router.HandleMarker(context.Background(), Event{Value: 0})
	assert.ErrorIs(t, err, ErrEmptyTrigger)
	assert.Empty(t, f.board.markers, "empty marker must not reach the board")
	assert.Equal(t, before, f.router.State())
}

func TestMarkersForwardedToBoard(t *testing.T) {
	f := newFixture(t, nil)

	for _, v := range []int{1, 2, 3} {
		require.NoError(t, f.router.HandleMarker(context.Background(), Event{Value: v}))
	}
	assert.Equal(t, []int{1, 2, 3}, f.board.markers)
	assert.Zero(t, f.dispatcher.submits, "non-boundary markers never dispatch")
}

func TestSkipFirstBoundary(t *testing.T) {
	f := newFixture(t, nil)
	f.router.SetPredicting(true)

	boundary := Event{Value: 4} // nClasses == 4

	// First boundary after enabling predicting: consumed silently.
	require.NoError(t, f.router.HandleMarker(context.Background(), boundary))
	assert.Zero(t, f.dispatcher.submits)

	// Second and third each dispatch exactly one prediction.
	require.NoError(t, f.router.HandleMarker(context.Background(), boundary))
	require.NoError(t, f.router.HandleMarker(context.Background(), boundary))
	assert.Equal(t, 2, f.dispatcher.submits)

	// The marker itself is always forwarded, skipped or not.
	assert.Equal(t, []int{4, 4, 4}, f.board.markers)
}

func TestNoDispatchWhileNotPredicting(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.router.HandleMarker(context.Background(), Event{Value: 4}))
	require.NoError(t, f.router.HandleMarker(context.Background(), Event{Value: 4}))
	assert.Zero(t, f.dispatcher.submits)
}

func TestReenablingPredictingRearmsSkipFirst(t *testing.T) {
	f := newFixture(t, nil)
	boundary := Event{Value: 4}

	f.router.SetPredicting(true)
	require.NoError(t, f.router.HandleMarker(context.Background(), boundary)) // skipped
	require.NoError(t, f.router.HandleMarker(context.Background(), boundary)) // dispatched
	f.router.SetPredicting(false)
	f.router.SetPredicting(true)
	require.NoError(t, f.router.HandleMarker(context.Background(), boundary)) // skipped again
	require.NoError(t, f.router.HandleMarker(context.Background(), boundary)) // dispatched

	assert.Equal(t, 2, f.dispatcher.submits)
}

func TestTogglePredicting(t *testing.T) {
	f := newFixture(t, nil)

	assert.True(t, f.router.TogglePredicting())
	st := f.router.State()
	assert.True(t, st.Predicting)
	assert.True(t, st.FirstEpochSeen)

	assert.False(t, f.router.TogglePredicting())
	assert.False(t, f.router.State().Predicting)
}

func TestDispatcherErrorSurfacesButStateSurvives(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.err = errors.New("queue full")
	f.router.SetPredicting(true)

	boundary := Event{Value: 4}
	require.NoError(t, f.router.HandleMarker(context.Background(), boundary)) // skip-first

	err := f.router.HandleMarker(context.Background(), boundary)
	assert.Error(t, err)
	assert.True(t, f.router.State().Predicting, "a failed dispatch must not flip state")
}

func TestTrainingFlowPullsElapsedEpoch(t *testing.T) {
	f := newFixture(t, nil)
	f.trainer.done = make(chan struct{})

	f.router.ArmTraining()
	assert.Equal(t, ModeTrainingArmed, f.router.State().Mode)

	// 5s of training at 250Hz: floor((5+1)*250) = 1500 samples.
	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.router.CommitTraining(context.Background()))

	require.Equal(t, []int{1500}, f.puller.pulls)

	select {
	case <-f.trainer.done:
	case <-time.After(time.Second):
		t.Fatal("trainer was never invoked")
	}
	assert.Eventually(t, func() bool {
		return f.router.State().Mode == ModeIdle
	}, time.Second, 10*time.Millisecond)
}

func TestCommitWithoutArmRejected(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.router.CommitTraining(context.Background()), ErrNotArmed)
}

func TestTrainingPullFailureReturnsToIdle(t *testing.T) {
	f := newFixture(t, nil)
	f.puller.err = errors.New("board gone")

	f.router.ArmTraining()
	err := f.router.CommitTraining(context.Background())
	assert.Error(t, err)
	assert.Equal(t, ModeIdle, f.router.State().Mode, "router must stay usable after a failed training")
}

func TestTrainingErrorReportedViaCallback(t *testing.T) {
	errCh := make(chan error, 1)
	f := newFixture(t, func(cfg *Config) {
		cfg.OnTrainDone = func(err error) { errCh <- err }
	})
	f.trainer.err = errors.New("not enough epochs")

	f.router.ArmTraining()
	require.NoError(t, f.router.CommitTraining(context.Background()))

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("training outcome never reported")
	}
}

func TestConditionAppliedToTrainingSnapshot(t *testing.T) {
	var conditioned bool
	f := newFixture(t, func(cfg *Config) {
		cfg.Condition = func(*window.Snapshot) { conditioned = true }
	})
	f.trainer.done = make(chan struct{})

	f.router.ArmTraining()
	require.NoError(t, f.router.CommitTraining(context.Background()))
	<-f.trainer.done
	assert.True(t, conditioned)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "idle", ModeIdle.String())
	assert.Equal(t, "training-armed", ModeTrainingArmed.String())
	assert.Equal(t, "training", ModeTraining.String())
}
