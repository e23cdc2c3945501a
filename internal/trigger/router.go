// Package trigger routes marker events through the session state machine:
// idle/armed/training transitions plus the orthogonal predicting toggle
// with skip-first epoch semantics.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cortex-data/cortex.stream/internal/monitoring"
	"github.com/cortex-data/cortex.stream/internal/session"
	"github.com/cortex-data/cortex.stream/internal/timeutil"
	"github.com/cortex-data/cortex.stream/internal/window"
)

var (
	// ErrEmptyTrigger rejects a marker with no value. The event is dropped
	// without touching session state.
	ErrEmptyTrigger = errors.New("trigger: marker value cannot be empty")

	// ErrNotArmed rejects a training commit with no preceding arm.
	ErrNotArmed = errors.New("trigger: training was not armed")

	// ErrTrainingBusy rejects a commit while a previous training run is
	// still in flight. Training is exclusive with itself.
	ErrTrainingBusy = errors.New("trigger: training already in progress")
)

// Mode is the training leg of the session state machine.
type Mode int

const (
	// ModeIdle is the rest state.
	ModeIdle Mode = iota
	// ModeTrainingArmed means a training start timestamp is recorded and
	// the router is waiting for the commit.
	ModeTrainingArmed
	// ModeTraining means a training run is in flight on its background
	// task. The router itself has already returned to accepting markers.
	ModeTraining
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeTrainingArmed:
		return "training-armed"
	case ModeTraining:
		return "training"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Event is one externally produced marker.
type Event struct {
	Value     int     `json:"value"`
	Timestamp float64 `json:"timestamp"`
}

// State is a read-only snapshot of the router's session state.
type State struct {
	Mode           Mode      `json:"mode"`
	Predicting     bool      `json:"predicting"`
	FirstEpochSeen bool      `json:"first_epoch_seen"`
	TrainStart     time.Time `json:"train_start"`
}

// MarkerSink receives every accepted marker, normally the board.
type MarkerSink interface {
	InsertMarker(value int) error
}

// Puller fetches recent samples, normally the window buffer.
type Puller interface {
	Pull(ctx context.Context, n int) (*window.Snapshot, error)
}

// Requester receives prediction requests, normally the dispatcher. Submit
// must return promptly; inference latency is the requestee's problem.
type Requester interface {
	Submit(ctx context.Context) error
}

// Trainer is the classifier's training contract.
type Trainer interface {
	Train(snap *window.Snapshot, oversample bool) error
}

// ConditionFunc applies the current filter settings to a snapshot in place.
type ConditionFunc func(*window.Snapshot)

// Router consumes marker events and drives the session state machine. All
// methods except the background training task must be called from the one
// streamer loop goroutine; Router is the single writer of session state.
type Router struct {
	nClasses   int
	timing     session.Timing
	clock      timeutil.Clock
	board      MarkerSink
	buffer     Puller
	condition  ConditionFunc
	dispatcher Requester
	trainer    Trainer

	// oversample is passed through to the trainer.
	oversample bool

	// onTrainDone, when set, receives the outcome of each background
	// training run.
	onTrainDone func(error)

	mu           sync.Mutex
	mode         Mode
	trainStart   time.Time
	predicting   bool
	firstEpoch   bool
	trainingBusy bool
}

// Config wires a Router.
type Config struct {
	NClasses   int
	Timing     session.Timing
	Clock      timeutil.Clock
	Board      MarkerSink
	Buffer     Puller
	Condition  ConditionFunc
	Dispatcher Requester
	Trainer    Trainer
	Oversample bool
	// OnTrainDone is optional; it is called from the training goroutine.
	OnTrainDone func(error)
}

// NewRouter builds a router in the idle, not-predicting state.
func NewRouter(cfg Config) *Router {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	condition := cfg.Condition
	if condition == nil {
		condition = func(*window.Snapshot) {}
	}
	return &Router{
		nClasses:    cfg.NClasses,
		timing:      cfg.Timing,
		clock:       clock,
		board:       cfg.Board,
		buffer:      cfg.Buffer,
		condition:   condition,
		dispatcher:  cfg.Dispatcher,
		trainer:     cfg.Trainer,
		oversample:  cfg.Oversample,
		onTrainDone: cfg.OnTrainDone,
	}
}

// State returns a snapshot of the session state. Any goroutine may read it.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	mode := r.mode
	if r.trainingBusy {
		mode = ModeTraining
	}
	return State{
		Mode:           mode,
		Predicting:     r.predicting,
		FirstEpochSeen: r.firstEpoch,
		TrainStart:     r.trainStart,
	}
}

// HandleMarker consumes one marker event. The marker is forwarded to the
// board; a mid-trial boundary (value == nClasses) while predicting requests
// exactly one prediction, except the first boundary after predicting was
// enabled, which is consumed silently.
func (r *Router) HandleMarker(ctx context.Context, ev Event) error {
	if ev.Value == 0 {
		return ErrEmptyTrigger
	}

	if err := r.board.InsertMarker(ev.Value); err != nil {
		return fmt.Errorf("trigger: failed to insert marker %d: %w", ev.Value, err)
	}

	r.mu.Lock()
	predicting := r.predicting
	skip := r.firstEpoch
	if predicting && ev.Value == r.nClasses && skip {
		r.firstEpoch = false
	}
	r.mu.Unlock()

	if !predicting || ev.Value != r.nClasses {
		return nil
	}
	if skip {
		monitoring.Debugf("trigger: skipping first epoch boundary")
		return nil
	}
	if err := r.dispatcher.Submit(ctx); err != nil {
		return fmt.Errorf("trigger: prediction request failed: %w", err)
	}
	return nil
}

// ArmTraining records the training start timestamp.
func (r *Router) ArmTraining() {
	r.mu.Lock()
	r.trainStart = r.clock.Now()
	r.mode = ModeTrainingArmed
	r.mu.Unlock()
	monitoring.Logf("trigger: training armed")
}

// CommitTraining ends the training recording: it pulls the elapsed training
// epoch (plus margin) from the buffer, conditions it and hands it to the
// trainer on a background task. The router returns to idle immediately so
// the session stays usable even when training fails.
func (r *Router) CommitTraining(ctx context.Context) error {
	r.mu.Lock()
	if r.mode != ModeTrainingArmed {
		r.mu.Unlock()
		return ErrNotArmed
	}
	if r.trainingBusy {
		r.mode = ModeIdle
		r.mu.Unlock()
		return ErrTrainingBusy
	}
	elapsed := r.clock.Since(r.trainStart)
	r.mode = ModeIdle
	r.trainingBusy = true
	r.mu.Unlock()

	n := r.timing.TrainingDatapoints(elapsed)
	monitoring.Logf("trigger: training duration %v (%d samples)", elapsed, n)

	snap, err := r.buffer.Pull(ctx, n)
	if err != nil {
		r.clearTrainingBusy()
		return fmt.Errorf("trigger: training pull failed: %w", err)
	}
	r.condition(snap)

	go func() {
		err := r.trainer.Train(snap, r.oversample)
		r.clearTrainingBusy()
		if err != nil {
			monitoring.Logf("trigger: training failed: %v", err)
		}
		if r.onTrainDone != nil {
			r.onTrainDone(err)
		}
	}()
	return nil
}

func (r *Router) clearTrainingBusy() {
	r.mu.Lock()
	r.trainingBusy = false
	r.mu.Unlock()
}

// SetPredicting turns the predicting toggle on or off. Entering predicting
// arms skip-first so the next boundary marker cannot fire a spurious
// prediction against a window that predates the stream.
func (r *Router) SetPredicting(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on && !r.predicting {
		r.firstEpoch = true
	}
	r.predicting = on
}

// TogglePredicting flips the predicting toggle and returns the new value.
func (r *Router) TogglePredicting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicting = !r.predicting
	if r.predicting {
		r.firstEpoch = true
	}
	return r.predicting
}
