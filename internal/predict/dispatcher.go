// Package predict dispatches classification work to a bounded worker pool,
// isolating inference latency and failure from the sampling loop.
package predict

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cortex-data/cortex.stream/internal/monitoring"
	"github.com/cortex-data/cortex.stream/internal/window"
)

var (
	// ErrQueueFull is returned by Submit under the drop policy when every
	// worker is busy and the queue is at capacity.
	ErrQueueFull = errors.New("predict: dispatch queue full, submission dropped")

	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("predict: dispatcher stopped")
)

// Output is the classifier's answer for one epoch.
type Output struct {
	Label         int       `json:"label"`
	Probabilities []float64 `json:"probabilities,omitempty"`
}

// Classifier is the inference collaborator. Train is called synchronously
// from the training task; Predict must be safe to call from pool workers.
type Classifier interface {
	Train(snap *window.Snapshot, oversample bool) error
	Predict(snap *window.Snapshot, withProbabilities, grouped bool) (Output, error)
}

// Puller fetches recent samples, normally the window buffer.
type Puller interface {
	Pull(ctx context.Context, n int) (*window.Snapshot, error)
}

// Result is one completed (or failed) inference, delivered on the
// completion channel. Err carries classifier failures so they are
// observable without log inspection.
type Result struct {
	TaskID    string        `json:"task_id"`
	Output    Output        `json:"output"`
	Timestamp float64       `json:"timestamp"`
	Latency   time.Duration `json:"latency_ns"`
	Err       error         `json:"-"`
}

type task struct {
	id        string
	snap      *window.Snapshot
	submitted time.Time
}

// Config wires a Dispatcher.
type Config struct {
	// Workers is the pool size; Queue is the pending-task bound.
	Workers int
	Queue   int

	// Block selects the backpressure policy when the queue is full: false
	// drops the submission (counted, logged), true blocks the caller.
	Block bool

	// Datapoints is the epoch length pulled for each submission.
	Datapoints int

	Buffer     Puller
	Classifier Classifier

	// Condition applies the current filter settings before inference.
	Condition func(*window.Snapshot)

	// WithProbabilities and Grouped are passed through to Predict.
	WithProbabilities bool
	Grouped           bool
}

// Dispatcher owns the worker pool. Create with NewDispatcher; workers start
// immediately.
type Dispatcher struct {
	cfg     Config
	tasks   chan task
	results chan Result
	dropped atomic.Uint64

	wg      sync.WaitGroup
	stopMu  sync.RWMutex
	stopped bool
}

// NewDispatcher starts a dispatcher with cfg.Workers pool workers.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 1
	}
	if cfg.Condition == nil {
		cfg.Condition = func(*window.Snapshot) {}
	}
	d := &Dispatcher{
		cfg:     cfg,
		tasks:   make(chan task, cfg.Queue),
		results: make(chan Result, cfg.Queue+cfg.Workers),
	}
	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}
	return d
}

// Results is the completion channel. It is closed by Stop after the last
// in-flight task finishes.
func (d *Dispatcher) Results() <-chan Result { return d.results }

// Dropped reports how many submissions the drop policy has discarded.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Submit pulls the prediction epoch, conditions it and enqueues it for
// asynchronous inference. The caller never waits on the inference itself;
// under the drop policy it does not wait at all.
func (d *Dispatcher) Submit(ctx context.Context) error {
	snap, err := d.cfg.Buffer.Pull(ctx, d.cfg.Datapoints)
	if err != nil {
		return fmt.Errorf("predict: epoch pull failed: %w", err)
	}
	d.cfg.Condition(snap)

	t := task{
		id:        uuid.NewString(),
		snap:      snap,
		submitted: time.Now(),
	}

	d.stopMu.RLock()
	defer d.stopMu.RUnlock()
	if d.stopped {
		return ErrStopped
	}

	if d.cfg.Block {
		select {
		case d.tasks <- t:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case d.tasks <- t:
		return nil
	default:
		d.dropped.Add(1)
		monitoring.Logf("predict: queue full, dropped submission %s (total dropped %d)", t.id, d.dropped.Load())
		return ErrQueueFull
	}
}

// Stop closes the task intake. Queued and in-flight tasks still run and
// deliver their results; the results channel is closed once the last of them
// has. Stop does not wait for that drain, so it never blocks on a full
// completion channel: callers flush pending results by reading Results
// until it closes.
func (d *Dispatcher) Stop() {
	d.stopMu.Lock()
	if d.stopped {
		d.stopMu.Unlock()
		return
	}
	d.stopped = true
	close(d.tasks)
	d.stopMu.Unlock()

	go func() {
		d.wg.Wait()
		close(d.results)
	}()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for t := range d.tasks {
		d.run(t)
	}
}

// run executes one inference. Classifier panics and errors are confined to
// the task's Result; they never reach the sampling loop.
func (d *Dispatcher) run(t task) {
	res := Result{
		TaskID:    t.id,
		Timestamp: t.snap.NewestTimestamp(),
	}
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("predict: classifier panic: %v", r)
			monitoring.Logf("predict: task %s panicked: %v", t.id, r)
		}
		res.Latency = time.Since(t.submitted)
		d.results <- res
	}()

	out, err := d.cfg.Classifier.Predict(t.snap, d.cfg.WithProbabilities, d.cfg.Grouped)
	if err != nil {
		res.Err = fmt.Errorf("predict: inference failed: %w", err)
		monitoring.Logf("predict: task %s failed: %v", t.id, err)
		return
	}
	res.Output = out
}
