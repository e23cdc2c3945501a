// Package stream runs the session: one loop goroutine that refreshes the
// window, conditions it, publishes derived data and applies every state
// mutation. The loop is the single writer of session state; external callers
// reach it through the command channel.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cortex-data/cortex.stream/internal/board"
	"github.com/cortex-data/cortex.stream/internal/dsp"
	"github.com/cortex-data/cortex.stream/internal/monitoring"
	"github.com/cortex-data/cortex.stream/internal/predict"
	"github.com/cortex-data/cortex.stream/internal/publish"
	"github.com/cortex-data/cortex.stream/internal/quality"
	"github.com/cortex-data/cortex.stream/internal/session"
	"github.com/cortex-data/cortex.stream/internal/store"
	"github.com/cortex-data/cortex.stream/internal/timeutil"
	"github.com/cortex-data/cortex.stream/internal/trigger"
	"github.com/cortex-data/cortex.stream/internal/window"
)

// ErrNotRunning is returned by commands against a streamer whose loop has
// not started or has already exited.
var ErrNotRunning = errors.New("stream: streamer is not running")

// Config wires a Streamer. Board, Buffer, Conditioner, Scorer, Router,
// Dispatcher and Hub are required; Store is optional.
type Config struct {
	Session     *session.Config
	Timing      session.Timing
	Board       board.Board
	Buffer      *window.Buffer
	Conditioner *dsp.Conditioner
	Scorer      *quality.Scorer
	Router      *trigger.Router
	Dispatcher  *predict.Dispatcher
	Hub         *publish.Hub
	Store       *store.DB
	Clock       timeutil.Clock

	// OnFilterChange, when set, is told about every accepted filter update.
	// The dispatcher's epoch conditioning hangs off this: it cannot query
	// the loop from inside a loop-executed command.
	OnFilterChange func(dsp.FilterSpec)
}

// command is one state mutation or read executed on the loop goroutine.
type command struct {
	apply func()
	done  chan struct{}
}

// Streamer owns the session loop. All fields below the command channel are
// loop-owned; nothing else touches them.
type Streamer struct {
	cfg   Config
	clock timeutil.Clock

	sessionID string

	commands chan command
	stopOnce chan struct{}
	done     chan struct{}

	// Loop-owned state.
	filterSpec  dsp.FilterSpec
	lastWindow  *window.Snapshot
	lastQuality []quality.Report
}

// New builds a streamer around the wired collaborators. Run must be called
// before any command method.
func New(cfg Config) *Streamer {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Streamer{
		cfg:       cfg,
		clock:     clock,
		sessionID: uuid.NewString(),
		commands:  make(chan command),
		stopOnce:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SessionID identifies this acquisition run in the store and the API.
func (s *Streamer) SessionID() string { return s.sessionID }

// State reports the current session state machine snapshot. Safe from any
// goroutine; the router synchronizes internally.
func (s *Streamer) State() trigger.State { return s.cfg.Router.State() }

// Timing exposes the derived session timing.
func (s *Streamer) Timing() session.Timing { return s.cfg.Timing }

// Run starts acquisition and drives the loop until ctx is cancelled or Stop
// is called. It returns after teardown: dispatcher drained, window exported
// when configured, session closed in the store.
func (s *Streamer) Run(ctx context.Context) error {
	if err := s.cfg.Board.Start(); err != nil {
		return fmt.Errorf("stream: board start failed: %w", err)
	}

	if s.cfg.Store != nil {
		layout := s.cfg.Board.Layout()
		err := s.cfg.Store.CreateSession(ctx, store.Session{
			ID:           s.sessionID,
			DeviceID:     s.cfg.Board.DeviceID(),
			SamplingRate: s.cfg.Board.SamplingRate(),
			Channels:     len(layout.Channels),
			Model:        s.cfg.Session.Model,
			StartedAt:    s.clock.Now(),
		})
		if err != nil {
			monitoring.Logf("stream: session not recorded: %v", err)
		}
	}

	monitoring.Logf("stream: session %s started on %s (%.0f Hz)",
		s.sessionID, s.cfg.Board.DeviceID(), s.cfg.Board.SamplingRate())

	dataTicker := s.clock.NewTicker(s.cfg.Session.UpdateInterval())
	plotTicker := s.clock.NewTicker(s.cfg.Session.PlotInterval())
	defer dataTicker.Stop()
	defer plotTicker.Stop()

	s.loop(ctx, dataTicker, plotTicker)
	s.teardown(ctx)
	return nil
}

// Stop ends the session. Idempotent; returns once the loop has exited.
func (s *Streamer) Stop() {
	select {
	case <-s.stopOnce:
	default:
		close(s.stopOnce)
	}
	<-s.done
}

func (s *Streamer) loop(ctx context.Context, dataTicker, plotTicker timeutil.Ticker) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopOnce:
			return
		case <-dataTicker.C():
			s.dataTick(ctx)
		case <-plotTicker.C():
			s.plotTick(ctx)
		case cmd := <-s.commands:
			cmd.apply()
			close(cmd.done)
		case res, ok := <-s.cfg.Dispatcher.Results():
			if !ok {
				return
			}
			s.handleResult(ctx, res)
		}
	}
}

// teardown runs after the loop has exited. Stopping the dispatcher closes
// its result channel once the last task delivers; draining here unblocks any
// worker still holding a result, so nothing is lost on the way out.
func (s *Streamer) teardown(ctx context.Context) {
	s.cfg.Dispatcher.Stop()
	for res := range s.cfg.Dispatcher.Results() {
		s.handleResult(ctx, res)
	}

	if s.cfg.Session.SaveData && s.lastWindow != nil {
		path := fmt.Sprintf("session-%s.tsv", s.sessionID)
		if err := store.ExportWindowTSV(path, s.lastWindow, s.cfg.Board.Layout()); err != nil {
			monitoring.Logf("stream: window export failed: %v", err)
		} else {
			monitoring.Logf("stream: window exported to %s", path)
		}
	}

	if err := s.cfg.Board.Stop(); err != nil {
		monitoring.Logf("stream: board stop failed: %v", err)
	}
	if s.cfg.Store != nil {
		if err := s.cfg.Store.EndSession(context.Background(), s.sessionID, s.clock.Now()); err != nil {
			monitoring.Logf("stream: session not closed in store: %v", err)
		}
	}
	s.cfg.Hub.Close()
	monitoring.Logf("stream: session %s stopped", s.sessionID)
}

// dataTick refreshes the window, conditions it and publishes the raw chunk
// plus band powers. Pull and filter failures are per-tick conditions, logged
// and skipped.
func (s *Streamer) dataTick(ctx context.Context) {
	n := s.cfg.Timing.WindowDatapoints(s.cfg.Session.WindowSeconds)
	snap, err := s.cfg.Buffer.Pull(ctx, n)
	if err != nil {
		monitoring.Logf("stream: window refresh failed: %v", err)
		return
	}
	for _, cerr := range s.cfg.Conditioner.Condition(snap, s.filterSpec) {
		monitoring.Logf("stream: filter stage skipped: %v", cerr)
	}
	s.lastWindow = snap

	if s.cfg.Session.ChunkPublish {
		s.cfg.Hub.Publish(publish.TopicRaw, map[string]interface{}{
			"data":       snap.Data,
			"timestamps": snap.Timestamps,
		})
	}

	table, err := dsp.ExtractBandPowers(snap, s.cfg.Timing.SamplingRate,
		sessionBands(s.cfg.Session.Bands), s.cfg.Board.Layout().Channels)
	if err != nil {
		monitoring.Debugf("stream: band powers skipped: %v", err)
		return
	}
	s.cfg.Hub.Publish(publish.TopicBandPower, table)
}

// plotTick scores quality on the last conditioned window.
func (s *Streamer) plotTick(ctx context.Context) {
	if s.lastWindow == nil {
		return
	}
	reports := s.cfg.Scorer.Score(s.lastWindow)
	s.lastQuality = reports
	s.cfg.Hub.Publish(publish.TopicQuality, reports)

	if s.cfg.Store != nil {
		rows := make([]store.QualityRow, len(reports))
		ts := s.lastWindow.NewestTimestamp()
		for i, r := range reports {
			rows[i] = store.QualityRow{
				Channel:   r.Channel,
				Label:     r.Label,
				Amplitude: r.Amplitude,
				Score:     r.Score,
				Timestamp: ts,
			}
		}
		if err := s.cfg.Store.RecordQuality(ctx, s.sessionID, rows); err != nil {
			monitoring.Logf("stream: quality not recorded: %v", err)
		}
	}
}

// handleResult publishes and records one completed inference.
func (s *Streamer) handleResult(ctx context.Context, res predict.Result) {
	if res.Err != nil {
		monitoring.Logf("stream: prediction %s failed: %v", res.TaskID, res.Err)
		return
	}
	s.cfg.Hub.Publish(publish.TopicPrediction, res)
	monitoring.Debugf("stream: prediction %s -> class %d (%.1fms)",
		res.TaskID, res.Output.Label, float64(res.Latency)/float64(time.Millisecond))

	if s.cfg.Store != nil {
		err := s.cfg.Store.RecordPrediction(ctx, s.sessionID, store.PredictionRow{
			TaskID:        res.TaskID,
			Label:         res.Output.Label,
			Probabilities: res.Output.Probabilities,
			Timestamp:     res.Timestamp,
			LatencyMs:     float64(res.Latency) / float64(time.Millisecond),
		})
		if err != nil {
			monitoring.Logf("stream: prediction not recorded: %v", err)
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (s *Streamer) do(ctx context.Context, fn func()) error {
	cmd := command{apply: fn, done: make(chan struct{})}
	select {
	case s.commands <- cmd:
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnMarker routes one external marker event through the session state
// machine and publishes it.
func (s *Streamer) OnMarker(ctx context.Context, ev trigger.Event) error {
	if ev.Timestamp == 0 {
		ev.Timestamp = float64(s.clock.Now().UnixNano()) / float64(time.Second)
	}
	var routeErr error
	err := s.do(ctx, func() {
		routeErr = s.cfg.Router.HandleMarker(ctx, ev)
	})
	if err != nil {
		return err
	}
	if routeErr != nil {
		return routeErr
	}

	s.cfg.Hub.Publish(publish.TopicMarker, ev)
	if s.cfg.Store != nil {
		if err := s.cfg.Store.RecordMarker(ctx, s.sessionID, ev.Value, ev.Timestamp); err != nil {
			monitoring.Logf("stream: marker not recorded: %v", err)
		}
	}
	return nil
}

// SetFilterSpec validates and installs new live filter settings. An invalid
// enabled stage rejects the whole update; the previous spec stays active.
func (s *Streamer) SetFilterSpec(ctx context.Context, spec dsp.FilterSpec) error {
	if spec.BandpassEnabled {
		if err := s.cfg.Conditioner.ValidateBandpass(spec.BandpassLow, spec.BandpassHigh); err != nil {
			return err
		}
	}
	if spec.NotchEnabled {
		if err := s.cfg.Conditioner.ValidateNotch(spec.NotchFreqs); err != nil {
			return err
		}
	}
	return s.do(ctx, func() {
		s.filterSpec = spec
		if s.cfg.OnFilterChange != nil {
			s.cfg.OnFilterChange(spec)
		}
		monitoring.Logf("stream: filter settings updated: %+v", spec)
	})
}

// FilterSpec reads the active filter settings.
func (s *Streamer) FilterSpec(ctx context.Context) (dsp.FilterSpec, error) {
	var spec dsp.FilterSpec
	err := s.do(ctx, func() { spec = s.filterSpec })
	return spec, err
}

// ArmTraining records the training start timestamp.
func (s *Streamer) ArmTraining(ctx context.Context) error {
	return s.do(ctx, func() { s.cfg.Router.ArmTraining() })
}

// CommitTraining ends the training recording and hands the elapsed epoch to
// the trainer.
func (s *Streamer) CommitTraining(ctx context.Context) error {
	var commitErr error
	if err := s.do(ctx, func() { commitErr = s.cfg.Router.CommitTraining(ctx) }); err != nil {
		return err
	}
	return commitErr
}

// TogglePredicting flips online classification and reports the new value.
func (s *Streamer) TogglePredicting(ctx context.Context) (bool, error) {
	var on bool
	err := s.do(ctx, func() { on = s.cfg.Router.TogglePredicting() })
	return on, err
}

// SetPredicting sets online classification explicitly.
func (s *Streamer) SetPredicting(ctx context.Context, on bool) error {
	return s.do(ctx, func() { s.cfg.Router.SetPredicting(on) })
}

// CurrentQuality returns the most recent per-channel quality reports, nil
// before the first plot tick.
func (s *Streamer) CurrentQuality(ctx context.Context) ([]quality.Report, error) {
	var reports []quality.Report
	err := s.do(ctx, func() {
		reports = append([]quality.Report(nil), s.lastQuality...)
	})
	return reports, err
}

// CurrentWindow returns a copy of the most recent conditioned window, nil
// before the first data tick.
func (s *Streamer) CurrentWindow(ctx context.Context) (*window.Snapshot, error) {
	var snap *window.Snapshot
	err := s.do(ctx, func() {
		if s.lastWindow != nil {
			snap = s.lastWindow.Clone()
		}
	})
	return snap, err
}

func sessionBands(bands []session.Band) []dsp.Band {
	out := make([]dsp.Band, len(bands))
	for i, b := range bands {
		out[i] = dsp.Band{Name: b.Name, Low: b.Low, High: b.High}
	}
	return out
}
