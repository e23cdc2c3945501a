// Command streamerd runs the acquisition session: board in, conditioned
// windows and predictions out over HTTP and websocket.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cortex-data/cortex.stream/internal/api"
	"github.com/cortex-data/cortex.stream/internal/board"
	"github.com/cortex-data/cortex.stream/internal/classify"
	"github.com/cortex-data/cortex.stream/internal/dsp"
	"github.com/cortex-data/cortex.stream/internal/monitor"
	"github.com/cortex-data/cortex.stream/internal/monitoring"
	"github.com/cortex-data/cortex.stream/internal/predict"
	"github.com/cortex-data/cortex.stream/internal/publish"
	"github.com/cortex-data/cortex.stream/internal/quality"
	"github.com/cortex-data/cortex.stream/internal/session"
	"github.com/cortex-data/cortex.stream/internal/store"
	"github.com/cortex-data/cortex.stream/internal/stream"
	"github.com/cortex-data/cortex.stream/internal/trigger"
	"github.com/cortex-data/cortex.stream/internal/window"
)

var (
	configPath = flag.String("config", "", "Path to session config YAML (defaults apply when empty)")
	listen     = flag.String("listen", ":8080", "Listen address")
	devMode    = flag.Bool("dev", false, "Use the synthetic board instead of serial hardware")
	serialPort = flag.String("serial-port", "/dev/ttyUSB0", "Serial device path for the amplifier")
	deviceID   = flag.String("device", "cyton-8", "Device identifier (selects the channel layout)")
	channels   = flag.Int("channels", 8, "Channel count")
	rate       = flag.Float64("rate", 250, "Sampling rate in Hz")
	dbFile     = flag.String("db", "session_data.db", "SQLite database path (empty disables recording)")
	verbose    = flag.Bool("verbose", false, "Enable debug logging")
)

func main() {
	flag.Parse()
	monitoring.SetVerbose(*verbose)

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := session.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var b board.Board
	if *devMode {
		b = board.NewMockBoard(*channels, *rate, nil)
	} else {
		sb, err := board.OpenSerialBoard(*serialPort, *deviceID, *channels, *rate)
		if err != nil {
			log.Fatalf("Failed to open board: %v", err)
		}
		b = sb
	}

	var db *store.DB
	if *dbFile != "" {
		db, err = store.Open(*dbFile)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
	}

	timing := session.NewTiming(cfg.OnTimeMs, cfg.NClasses, b.SamplingRate())
	buffer := window.NewBuffer(b, time.Second)
	conditioner := dsp.NewConditioner(b.SamplingRate())

	thresholds := make([]quality.Threshold, len(cfg.QualityThresholds))
	for i, qt := range cfg.QualityThresholds {
		thresholds[i] = quality.Threshold{Low: qt.Low, High: qt.High, Label: qt.Label, Score: qt.Score}
	}
	scorer := quality.NewScorer(thresholds, b.Layout().Channels)

	bands := make([]dsp.Band, len(cfg.Bands))
	for i, bd := range cfg.Bands {
		bands[i] = dsp.Band{Name: bd.Name, Low: bd.Low, High: bd.High}
	}

	onSamples := int(float64(cfg.OnTimeMs) / 1000 * b.SamplingRate())
	classifier := classify.New(b.SamplingRate(), bands, cfg.NClasses, onSamples)

	// The dispatcher and the trainer condition their epochs off the loop
	// goroutine, so they read the live filter settings through this mirror
	// instead of querying the streamer.
	var specMu sync.Mutex
	var liveSpec dsp.FilterSpec
	condition := func(snap *window.Snapshot) {
		specMu.Lock()
		spec := liveSpec
		specMu.Unlock()
		for _, cerr := range conditioner.Condition(snap, spec) {
			monitoring.Logf("epoch filter stage skipped: %v", cerr)
		}
	}

	dispatcher := predict.NewDispatcher(predict.Config{
		Workers:           cfg.Dispatcher.Workers,
		Queue:             cfg.Dispatcher.QueueSize,
		Block:             cfg.Dispatcher.Policy == "block",
		Datapoints:        timing.PredictionDatapoints,
		Buffer:            buffer,
		Classifier:        classifier,
		Condition:         condition,
		WithProbabilities: true,
		Grouped:           true,
	})

	router := trigger.NewRouter(trigger.Config{
		NClasses:   cfg.NClasses,
		Timing:     timing,
		Board:      b,
		Buffer:     buffer,
		Condition:  condition,
		Dispatcher: dispatcher,
		Trainer:    classifier,
		OnTrainDone: func(err error) {
			if err != nil {
				monitoring.Logf("training failed: %v", err)
			} else {
				monitoring.Logf("training complete")
			}
		},
	})

	hub := publish.NewHub()
	streamer := stream.New(stream.Config{
		Session:     cfg,
		Timing:      timing,
		Board:       b,
		Buffer:      buffer,
		Conditioner: conditioner,
		Scorer:      scorer,
		Router:      router,
		Dispatcher:  dispatcher,
		Hub:         hub,
		Store:       db,
		OnFilterChange: func(spec dsp.FilterSpec) {
			specMu.Lock()
			liveSpec = spec
			specMu.Unlock()
		},
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := streamer.Run(ctx); err != nil {
			log.Fatalf("Failed to run session: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(buildMux(streamer, hub, db, b, bands)),
		}

		go func() {
			monitoring.Logf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		monitoring.Logf("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	monitoring.Logf("graceful shutdown complete")
}

func buildMux(streamer *stream.Streamer, hub *publish.Hub, db *store.DB, b board.Board, bands []dsp.Band) *http.ServeMux {
	mux := api.NewServer(streamer, hub, db, b.DeviceID(), b.SamplingRate()).ServeMux()
	monitor.NewWebServer(streamer, b.SamplingRate(), bands, b.Layout().Channels).AttachRoutes(mux)
	return mux
}
