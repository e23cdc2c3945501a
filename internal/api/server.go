// Package api exposes the session control surface over HTTP: state reads,
// marker injection, filter updates, training and predicting control, plus
// the websocket feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cortex-data/cortex.stream/internal/dsp"
	"github.com/cortex-data/cortex.stream/internal/monitoring"
	"github.com/cortex-data/cortex.stream/internal/predict"
	"github.com/cortex-data/cortex.stream/internal/quality"
	"github.com/cortex-data/cortex.stream/internal/session"
	"github.com/cortex-data/cortex.stream/internal/store"
	"github.com/cortex-data/cortex.stream/internal/trigger"
	"github.com/cortex-data/cortex.stream/internal/window"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Controller is the streamer surface the API drives. All calls execute on
// the streamer loop; handlers only marshal.
type Controller interface {
	SessionID() string
	State() trigger.State
	Timing() session.Timing
	OnMarker(ctx context.Context, ev trigger.Event) error
	SetFilterSpec(ctx context.Context, spec dsp.FilterSpec) error
	FilterSpec(ctx context.Context) (dsp.FilterSpec, error)
	ArmTraining(ctx context.Context) error
	CommitTraining(ctx context.Context) error
	TogglePredicting(ctx context.Context) (bool, error)
	SetPredicting(ctx context.Context, on bool) error
	CurrentQuality(ctx context.Context) ([]quality.Report, error)
	CurrentWindow(ctx context.Context) (*window.Snapshot, error)
}

// Server routes the HTTP control surface.
type Server struct {
	ctrl   Controller
	ws     http.Handler
	db     *store.DB
	device string
	rate   float64
}

// NewServer builds the API server. ws handles websocket upgrades; db is
// optional and gates the history endpoints.
func NewServer(ctrl Controller, ws http.Handler, db *store.DB, device string, rate float64) *Server {
	return &Server{ctrl: ctrl, ws: ws, db: db, device: device, rate: rate}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session", s.showSession)
	mux.HandleFunc("/api/timing", s.showTiming)
	mux.HandleFunc("/api/quality", s.showQuality)
	mux.HandleFunc("/api/window", s.showWindow)
	mux.HandleFunc("/api/filters", s.handleFilters)
	mux.HandleFunc("/api/marker", s.insertMarker)
	mux.HandleFunc("/api/train/start", s.startTraining)
	mux.HandleFunc("/api/train/commit", s.commitTraining)
	mux.HandleFunc("/api/predicting", s.handlePredicting)
	mux.HandleFunc("/api/predictions", s.listPredictions)
	mux.HandleFunc("/health", s.showHealth)
	if s.ws != nil {
		mux.Handle("/ws", s.ws)
	}
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("api: response encode failed: %v", err)
	}
}

// writeJSONStatus is writeJSON with a non-200 status line. Headers must be
// set before WriteHeader or they are silently dropped.
func (s *Server) writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("api: response encode failed: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeControlError maps the session error taxonomy onto HTTP statuses.
func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, trigger.ErrEmptyTrigger), errors.Is(err, dsp.ErrInvalidFilter):
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, trigger.ErrNotArmed), errors.Is(err, trigger.ErrTrainingBusy):
		s.writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, predict.ErrQueueFull):
		s.writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) showHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "streamer", "timestamp": "%s"}`,
		time.Now().UTC().Format(time.RFC3339))
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	st := s.ctrl.State()
	s.writeJSON(w, map[string]interface{}{
		"session_id":    s.ctrl.SessionID(),
		"device_id":     s.device,
		"sampling_rate": s.rate,
		"mode":          st.Mode.String(),
		"predicting":    st.Predicting,
	})
}

func (s *Server) showTiming(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	t := s.ctrl.Timing()
	s.writeJSON(w, map[string]interface{}{
		"on_time_ms":             t.OnTimeMs,
		"off_time_ms":            t.OffTimeMs,
		"prediction_interval_ms": t.PredictionIntervalMs,
		"prediction_datapoints":  t.PredictionDatapoints,
		"sampling_rate":          t.SamplingRate,
	})
}

func (s *Server) showQuality(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	reports, err := s.ctrl.CurrentQuality(r.Context())
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, reports)
}

func (s *Server) showWindow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	snap, err := s.ctrl.CurrentWindow(r.Context())
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	if snap == nil {
		s.writeJSONError(w, http.StatusNotFound, "no window available yet")
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"data":       snap.Data,
		"timestamps": snap.Timestamps,
		"marker":     snap.Marker,
	})
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		spec, err := s.ctrl.FilterSpec(r.Context())
		if err != nil {
			s.writeControlError(w, err)
			return
		}
		s.writeJSON(w, spec)
	case http.MethodPost:
		var spec dsp.FilterSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "invalid filter spec: "+err.Error())
			return
		}
		if err := s.ctrl.SetFilterSpec(r.Context(), spec); err != nil {
			s.writeControlError(w, err)
			return
		}
		s.writeJSON(w, spec)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) insertMarker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var ev trigger.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid marker event: "+err.Error())
		return
	}
	if err := s.ctrl.OnMarker(r.Context(), ev); err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSONStatus(w, http.StatusAccepted, ev)
}

func (s *Server) startTraining(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := s.ctrl.ArmTraining(r.Context()); err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"mode": s.ctrl.State().Mode.String()})
}

func (s *Server) commitTraining(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := s.ctrl.CommitTraining(r.Context()); err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"mode": s.ctrl.State().Mode.String()})
}

func (s *Server) handlePredicting(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, map[string]bool{"predicting": s.ctrl.State().Predicting})
	case http.MethodPost:
		// An empty body toggles; {"predicting": bool} sets explicitly.
		var body struct {
			Predicting *bool `json:"predicting"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			s.writeJSONError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
		var on bool
		var err error
		if body.Predicting != nil {
			on = *body.Predicting
			err = s.ctrl.SetPredicting(r.Context(), on)
		} else {
			on, err = s.ctrl.TogglePredicting(r.Context())
		}
		if err != nil {
			s.writeControlError(w, err)
			return
		}
		s.writeJSON(w, map[string]bool{"predicting": on})
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) listPredictions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "recording is disabled")
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	preds, err := s.db.Predictions(r.Context(), s.ctrl.SessionID(), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve predictions: %v", err))
		return
	}
	if preds == nil {
		preds = []store.PredictionRow{}
	}
	s.writeJSON(w, preds)
}
