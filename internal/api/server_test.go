package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortex-data/cortex.stream/internal/dsp"
	"github.com/cortex-data/cortex.stream/internal/monitoring"
	"github.com/cortex-data/cortex.stream/internal/quality"
	"github.com/cortex-data/cortex.stream/internal/session"
	"github.com/cortex-data/cortex.stream/internal/trigger"
	"github.com/cortex-data/cortex.stream/internal/window"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

// fakeController records calls and plays back canned state.
type fakeController struct {
	state      trigger.State
	spec       dsp.FilterSpec
	markers    []trigger.Event
	quality    []quality.Report
	windowSnap *window.Snapshot
	predicting bool

	markerErr error
	armErr    error
	commitErr error
	filterErr error
}

func (f *fakeController) SessionID() string      { return "test-session" }
func (f *fakeController) State() trigger.State   { return f.state }
func (f *fakeController) Timing() session.Timing { return session.NewTiming(250, 4, 250) }

func (f *fakeController) OnMarker(ctx context.Context, ev trigger.Event) error {
	if f.markerErr != nil {
		return f.markerErr
	}
	f.markers = append(f.markers, ev)
	return nil
}

func (f *fakeController) SetFilterSpec(ctx context.Context, spec dsp.FilterSpec) error {
	if f.filterErr != nil {
		return f.filterErr
	}
	f.spec = spec
	return nil
}

func (f *fakeController) FilterSpec(ctx context.Context) (dsp.FilterSpec, error) {
	return f.spec, nil
}

func (f *fakeController) ArmTraining(ctx context.Context) error    { return f.armErr }
func (f *fakeController) CommitTraining(ctx context.Context) error { return f.commitErr }

func (f *fakeController) TogglePredicting(ctx context.Context) (bool, error) {
	f.predicting = !f.predicting
	return f.predicting, nil
}

func (f *fakeController) SetPredicting(ctx context.Context, on bool) error {
	f.predicting = on
	return nil
}

func (f *fakeController) CurrentQuality(ctx context.Context) ([]quality.Report, error) {
	return f.quality, nil
}

func (f *fakeController) CurrentWindow(ctx context.Context) (*window.Snapshot, error) {
	return f.windowSnap, nil
}

func newTestServer(ctrl *fakeController) *httptest.Server {
	srv := NewServer(ctrl, nil, nil, "synthetic-8", 250)
	return httptest.NewServer(srv.ServeMux())
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestShowSession(t *testing.T) {
	ctrl := &fakeController{state: trigger.State{Mode: trigger.ModeIdle, Predicting: true}}
	srv := newTestServer(ctrl)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/session")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "test-session", body["session_id"])
	assert.Equal(t, "synthetic-8", body["device_id"])
	assert.Equal(t, "idle", body["mode"])
	assert.Equal(t, true, body["predicting"])
}

func TestShowTiming(t *testing.T) {
	srv := newTestServer(&fakeController{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/timing")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]float64
	decode(t, resp, &body)
	assert.Equal(t, 250.0, body["on_time_ms"])
	assert.Equal(t, 750.0, body["off_time_ms"])
	assert.Equal(t, 2000.0, body["prediction_interval_ms"])
	assert.Equal(t, 500.0, body["prediction_datapoints"])
}

func TestInsertMarker(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(ctrl)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/marker", "application/json",
		strings.NewReader(`{"value": 3, "timestamp": 12.5}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Len(t, ctrl.markers, 1)
	assert.Equal(t, trigger.Event{Value: 3, Timestamp: 12.5}, ctrl.markers[0])
}

func TestInsertMarkerEmptyValueRejected(t *testing.T) {
	ctrl := &fakeController{markerErr: trigger.ErrEmptyTrigger}
	srv := newTestServer(ctrl)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/marker", "application/json",
		strings.NewReader(`{"value": 0}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInsertMarkerWrongMethod(t *testing.T) {
	srv := newTestServer(&fakeController{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/marker")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestFilterRoundTrip(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(ctrl)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/filters", "application/json",
		strings.NewReader(`{"bandpass_enabled": true, "bandpass_low": 1, "bandpass_high": 40}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/filters")
	require.NoError(t, err)
	var spec dsp.FilterSpec
	decode(t, resp, &spec)
	assert.True(t, spec.BandpassEnabled)
	assert.Equal(t, 40.0, spec.BandpassHigh)
}

func TestFilterValidationErrorMapsToBadRequest(t *testing.T) {
	ctrl := &fakeController{filterErr: dsp.ErrInvalidFilter}
	srv := newTestServer(ctrl)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/filters", "application/json",
		strings.NewReader(`{"bandpass_enabled": true, "bandpass_low": 50, "bandpass_high": 10}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCommitWithoutArmMapsToConflict(t *testing.T) {
	ctrl := &fakeController{commitErr: trigger.ErrNotArmed}
	srv := newTestServer(ctrl)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/train/commit", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestTrainStart(t *testing.T) {
	ctrl := &fakeController{state: trigger.State{Mode: trigger.ModeTrainingArmed}}
	srv := newTestServer(ctrl)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/train/start", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "training-armed", body["mode"])
}

func TestPredictingToggleAndSet(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(ctrl)
	defer srv.Close()

	// Empty body toggles.
	resp, err := http.Post(srv.URL+"/api/predicting", "application/json", strings.NewReader(""))
	require.NoError(t, err)
	var body map[string]bool
	decode(t, resp, &body)
	assert.True(t, body["predicting"])

	// Explicit set.
	resp, err = http.Post(srv.URL+"/api/predicting", "application/json",
		strings.NewReader(`{"predicting": false}`))
	require.NoError(t, err)
	decode(t, resp, &body)
	assert.False(t, body["predicting"])
	assert.False(t, ctrl.predicting)
}

func TestShowQuality(t *testing.T) {
	ctrl := &fakeController{quality: []quality.Report{
		{Channel: "Fp1", Label: "green", Amplitude: 5.5, Score: 1},
	}}
	srv := newTestServer(ctrl)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/quality")
	require.NoError(t, err)

	var reports []quality.Report
	decode(t, resp, &reports)
	require.Len(t, reports, 1)
	assert.Equal(t, "green", reports[0].Label)
}

func TestShowWindowBeforeFirstTick(t *testing.T) {
	srv := newTestServer(&fakeController{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/window")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShowWindow(t *testing.T) {
	snap := window.NewSnapshot(2, 4)
	snap.Data[0][3] = 7.5
	srv := newTestServer(&fakeController{windowSnap: snap})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/window")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data       [][]float64 `json:"data"`
		Timestamps []float64   `json:"timestamps"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Data, 2)
	assert.Equal(t, 7.5, body.Data[0][3])
	assert.Len(t, body.Timestamps, 4)
}

func TestPredictionsWithoutStore(t *testing.T) {
	srv := newTestServer(&fakeController{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/predictions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestLoggingMiddlewarePassesThrough(t *testing.T) {
	var logged []string
	monitoring.Logf = func(format string, v ...interface{}) {
		logged = append(logged, format)
	}
	defer monitoring.SetLogger(nil)

	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, logged)
}
