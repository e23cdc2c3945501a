// Package monitor serves debugging-only visualisations of the live session:
// quality and band-power charts rendered with go-echarts and a PNG trace of
// the current window. No auth; meant for the operator's own machine.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/cortex-data/cortex.stream/internal/dsp"
	"github.com/cortex-data/cortex.stream/internal/quality"
	"github.com/cortex-data/cortex.stream/internal/window"
)

// Source provides the live data the charts render. The streamer satisfies
// it.
type Source interface {
	CurrentQuality(ctx context.Context) ([]quality.Report, error)
	CurrentWindow(ctx context.Context) (*window.Snapshot, error)
}

// WebServer renders the debug charts.
type WebServer struct {
	src      Source
	rate     float64
	bands    []dsp.Band
	channels []string
}

// NewWebServer builds the debug chart server.
func NewWebServer(src Source, rate float64, bands []dsp.Band, channels []string) *WebServer {
	return &WebServer{src: src, rate: rate, bands: bands, channels: channels}
}

// AttachRoutes mounts the debug endpoints on mux.
func (ws *WebServer) AttachRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/quality-chart", ws.handleQualityChart)
	mux.HandleFunc("/debug/bandpower-chart", ws.handleBandPowerChart)
	mux.HandleFunc("/debug/window.png", ws.handleWindowPNG)
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// handleQualityChart renders a bar chart of per-channel quality scores with
// the measured amplitude as a second series.
func (ws *WebServer) handleQualityChart(w http.ResponseWriter, r *http.Request) {
	reports, err := ws.src.CurrentQuality(r.Context())
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read quality: %v", err))
		return
	}
	if len(reports) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no quality reports available yet")
		return
	}

	x := make([]string, len(reports))
	scores := make([]opts.BarData, len(reports))
	amps := make([]opts.BarData, len(reports))
	for i, rep := range reports {
		name := rep.Channel
		if name == "" {
			name = fmt.Sprintf("ch%d", i+1)
		}
		x[i] = name
		scores[i] = opts.BarData{Value: rep.Score, Name: rep.Label}
		amps[i] = opts.BarData{Value: rep.Amplitude}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Signal Quality", Theme: "dark", Width: "100%", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{Title: "Signal Quality", Subtitle: time.Now().UTC().Format(time.RFC3339)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("score", scores,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		).
		AddSeries("amplitude (µV, p75)", amps)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleBandPowerChart renders per-channel band powers, one bar series per
// band.
func (ws *WebServer) handleBandPowerChart(w http.ResponseWriter, r *http.Request) {
	snap, err := ws.src.CurrentWindow(r.Context())
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read window: %v", err))
		return
	}
	if snap == nil || snap.Samples() == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no window available yet")
		return
	}

	table, err := dsp.ExtractBandPowers(snap, ws.rate, ws.bands, ws.channels)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to extract band powers: %v", err))
		return
	}

	x := make([]string, snap.Channels())
	for i := range x {
		if i < len(ws.channels) && ws.channels[i] != "" {
			x[i] = ws.channels[i]
		} else {
			x[i] = fmt.Sprintf("ch%d", i+1)
		}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Band Powers", Theme: "dark", Width: "100%", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{Title: "Band Powers", Subtitle: fmt.Sprintf("window ends at %.3f", snap.NewestTimestamp())}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x)
	for bi, band := range table.Bands {
		series := make([]opts.BarData, snap.Channels())
		for ch := range series {
			series[ch] = opts.BarData{Value: table.Values[ch][bi]}
		}
		bar.AddSeries(band, series)
	}

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleWindowPNG renders the current window as stacked channel traces.
func (ws *WebServer) handleWindowPNG(w http.ResponseWriter, r *http.Request) {
	snap, err := ws.src.CurrentWindow(r.Context())
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read window: %v", err))
		return
	}
	if snap == nil || snap.Samples() == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no window available yet")
		return
	}

	var buf bytes.Buffer
	if err := RenderWindowPNG(&buf, snap, ws.rate, ws.channels); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render window: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
