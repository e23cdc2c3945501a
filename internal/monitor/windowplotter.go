package monitor

import (
	"fmt"
	"io"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/cortex-data/cortex.stream/internal/window"
)

// RenderWindowPNG draws every channel of snap as a line trace, vertically
// offset so the channels stack like a strip chart. The x axis is seconds
// relative to the window start.
func RenderWindowPNG(w io.Writer, snap *window.Snapshot, rate float64, channels []string) error {
	if rate <= 0 {
		return fmt.Errorf("monitor: sampling rate must be positive, got %v", rate)
	}
	n := snap.Samples()
	if n == 0 {
		return fmt.Errorf("monitor: empty window")
	}

	p := plot.New()
	p.Title.Text = "Session Window"
	p.X.Label.Text = "time (s)"
	p.Y.Label.Text = "channel"

	spacing := channelSpacing(snap)
	for ch := range snap.Data {
		pts := make(plotter.XYs, n)
		offset := float64(snap.Channels()-1-ch) * spacing
		for i, v := range snap.Data[ch] {
			pts[i] = plotter.XY{X: float64(i) / rate, Y: v + offset}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("monitor: channel %d line: %w", ch, err)
		}
		line.Width = vg.Points(1)
		line.Color = plotutil.Color(ch)

		name := fmt.Sprintf("ch%d", ch+1)
		if ch < len(channels) && channels[ch] != "" {
			name = channels[ch]
		}
		p.Add(line)
		p.Legend.Add(name, line)
	}

	wt, err := p.WriterTo(14*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("monitor: png writer: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("monitor: png write: %w", err)
	}
	return nil
}

// channelSpacing picks a vertical offset that keeps traces from overlapping:
// twice the largest absolute amplitude, floor 1.
func channelSpacing(snap *window.Snapshot) float64 {
	maxAbs := 0.0
	for _, ch := range snap.Data {
		for _, v := range ch {
			if a := math.Abs(v); a > maxAbs {
				maxAbs = a
			}
		}
	}
	if maxAbs == 0 {
		return 1
	}
	return 2 * maxAbs
}
