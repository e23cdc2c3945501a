package store

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cortex-data/cortex.stream/internal/board"
	"github.com/cortex-data/cortex.stream/internal/window"
)

// WriteWindowTSV writes one snapshot as tab-separated values with the
// layout's header row: idx, one column per channel, marker, timestamp.
func WriteWindowTSV(w io.Writer, snap *window.Snapshot, layout board.Layout) error {
	if snap.Channels() != len(layout.Channels) {
		return fmt.Errorf("store: snapshot has %d channels, layout %q has %d",
			snap.Channels(), layout.Name, len(layout.Channels))
	}

	if err := writeRow(w, layout.Header); err != nil {
		return err
	}

	row := make([]string, 0, len(layout.Header))
	for i := 0; i < snap.Samples(); i++ {
		row = row[:0]
		row = append(row, strconv.Itoa(i))
		for ch := range snap.Data {
			row = append(row, formatSample(snap.Data[ch][i]))
		}
		row = append(row, formatSample(snap.Marker[i]), formatSample(snap.Timestamps[i]))
		if err := writeRow(w, row); err != nil {
			return err
		}
	}
	return nil
}

// ExportWindowTSV writes the snapshot to a new file at path.
func ExportWindowTSV(path string, snap *window.Snapshot, layout board.Layout) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("store: create export file: %w", err)
	}
	if err := WriteWindowTSV(f, snap, layout); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeRow(w io.Writer, fields []string) error {
	for i, f := range fields {
		if i > 0 {
			if _, err := io.WriteString(w, "\t"); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, f); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func formatSample(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
