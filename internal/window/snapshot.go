// Package window holds the rolling multichannel sample window: the Snapshot
// produced by one acquisition pull and the Buffer that refreshes it.
package window

// Snapshot is the in-memory multichannel sample window produced by one
// acquisition pull: a channel-major amplitude matrix plus an aligned
// timestamp vector and the trigger/marker channel.
//
// A Snapshot is owned by exactly one component at a time. Hand a Clone to
// anything that runs on another goroutine; never share one across threads.
type Snapshot struct {
	// Data is channel-major: Data[ch][i] is sample i of channel ch.
	Data [][]float64

	// Timestamps holds one unix-seconds timestamp per sample column.
	Timestamps []float64

	// Marker carries the trigger channel, aligned with Timestamps. Zero
	// means no marker at that sample.
	Marker []float64
}

// NewSnapshot allocates an empty snapshot of the given shape.
func NewSnapshot(channels, samples int) *Snapshot {
	data := make([][]float64, channels)
	for i := range data {
		data[i] = make([]float64, samples)
	}
	return &Snapshot{
		Data:       data,
		Timestamps: make([]float64, samples),
		Marker:     make([]float64, samples),
	}
}

// Channels returns the channel count.
func (s *Snapshot) Channels() int { return len(s.Data) }

// Samples returns the per-channel sample count.
func (s *Snapshot) Samples() int { return len(s.Timestamps) }

// NewestTimestamp returns the timestamp of the most recent sample, or zero
// for an empty snapshot.
func (s *Snapshot) NewestTimestamp() float64 {
	if len(s.Timestamps) == 0 {
		return 0
	}
	return s.Timestamps[len(s.Timestamps)-1]
}

// Clone returns a deep copy. Use it when handing the snapshot to a worker
// goroutine so the original stays single-owner.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{
		Data:       make([][]float64, len(s.Data)),
		Timestamps: append([]float64(nil), s.Timestamps...),
		Marker:     append([]float64(nil), s.Marker...),
	}
	for i, ch := range s.Data {
		c.Data[i] = append([]float64(nil), ch...)
	}
	return c
}
