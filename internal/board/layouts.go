package board

import "strconv"

// Layout describes the channel arrangement of a device: electrode names in
// channel order plus the header row used for file export.
type Layout struct {
	Name     string
	Channels []string
	Header   []string
}

// layouts maps device IDs to their channel layouts. Unknown devices fall
// back to generic numbered channels via LayoutFor.
var layouts = map[string]Layout{
	"synthetic-8": {
		Name:     "Synthetic 8-channel",
		Channels: []string{"Fp1", "Fp2", "C3", "C4", "P7", "P8", "O1", "O2"},
		Header:   []string{"idx", "Fp1", "Fp2", "C3", "C4", "P7", "P8", "O1", "O2", "marker", "timestamp"},
	},
	"cyton-8": {
		Name:     "Cyton",
		Channels: []string{"Fp1", "Fp2", "C3", "C4", "P7", "P8", "O1", "O2"},
		Header:   []string{"idx", "Fp1", "Fp2", "C3", "C4", "P7", "P8", "O1", "O2", "marker", "timestamp"},
	},
	"cyton-daisy-16": {
		Name: "Cyton+Daisy",
		Channels: []string{
			"Fp1", "Fp2", "F3", "F4", "C3", "C4", "P3", "P4",
			"P7", "P8", "T7", "T8", "F7", "F8", "O1", "O2",
		},
		Header: []string{
			"idx", "Fp1", "Fp2", "F3", "F4", "C3", "C4", "P3", "P4",
			"P7", "P8", "T7", "T8", "F7", "F8", "O1", "O2", "marker", "timestamp",
		},
	},
}

// LayoutFor returns the layout registered for deviceID, or a generic layout
// with nChannels numbered channels when the device is unknown.
func LayoutFor(deviceID string, nChannels int) Layout {
	if l, ok := layouts[deviceID]; ok {
		return l
	}
	l := Layout{Name: deviceID}
	l.Channels = make([]string, nChannels)
	l.Header = append(l.Header, "idx")
	for i := range l.Channels {
		name := "ch" + strconv.Itoa(i+1)
		l.Channels[i] = name
		l.Header = append(l.Header, name)
	}
	l.Header = append(l.Header, "marker", "timestamp")
	return l
}
