// Package monitoring provides the shared diagnostic logger for the streamer.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger. Tests or production code can redirect or
// mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// verbose gates Debugf output. Off by default; enabled with -verbose.
var verbose bool

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetVerbose enables or disables Debugf output.
func SetVerbose(v bool) { verbose = v }

// Debugf logs through Logf only when verbose logging is enabled. Per-tick
// diagnostics (quality scores, filter skips) go through here so a quiet
// session log stays readable.
func Debugf(format string, v ...interface{}) {
	if verbose {
		Logf(format, v...)
	}
}
