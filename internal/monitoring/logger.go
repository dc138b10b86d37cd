package monitoring

import "log"

// Logf is the package-level diagnostic logger used by the transport, decoder
// and poller packages. It defaults to log.Printf but may be replaced by
// SetLogger so tests or embedding applications can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Warnf logs a recoverable condition, such as a malformed packet that was
// discarded, through Logf with a "warning:" marker.
func Warnf(format string, v ...interface{}) {
	Logf("warning: "+format, v...)
}
