package monitoring

import "log"

// Logf is the package-level diagnostic logger used across the scoring and
// persistence pipeline. It defaults to log.Printf; SetLogger replaces it so
// tests can capture or silence output.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
