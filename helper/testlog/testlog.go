// Package testlog creates hclog.Logger instances backed by testing.T
// to ease logging in tests.
package testlog

import (
	"github.com/hashicorp/go-hclog"
)

// Logger is the methods of testing.T (or testing.B) needed by the test
// logger.
type Logger interface {
	Logf(format string, args ...interface{})
}

// Writer implements io.Writer on top of a Logger.
type Writer struct {
	t Logger
}

// Write to an underlying Logger. Never returns an error.
func (w *Writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// HCLogger returns a trace-level hclog.Logger routed through t, so log
// lines interleave with test output and only surface for failing tests.
func HCLogger(t Logger) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "test",
		Level:  hclog.Trace,
		Output: &Writer{t},
	})
}
