// Package logging constructs the process logger. Output is logfmt; when
// the process runs under a supervisor (parent pid 1), each line gains an
// sd-daemon priority prefix so the journal records severities.
package logging

import (
	"bytes"
	"io"
	"os"

	"github.com/go-kit/kit/log"
)

// sd-daemon priority prefixes, see sd-daemon(3).
const (
	prefixErr     = "<3>"
	prefixWarning = "<4>"
	prefixInfo    = "<6>"
)

// NewLogger returns a logger writing logfmt to w, with the standard
// timestamp and caller fields.
func NewLogger(w io.Writer) log.Logger {
	if Supervised() {
		w = &priorityWriter{next: w}
		logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
		// the journal supplies its own timestamps
		return log.With(logger, "caller", log.DefaultCaller)
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// Supervised reports whether the process appears to run under a process
// supervisor rather than an interactive session.
func Supervised() bool {
	return os.Getppid() == 1
}

// priorityWriter prefixes each line with the sd-daemon priority inferred
// from the logfmt fields on it.
type priorityWriter struct {
	next io.Writer
}

func (w *priorityWriter) Write(p []byte) (int, error) {
	prefix := prefixInfo
	switch {
	case bytes.Contains(p, []byte("err=")) || bytes.Contains(p, []byte("error=")):
		prefix = prefixErr
	case bytes.Contains(p, []byte("warning=")) || bytes.Contains(p, []byte("warn=")):
		prefix = prefixWarning
	}
	if _, err := w.next.Write(append([]byte(prefix), p...)); err != nil {
		return 0, err
	}
	return len(p), nil
}
