// Package logging wraps the standard library's log.Logger with a
// per-component prefix, the pattern h2 uses throughout (log.Printf
// calls inline-prefixed with "bridge:", "daemon:", etc.) rather than
// a structured logging library. In daemon mode output goes to the
// gateway log file; in foreground/CLI mode it goes to stderr.
package logging

import (
	"io"
	"log"
	"os"
)

// Logger is a component-scoped wrapper around *log.Logger.
type Logger struct {
	*log.Logger
}

// New returns a Logger writing to w with component prefixed to every
// line, e.g. New(os.Stderr, "gateway") logs as "gateway: listening on...".
func New(w io.Writer, component string) *Logger {
	return &Logger{Logger: log.New(w, component+": ", log.LstdFlags|log.Lmsgprefix)}
}

// Stderr returns a Logger for component writing to os.Stderr, used by
// CLI-invoked, non-daemon operations (start/stop/status/gc/call).
func Stderr(component string) *Logger {
	return New(os.Stderr, component)
}

// OpenFile opens (creating and appending to) the gateway log file at
// path for a detached daemon's stdio redirection and component loggers.
func OpenFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

// Sub derives a Logger for a nested component sharing this Logger's
// output, e.g. l.Sub("session") from a "gateway" Logger logs lines
// prefixed "gateway: session: ...".
func (l *Logger) Sub(component string) *Logger {
	return &Logger{Logger: log.New(l.Writer(), l.Prefix()+component+": ", log.LstdFlags|log.Lmsgprefix)}
}
