// Package logging configures the process logger. Logs always go to
// stderr: stdout is reserved for the state checkpoint stream.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates the target logger. Verbose lowers the level to debug,
// quiet raises it to warn; verbose wins when both are set.
func New(verbose, quiet bool, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}

	level := zerolog.InfoLevel
	switch {
	case verbose:
		level = zerolog.DebugLevel
	case quiet:
		level = zerolog.WarnLevel
	}

	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("component", "target-stitch").
		Logger()
}
