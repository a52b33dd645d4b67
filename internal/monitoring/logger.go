// Package monitoring holds the process-wide diagnostic logger.
//
// Log is a zerolog logger writing human-readable lines to stderr. Logf is kept
// as a printf-style shim for call sites that do not need structured fields; it
// may be replaced by SetLogger so tests or embedding programs can redirect or
// mute it.
package monitoring

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Log is the shared structured logger.
var Log = newLogger(os.Stderr)

// Logf is the package-level diagnostic logger. It defaults to an info-level
// message on Log but may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = defaultLogf

func init() {
	SetDebug(strings.EqualFold(os.Getenv("DEBUG"), "true"))
}

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}).
		With().Timestamp().Logger()
}

func defaultLogf(format string, v ...interface{}) {
	Log.Info().Msgf(format, v...)
}

// SetLogger replaces the printf-style logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetOutput points Log at w. A nil writer discards all structured output.
func SetOutput(w io.Writer) {
	if w == nil {
		Log = zerolog.Nop()
		return
	}
	Log = newLogger(w)
}

// SetDebug toggles debug-level output for every zerolog logger.
func SetDebug(on bool) {
	if on {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}
