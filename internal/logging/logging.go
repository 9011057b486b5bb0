// Package logging builds the structured logger used by cmd/init and
// internal/runtime. Bring-up stages log a line once their step completes,
// so a hung boot shows the last stage that finished.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aos-course/init-runtime/internal/errs"
)

// Format selects the logger's output encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// New builds a zerolog.Logger writing to w (os.Stderr in production, a
// buffer in tests) at the given level and format, with a "core" field so
// interleaved multi-core log output can be demultiplexed.
func New(w io.Writer, levelName string, format Format, core uint8) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		return zerolog.Logger{}, errs.Wrap(errs.KindInvalidPayload, err, "logging: unrecognized level "+levelName)
	}

	out := w
	if format == FormatConsole {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Uint8("core", core).
		Logger(), nil
}

// Default is the process-wide fallback used before a Config is parsed
// (e.g. to report flag-parsing errors).
func Default() zerolog.Logger {
	l, _ := New(os.Stderr, "info", FormatConsole, 0)
	return l
}
