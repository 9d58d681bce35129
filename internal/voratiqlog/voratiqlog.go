// Package voratiqlog configures the process-wide structured logger:
// colorized tint output at a real terminal, newline-delimited JSON
// otherwise (redirected to a file, piped, or running under CI), per the
// ambient logging stack named in SPEC_FULL.md. Grounded on the teacher's
// go.mod dependency set (lmittmann/tint, mattn/go-isatty, mattn/go-colorable).
package voratiqlog

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Setup builds a slog.Logger writing to out at level, choosing a tint
// handler with ANSI color when out is a real terminal and a plain JSON
// handler otherwise.
func Setup(out *os.File, level slog.Level) *slog.Logger {
	if isTerminal(out) {
		return slog.New(tint.NewHandler(colorable.NewColorable(out), &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}

// SetupWriter is Setup's non-terminal-aware sibling for callers that already
// have an io.Writer (e.g. a log file opened for a run) rather than an *os.File.
// It always uses the JSON handler, since an arbitrary io.Writer is never a
// terminal worth colorizing.
func SetupWriter(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Default configures and installs the process-wide default logger, writing
// to os.Stderr at level, and returns it for callers that want a handle.
func Default(level slog.Level) *slog.Logger {
	logger := Setup(os.Stderr, level)
	slog.SetDefault(logger)
	return logger
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
