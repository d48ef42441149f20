// Package logging provides the ambient structured logger used across
// this module, built on github.com/joeycumines/logiface fronting
// log/slog through github.com/joeycumines/logiface-slog (package
// islog), exactly as the teacher wires it
// (logiface-slog/example_test.go, doc.go).
package logging

import (
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	islog "github.com/joeycumines/logiface-slog"
	"log/slog"
)

var (
	once   sync.Once
	logger *logiface.Logger[*islog.Event]
)

// L returns the package-level logger, lazily built on first use against
// a JSON slog handler writing to stderr. Configure may be called before
// any logging happens to install a different handler/level.
func L() *logiface.Logger[*islog.Event] {
	once.Do(func() {
		if logger == nil {
			logger = newDefault()
		}
	})
	return logger
}

func newDefault() *logiface.Logger[*islog.Event] {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return islog.L.New(islog.L.WithSlogHandler(handler))
}

// Configure installs a custom logger (for example, one writing to a
// test buffer or at a different level) before any call to L() has
// built the default one. Calling it after L() has already been used has
// no effect, matching the teacher's once-initialized logger convention.
func Configure(l *logiface.Logger[*islog.Event]) {
	once.Do(func() {
		logger = l
	})
}
