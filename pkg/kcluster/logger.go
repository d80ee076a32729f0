package kcluster

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// defaultLogger mirrors the colorized, human-readable tint handler the
// rest of the corpus reaches for instead of slog's default JSON/text
// handlers, which are awkward to read in a terminal during development.
func defaultLogger() *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.Kitchen,
	}))
}
