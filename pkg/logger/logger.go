// Package logger constructs the slog logger used across the service.
package logger

import (
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// New returns a structured logger backed by charmbracelet/log. Debug
// toggles the verbose level; everything else sticks to sane defaults so
// log output stays consistent between the CLI and the service.
func New(debug bool) *slog.Logger {
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}

	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})

	return slog.New(handler)
}
