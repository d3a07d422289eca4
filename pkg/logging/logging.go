// Package logging constructs the process-wide logger and component-scoped
// children with consistent field naming.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// New builds the base logger. Level is parsed case-insensitively and
// defaults to info.
func New(level string) *log.Logger {
	parsed := log.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		parsed = log.DebugLevel
	case "warn":
		parsed = log.WarnLevel
	case "error":
		parsed = log.ErrorLevel
	}

	return log.NewWithOptions(os.Stdout, log.Options{
		ReportTimestamp: true,
		Level:           parsed,
		TimeFormat:      time.Kitchen,
	})
}

// ForComponent returns a child logger tagged with the component name.
func ForComponent(base *log.Logger, component string) *log.Logger {
	return base.With("component", component)
}
