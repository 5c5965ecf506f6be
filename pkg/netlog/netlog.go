// Package netlog keeps the teacher's level-gated logger surface
// (Debug/Info/Warn/Error/Success, Section, Banner) but rebuilds it on
// top of go.uber.org/zap instead of hand-rolled ANSI color codes, so log
// lines carry structured fields (tick, client id, channel, group) a
// query engine can filter on instead of a pre-formatted string.
package netlog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var base *zap.Logger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	base = l
}

// SetLevel swaps the default logger for one gated at level, following
// the teacher's SetLevel(int) surface.
func SetLevel(level zapcore.Level) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	l, err := cfg.Build()
	if err == nil {
		base = l
	}
}

// Debug logs a debug-level message with structured fields.
func Debug(msg string, fields ...zap.Field) { base.Debug(msg, fields...) }

// Info logs an info-level message with structured fields.
func Info(msg string, fields ...zap.Field) { base.Info(msg, fields...) }

// Warn logs a warning-level message with structured fields.
func Warn(msg string, fields ...zap.Field) { base.Warn(msg, fields...) }

// Error logs an error-level message with structured fields.
func Error(msg string, fields ...zap.Field) { base.Error(msg, fields...) }

// Success logs at info level with a "success" field for filtering,
// matching the teacher's distinct Success level without needing a
// custom zapcore level.
func Success(msg string, fields ...zap.Field) {
	base.Info(msg, append(fields, zap.Bool("success", true))...)
}

// Fatal logs at fatal level and terminates the process, matching the
// teacher's Fatal surface.
func Fatal(msg string, fields ...zap.Field) { base.Fatal(msg, fields...) }

// Section prints a banner-style section header to stdout, preserved from
// the teacher's pkg/logger.Section for CLI readability; it bypasses the
// structured logger since it's pure presentation, not a log event.
func Section(title string) {
	border := "═══════════════════════════════════════════════════════════"
	fmt.Printf("\n╔%s╗\n", border)
	fmt.Printf("║ %-61s ║\n", title)
	fmt.Printf("╚%s╝\n\n", border)
}

// Banner prints the application banner, adapted from the teacher's
// pkg/logger.Banner with the SA-MP ASCII art replaced by netrep's.
func Banner(title, version string) {
	banner := `
╔═══════════════════════════════════════════════════════════╗
║   _ __   ___| |_ _ __ ___ _ __                              ║
║  | '_ \ / _ \ __| '__/ _ \ '_ \                             ║
║  | | | |  __/ |_| | |  __/ |_) |                            ║
║  |_| |_|\___|\__|_|  \___| .__/                             ║
║                          |_|                                ║
║              %-47s║
║                    Version %-7s                      ║
╚═══════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, title, version)
}

// Sync flushes any buffered log entries; call before process exit.
func Sync() error { return base.Sync() }
