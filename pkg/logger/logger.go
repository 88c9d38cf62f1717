// Package logger is the structured logging facade every PGM component
// logs through. It keeps the teacher's colored-banner CLI surface
// (Banner/Section) for operator-facing startup output, but backs the
// actual log lines with logrus so every record carries the structured
// fields (tsi, sqn, peer, component) the source/receiver engines attach.
package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// ANSI color codes, used only by the cosmetic Banner/Section output.
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorWhite  = "\033[37m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[90m"
)

var base = logrus.New()

func init() {
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05"})
	base.SetLevel(logrus.InfoLevel)
}

// SetLevel sets the minimum log level by name ("debug", "info", "warn",
// "error").
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return
	}
	base.SetLevel(lvl)
}

// SetJSON switches the formatter between human-readable text and
// machine-readable JSON, the latter for production deployments feeding a
// log shipper.
func SetJSON(enabled bool) {
	if enabled {
		base.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05"})
}

// Fields is the structured-field map every component-scoped logger
// attaches: tsi, sqn, peer, component, etc.
type Fields = logrus.Fields

// Entry is a logger bound to a fixed set of fields, returned by With.
type Entry = logrus.Entry

// With returns an Entry carrying fields on every subsequent call, for a
// component to stamp its identity once.
func With(fields Fields) *Entry {
	return base.WithFields(fields)
}

// ForComponent returns an Entry pre-stamped with the given component
// name, the convention every engine (srcengine, rxengine, socket) uses.
func ForComponent(component string) *Entry {
	return base.WithField("component", component)
}

// Debug logs a debug-level message.
func Debug(format string, args ...interface{}) {
	base.Debugf(format, args...)
}

// Info logs an info-level message.
func Info(format string, args ...interface{}) {
	base.Infof(format, args...)
}

// Warn logs a warning-level message.
func Warn(format string, args ...interface{}) {
	base.Warnf(format, args...)
}

// Error logs an error-level message.
func Error(format string, args ...interface{}) {
	base.Errorf(format, args...)
}

// Success logs a notable positive event at info level, tagged so it is
// easy to grep for in a log shipper without a dedicated level.
func Success(format string, args ...interface{}) {
	base.WithField("outcome", "success").Infof(format, args...)
}

// Fatal logs at error level and exits the process, matching the
// teacher's Fatal semantics.
func Fatal(format string, args ...interface{}) {
	base.Errorf(format, args...)
	os.Exit(1)
}

// InfoCyan logs an info-level message flagged for highlighted display by
// terminal-aware log viewers.
func InfoCyan(format string, args ...interface{}) {
	base.WithField("highlight", true).Infof(format, args...)
}

// Section prints a section header to stdout. This is operator-facing CLI
// chrome, not a log record, so it bypasses logrus entirely.
func Section(title string) {
	border := "═══════════════════════════════════════════════════════════"
	fmt.Printf("\n%s╔%s╗%s\n", ColorCyan, border, ColorReset)
	fmt.Printf("%s║%s %-57s %s║%s\n", ColorCyan, ColorReset, title, ColorCyan, ColorReset)
	fmt.Printf("%s╚%s╝%s\n\n", ColorCyan, border, ColorReset)
}

// Banner prints the application startup banner to stdout.
func Banner(title, version string) {
	banner := `
╔═══════════════════════════════════════════════════════════╗
║                                                           ║
║   ██████╗  ██████╗ ███╗   ███╗                            ║
║   ██╔══██╗██╔════╝ ████╗ ████║                            ║
║   ██████╔╝██║  ███╗██╔████╔██║                            ║
║   ██╔═══╝ ██║   ██║██║╚██╔╝██║                            ║
║   ██║     ╚██████╔╝██║ ╚═╝ ██║                            ║
║   ╚═╝      ╚═════╝ ╚═╝     ╚═╝                            ║
║                                                           ║
║              %s%-37s%s║
║                    %sVersion %-7s%s                      ║
║                                                           ║
╚═══════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, ColorCyan, title, ColorReset, ColorGreen, version, ColorReset)
}
