// Package logger provides logging implementations for run execution.
//
// The logger package offers leveled logging of execution progress at the
// node and run-summary levels. Implementations are thread-safe and support
// various output destinations (console, file).
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/arbor/internal/models"
)

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// ConsoleLogger logs execution progress to a writer with timestamps and
// thread safety. All output is prefixed with [HH:MM:SS] timestamps. It
// supports log level filtering to control message verbosity; color output
// is automatically enabled for terminal output.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided
// io.Writer. If writer is nil, messages are silently discarded.
// Valid levels: trace, debug, info, warn, error (case-insensitive).
// If logLevel is empty or invalid, defaults to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
func isTerminal(w io.Writer) bool {
	if w == nil {
		return false
	}

	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	// The color library's NoColor honors the NO_COLOR convention.
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// normalizeLogLevel converts a log level string to lowercase and validates
// it. Returns "info" as default for empty or invalid levels.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))

	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if validLevels[normalized] {
		return normalized
	}

	return "info" // Default level
}

// shouldLog checks if a message at the given level should be logged.
func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// logLevelToInt converts a log level string to its numeric value.
func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo // Default to info if unknown
	}
}

// Tracef logs a trace-level message (most verbose).
func (cl *ConsoleLogger) Tracef(format string, args ...any) {
	cl.logWithLevel("TRACE", fmt.Sprintf(format, args...))
}

// Debugf logs a debug-level message.
func (cl *ConsoleLogger) Debugf(format string, args ...any) {
	cl.logWithLevel("DEBUG", fmt.Sprintf(format, args...))
}

// Infof logs an info-level message.
func (cl *ConsoleLogger) Infof(format string, args ...any) {
	cl.logWithLevel("INFO", fmt.Sprintf(format, args...))
}

// Warnf logs a warning-level message.
func (cl *ConsoleLogger) Warnf(format string, args ...any) {
	cl.logWithLevel("WARN", fmt.Sprintf(format, args...))
}

// Errorf logs an error-level message.
func (cl *ConsoleLogger) Errorf(format string, args ...any) {
	cl.logWithLevel("ERROR", fmt.Sprintf(format, args...))
}

// logWithLevel logs a message at the specified level if filtering allows it.
// Format: "[HH:MM:SS] [LEVEL] <message>"
func (cl *ConsoleLogger) logWithLevel(level, message string) {
	if cl.writer == nil {
		return
	}
	if !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	var formatted string
	if cl.colorOutput {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, colorizeLevel(level), message)
	} else {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, level, message)
	}

	cl.writer.Write([]byte(formatted))
}

// colorizeLevel applies the level's ANSI color.
func colorizeLevel(level string) string {
	switch strings.ToUpper(level) {
	case "TRACE":
		return color.New(color.FgHiBlack).Sprint(level)
	case "DEBUG":
		return color.New(color.FgCyan).Sprint(level)
	case "INFO":
		return color.New(color.FgBlue).Sprint(level)
	case "WARN":
		return color.New(color.FgYellow).Sprint(level)
	case "ERROR":
		return color.New(color.FgRed).Sprint(level)
	default:
		return level
	}
}

// LogRunSummary logs the run summary with node statistics at INFO level.
func (cl *ConsoleLogger) LogRunSummary(summary *models.RunSummary) {
	if cl.writer == nil || summary == nil {
		return
	}
	if !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()

	succeeded, failed, skipped := 0, 0, 0
	for _, st := range summary.NodeStates {
		switch st {
		case models.StateSucceeded:
			succeeded++
		case models.StateFailed:
			failed++
		case models.StateSkipped:
			skipped++
		}
	}

	var output string
	if cl.colorOutput {
		header := color.New(color.Bold).Sprint("=== Run Summary ===")
		output = fmt.Sprintf("[%s] %s\n", ts, header)
		output += fmt.Sprintf("[%s] Run: %s\n", ts, summary.RunID)
		output += fmt.Sprintf("[%s] Outcome: %s\n", ts, colorizeOutcome(summary.Outcome))
		output += fmt.Sprintf("[%s] %s\n", ts, color.New(color.FgGreen).Sprintf("Succeeded: %d", succeeded))
		if failed > 0 {
			output += fmt.Sprintf("[%s] %s\n", ts, color.New(color.FgRed).Sprintf("Failed: %d", failed))
		} else {
			output += fmt.Sprintf("[%s] Failed: %d\n", ts, failed)
		}
	} else {
		output = fmt.Sprintf("[%s] === Run Summary ===\n", ts)
		output += fmt.Sprintf("[%s] Run: %s\n", ts, summary.RunID)
		output += fmt.Sprintf("[%s] Outcome: %s\n", ts, summary.Outcome)
		output += fmt.Sprintf("[%s] Succeeded: %d\n", ts, succeeded)
		output += fmt.Sprintf("[%s] Failed: %d\n", ts, failed)
	}
	if skipped > 0 {
		output += fmt.Sprintf("[%s] Skipped: %d\n", ts, skipped)
	}
	output += fmt.Sprintf("[%s] Retries: %d\n", ts, summary.TotalRetries)
	output += fmt.Sprintf("[%s] Duration: %s\n", ts, formatDuration(summary.Duration))
	if summary.SeededFrom != "" {
		output += fmt.Sprintf("[%s] Seeded from episode: %s\n", ts, summary.SeededFrom)
	}

	if failed > 0 {
		if cl.colorOutput {
			output += fmt.Sprintf("[%s] %s\n", ts, color.New(color.FgRed).Sprint("Failed nodes:"))
		} else {
			output += fmt.Sprintf("[%s] Failed nodes:\n", ts)
		}
		for id, st := range summary.NodeStates {
			if st != models.StateFailed {
				continue
			}
			kind := summary.Failures[id]
			if cl.colorOutput {
				output += fmt.Sprintf("[%s]   - %s: %s\n", ts, color.New(color.FgRed).Sprint(id), kind)
			} else {
				output += fmt.Sprintf("[%s]   - %s: %s\n", ts, id, kind)
			}
		}
	}

	cl.writer.Write([]byte(output))
}

func colorizeOutcome(outcome models.RunOutcome) string {
	if outcome == models.OutcomeCompleted {
		return color.New(color.FgGreen).Sprint(string(outcome))
	}
	return color.New(color.FgRed).Sprint(string(outcome))
}

// timestamp returns the current time formatted as "15:04:05" (HH:MM:SS).
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// formatDuration converts a time.Duration to a human-readable string.
// Examples: "5s", "1m30s", "2h15m"
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := d / time.Hour
		remainder := d % time.Hour
		if remainder == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		minutes := remainder / time.Minute
		remainder = remainder % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		}
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, remainder/time.Second)
	case d >= time.Minute:
		minutes := d / time.Minute
		remainder := d % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		return fmt.Sprintf("%dm%ds", minutes, remainder/time.Second)
	default:
		return fmt.Sprintf("%ds", int64(d.Seconds()))
	}
}

// NoOpLogger discards all log messages. Useful for testing or when logging
// is disabled.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// Tracef is a no-op implementation.
func (n *NoOpLogger) Tracef(format string, args ...any) {}

// Debugf is a no-op implementation.
func (n *NoOpLogger) Debugf(format string, args ...any) {}

// Infof is a no-op implementation.
func (n *NoOpLogger) Infof(format string, args ...any) {}

// Warnf is a no-op implementation.
func (n *NoOpLogger) Warnf(format string, args ...any) {}

// Errorf is a no-op implementation.
func (n *NoOpLogger) Errorf(format string, args ...any) {}
