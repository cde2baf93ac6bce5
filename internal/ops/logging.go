package ops

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/snews-network/coincidence-server/internal/config"
)

// Logger is a structured logger wrapper.
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

// NewLogger creates a new structured logger based on config.
func NewLogger(cfg *config.Logging) *Logger {
	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

// NewLoggerWithWriter creates a logger with a custom writer, for tests.
func NewLoggerWithWriter(cfg *config.Logging, w io.Writer) *Logger {
	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent adds a component field to all log messages.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		level:  l.level,
		format: l.format,
	}
}

// WithFields adds custom fields to the logger.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
		level:  l.level,
		format: l.format,
	}
}

// IsDebugEnabled returns true if debug logging is enabled.
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// Component-specific logger helpers.

// LogIngest logs a single message pulled off the bus.
func (l *Logger) LogIngest(topic, detectorName string, retraction bool, err error) {
	if err != nil {
		l.Warn("message dropped",
			"topic", topic,
			"detector_name", detectorName,
			"retraction", retraction,
			"error", err)
		return
	}
	l.Debug("message ingested",
		"topic", topic,
		"detector_name", detectorName,
		"retraction", retraction)
}

// LogClassification logs the classifier's verdict for an ingested message.
func (l *Logger) LogClassification(detectorName string, class string) {
	l.Debug("message classified",
		"detector_name", detectorName,
		"classification", class)
}

// LogSubGroupTransition logs a sub-group's transition flag for the current message.
func (l *Logger) LogSubGroupTransition(tag int, flag string, memberCount int) {
	l.Debug("sub-group transition",
		"sub_group_tag", tag,
		"flag", flag,
		"members", memberCount)
}

// LogAnchorRepair logs an anchor repair pass over a sub-group.
func (l *Logger) LogAnchorRepair(tag int, anchorDetector string, memberCount int) {
	l.Debug("anchor repair",
		"sub_group_tag", tag,
		"anchor_detector", anchorDetector,
		"members", memberCount)
}

// LogRedundancyDrop logs a candidate sub-group dropped by the redundancy rule.
func (l *Logger) LogRedundancyDrop(reason string, memberIDs []string) {
	l.Debug("candidate sub-group dropped as redundant",
		"reason", reason,
		"member_ids", memberIDs)
}

// LogAlert logs an alert emitted by the decider.
func (l *Logger) LogAlert(tag int, alertType string, detectorCount int, falseAlarmProb float64, err error) {
	if err != nil {
		l.Error("alert publish failed",
			"sub_group_tag", tag,
			"alert_type", alertType,
			"error", err)
		return
	}
	l.Info("alert published",
		"sub_group_tag", tag,
		"alert_type", alertType,
		"detectors", detectorCount,
		"false_alarm_prob", falseAlarmProb)
}

// LogRetry logs a retryable transport error and the backoff before reconnecting.
func (l *Logger) LogRetry(attempt, max int, backoff time.Duration, err error) {
	l.Warn("retryable transport error, backing off",
		"attempt", attempt,
		"max_retriable", max,
		"backoff_ms", backoff.Milliseconds(),
		"error", err)
}

// LogFatal logs a fatal (non-retryable, or retry-budget-exhausted) transport error.
func (l *Logger) LogFatal(err error) {
	l.Error("fatal transport error", "error", err)
}

// LogStorageOperation logs a raw-observation storage operation.
func (l *Logger) LogStorageOperation(op string, duration time.Duration, err error) {
	if err != nil {
		l.Error("storage operation failed",
			"operation", op,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Debug("storage operation completed",
			"operation", op,
			"duration_ms", duration.Milliseconds())
	}
}

// LogBusConnection logs a pub/sub bus connection event.
func (l *Logger) LogBusConnection(topic string, connected bool, err error) {
	if err != nil {
		l.Warn("bus connection failed", "topic", topic, "error", err)
	} else if connected {
		l.Info("bus subscribed", "topic", topic)
	} else {
		l.Info("bus unsubscribed", "topic", topic)
	}
}

// LogStartup logs application startup information.
func (l *Logger) LogStartup(version, commit string, config map[string]interface{}) {
	l.Info("coincidence server starting",
		"version", version,
		"commit", commit,
		"config", config)
}

// LogShutdown logs application shutdown.
func (l *Logger) LogShutdown(reason string) {
	l.Info("coincidence server shutting down", "reason", reason)
}

// LogPanic logs a panic with stack trace.
func (l *Logger) LogPanic(recovered interface{}, stack string) {
	l.Error("panic recovered",
		"panic", fmt.Sprintf("%v", recovered),
		"stack", stack)
}

var defaultLogger *Logger

func init() {
	defaultLogger = NewLogger(&config.Logging{
		Level:  "info",
		Format: "text",
	})
}

// Default returns the default logger.
func Default() *Logger {
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// Info logs an info message on the default logger.
func Info(msg string, fields ...any) {
	defaultLogger.Info(msg, fields...)
}

// Debug logs a debug message on the default logger.
func Debug(msg string, fields ...any) {
	defaultLogger.Debug(msg, fields...)
}

// Warn logs a warning message on the default logger.
func Warn(msg string, fields ...any) {
	defaultLogger.Warn(msg, fields...)
}

// Error logs an error message on the default logger.
func Error(msg string, fields ...any) {
	defaultLogger.Error(msg, fields...)
}
