package mqttclient

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"sync/atomic"
)

// LogLevel represents the logging level.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	// LogLevelNone disables all logging.
	LogLevelNone
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a level name as written in configuration files.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug, nil
	case "info", "":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	case "none", "off":
		return LogLevelNone, nil
	default:
		return LogLevelNone, fmt.Errorf("%w: unknown log level %q", ErrBadParameter, s)
	}
}

// LogFields represents key-value pairs for structured logging.
type LogFields map[string]any

// Logger defines the interface for logging.
type Logger interface {
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, fields LogFields)

	// WithFields returns a new logger with the given fields added.
	WithFields(fields LogFields) Logger

	Level() LogLevel
	SetLevel(level LogLevel)
}

// NoOpLogger is a logger that does nothing. It is the client default.
type NoOpLogger struct {
	level atomic.Int32
}

// NewNoOpLogger creates a new no-op logger.
func NewNoOpLogger() *NoOpLogger {
	l := &NoOpLogger{}
	l.level.Store(int32(LogLevelNone))
	return l
}

func (n *NoOpLogger) Debug(string, LogFields) {}
func (n *NoOpLogger) Info(string, LogFields)  {}
func (n *NoOpLogger) Warn(string, LogFields)  {}
func (n *NoOpLogger) Error(string, LogFields) {}

// WithFields returns the same logger.
func (n *NoOpLogger) WithFields(LogFields) Logger { return n }

func (n *NoOpLogger) Level() LogLevel { return LogLevel(n.level.Load()) }

func (n *NoOpLogger) SetLevel(level LogLevel) { n.level.Store(int32(level)) }

// StdLogger writes through the standard library log package. Fields are
// printed as key=value pairs in key order.
type StdLogger struct {
	logger *log.Logger
	level  *atomic.Int32
	fields LogFields
}

// NewStdLogger creates a logger writing to w, or to stderr when w is nil.
func NewStdLogger(w io.Writer, level LogLevel) *StdLogger {
	if w == nil {
		w = os.Stderr
	}

	l := &StdLogger{
		logger: log.New(w, "mqttclient: ", log.LstdFlags),
		level:  new(atomic.Int32),
		fields: LogFields{},
	}
	l.level.Store(int32(level))
	return l
}

func (s *StdLogger) Debug(msg string, fields LogFields) { s.log(LogLevelDebug, msg, fields) }
func (s *StdLogger) Info(msg string, fields LogFields)  { s.log(LogLevelInfo, msg, fields) }
func (s *StdLogger) Warn(msg string, fields LogFields)  { s.log(LogLevelWarn, msg, fields) }
func (s *StdLogger) Error(msg string, fields LogFields) { s.log(LogLevelError, msg, fields) }

// WithFields returns a logger that adds fields to every entry. The level is
// shared with the parent.
func (s *StdLogger) WithFields(fields LogFields) Logger {
	merged := maps.Clone(s.fields)
	maps.Copy(merged, fields)

	return &StdLogger{
		logger: s.logger,
		level:  s.level,
		fields: merged,
	}
}

func (s *StdLogger) Level() LogLevel { return LogLevel(s.level.Load()) }

func (s *StdLogger) SetLevel(level LogLevel) { s.level.Store(int32(level)) }

func (s *StdLogger) log(level LogLevel, msg string, fields LogFields) {
	if level < s.Level() {
		return
	}

	all := maps.Clone(s.fields)
	maps.Copy(all, fields)

	if len(all) == 0 {
		s.logger.Printf("[%s] %s", level, msg)
		return
	}

	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(all)) {
		fmt.Fprintf(&b, " %s=%v", k, all[k])
	}
	s.logger.Printf("[%s] %s%s", level, msg, b.String())
}

// SlogLogger adapts a *slog.Logger. The level filter is applied before
// records reach the handler.
type SlogLogger struct {
	logger *slog.Logger
	level  *atomic.Int32
}

// NewSlogLogger wraps logger, or slog.Default when logger is nil.
func NewSlogLogger(logger *slog.Logger, level LogLevel) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}

	l := &SlogLogger{logger: logger, level: new(atomic.Int32)}
	l.level.Store(int32(level))
	return l
}

func (s *SlogLogger) Debug(msg string, fields LogFields) { s.log(LogLevelDebug, msg, fields) }
func (s *SlogLogger) Info(msg string, fields LogFields)  { s.log(LogLevelInfo, msg, fields) }
func (s *SlogLogger) Warn(msg string, fields LogFields)  { s.log(LogLevelWarn, msg, fields) }
func (s *SlogLogger) Error(msg string, fields LogFields) { s.log(LogLevelError, msg, fields) }

// WithFields returns a logger whose records carry fields as attributes.
func (s *SlogLogger) WithFields(fields LogFields) Logger {
	return &SlogLogger{
		logger: s.logger.With(attrs(fields)...),
		level:  s.level,
	}
}

func (s *SlogLogger) Level() LogLevel { return LogLevel(s.level.Load()) }

func (s *SlogLogger) SetLevel(level LogLevel) { s.level.Store(int32(level)) }

func (s *SlogLogger) log(level LogLevel, msg string, fields LogFields) {
	if level < s.Level() {
		return
	}
	s.logger.Log(context.Background(), slogLevel(level), msg, attrs(fields)...)
}

func slogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func attrs(fields LogFields) []any {
	out := make([]any, 0, len(fields))
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		out = append(out, slog.Any(k, fields[k]))
	}
	return out
}

// Standard field names.
const (
	LogFieldClientID   = "client_id"
	LogFieldServer     = "server"
	LogFieldTopic      = "topic"
	LogFieldFilter     = "filter"
	LogFieldPacketID   = "packet_id"
	LogFieldPacketType = "packet_type"
	LogFieldQoS        = "qos"
	LogFieldReturnCode = "return_code"
	LogFieldRetries    = "retries"
	LogFieldAttempt    = "attempt"
	LogFieldDelay      = "delay"
	LogFieldState      = "state"
	LogFieldError      = "error"
	LogFieldBytes      = "bytes"
)
