// Package logging provides leveled, component-scoped log output for
// transports. Output goes to stderr by default: a stdio transport owns
// stdout and must never share it with log lines.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// levelMap maps levels to zerolog levels for filtering.
var levelMap = map[Level]zerolog.Level{
	LevelDebug: zerolog.DebugLevel,
	LevelInfo:  zerolog.InfoLevel,
	LevelWarn:  zerolog.WarnLevel,
	LevelError: zerolog.ErrorLevel,
}

// ParseLevel converts a case-insensitive level name. Unknown names map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config describes where and how logs are written.
type Config struct {
	// Level is the minimum level. Default: INFO.
	Level Level `toml:"level"`

	// Format is "console" (default) or "json".
	Format string `toml:"format"`

	// File, when set, writes to a rotating file instead of stderr.
	File string `toml:"file"`

	// Rotation settings for File.
	MaxSizeMB  int  `toml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days"`
	Compress   bool `toml:"compress"`
}

// Logger writes structured log lines tagged with a component.
type Logger struct {
	zl        zerolog.Logger
	output    io.Writer
	format    string
	minLevel  Level
	component string
	traceID   string
}

// New creates a Logger writing console lines to stderr at INFO.
func New() *Logger {
	l := &Logger{
		output:   os.Stderr,
		format:   "console",
		minLevel: LevelInfo,
	}
	l.rebuild()
	return l
}

// NewWithConfig creates a Logger from cfg.
func NewWithConfig(cfg Config) *Logger {
	l := &Logger{
		output:   os.Stderr,
		format:   cfg.Format,
		minLevel: cfg.Level,
	}
	if l.minLevel == "" {
		l.minLevel = LevelInfo
	}
	if cfg.File != "" {
		l.output = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    max(cfg.MaxSizeMB, 10),
			MaxBackups: max(cfg.MaxBackups, 1),
			MaxAge:     max(cfg.MaxAgeDays, 7),
			Compress:   cfg.Compress,
		}
	}
	l.rebuild()
	return l
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), output: io.Discard, minLevel: LevelError}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	c := *l
	c.component = component
	c.rebuild()
	return &c
}

// WithTraceID returns a new logger with the given trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	c := *l
	c.traceID = traceID
	c.rebuild()
	return &c
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
	l.rebuild()
}

// SetOutput sets the output writer (default: stderr).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
	l.rebuild()
}

func (l *Logger) rebuild() {
	out := zerolog.SyncWriter(l.output)
	if l.format != "json" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    true,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			FormatLevel: func(i interface{}) string {
				return fmt.Sprintf("%-5s", strings.ToUpper(fmt.Sprint(i)))
			},
		}
	}
	ctx := zerolog.New(out).Level(levelMap[l.minLevel]).With().Timestamp()
	if l.component != "" {
		ctx = ctx.Str("component", l.component)
	}
	if l.traceID != "" {
		ctx = ctx.Str("trace_id", l.traceID)
	}
	l.zl = ctx.Logger()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(l.zl.Debug(), msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(l.zl.Info(), msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(l.zl.Warn(), msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(l.zl.Error(), msg, fields...)
}

func (l *Logger) log(ev *zerolog.Event, msg string, fields ...map[string]interface{}) {
	if ev == nil {
		return
	}
	if len(fields) > 0 && fields[0] != nil {
		ev = ev.Fields(fields[0])
	}
	ev.Msg(msg)
}

// --- Transport event helpers ---

// Started logs a transport entering the active state.
func (l *Logger) Started(kind string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["transport"] = kind
	l.Info("transport_started", fields)
}

// Closed logs a transport reaching its terminal state.
func (l *Logger) Closed(kind string) {
	l.Info("transport_closed", map[string]interface{}{
		"transport": kind,
	})
}

// MessageReceived logs one inbound message.
func (l *Logger) MessageReceived(kind, messageKind string) {
	l.Debug("message_received", map[string]interface{}{
		"transport": kind,
		"kind":      messageKind,
	})
}

// MessageSent logs one outbound message.
func (l *Logger) MessageSent(kind, messageKind string, duration time.Duration) {
	l.Debug("message_sent", map[string]interface{}{
		"transport": kind,
		"kind":      messageKind,
		"duration":  duration.String(),
	})
}

// TransportError logs an error reported through a transport's error handler.
func (l *Logger) TransportError(kind string, err error) {
	l.Warn("transport_error", map[string]interface{}{
		"transport": kind,
		"error":     err.Error(),
	})
}

// SecurityWarning logs a rejected request.
func (l *Logger) SecurityWarning(msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["security"] = true
	l.Warn(msg, fields)
}
