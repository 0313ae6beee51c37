// Package logging provides a thin wrapper around log/slog with TRACE level support.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Custom log levels extending slog.
const (
	// LevelTrace is below DEBUG for very verbose logging.
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// ParseLevel parses a string into a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// LevelString returns the string representation of a log level.
func LevelString(level slog.Level) string {
	switch {
	case level <= LevelTrace:
		return "TRACE"
	case level <= LevelDebug:
		return "DEBUG"
	case level <= LevelInfo:
		return "INFO"
	case level <= LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// Logger wraps slog.Logger with convenience methods including TRACE level.
type Logger struct {
	*slog.Logger
	level slog.Level
}

// lineHandler writes one line per record:
// "YYYY-MM-DD HH:MM:SS LEVEL message key=value key=value..."
type lineHandler struct {
	level  slog.Level
	out    io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	prefix string
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *lineHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Time.Format(time.DateOnly + " " + time.TimeOnly))
	sb.WriteString(" ")
	sb.WriteString(LevelString(r.Level))
	sb.WriteString(" ")
	sb.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&sb, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, h.prefix, a)
		return true
	})
	sb.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, sb.String())
	return err
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func writeAttr(sb *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(sb, prefix+a.Key+".", ga)
		}
		return
	}
	sb.WriteString(" ")
	sb.WriteString(prefix)
	sb.WriteString(a.Key)
	sb.WriteString("=")
	v := fmt.Sprintf("%v", a.Value.Any())
	if strings.ContainsAny(v, " \t\n\"") {
		v = fmt.Sprintf("%q", v)
	}
	sb.WriteString(v)
}

// New creates a new Logger writing to stdout with the specified level.
func New(level slog.Level) *Logger {
	return NewWithWriter(level, os.Stdout)
}

// NewWithWriter creates a new Logger writing to w.
func NewWithWriter(level slog.Level, w io.Writer) *Logger {
	handler := &lineHandler{
		level: level,
		out:   w,
		mu:    &sync.Mutex{},
	}
	return &Logger{
		Logger: slog.New(handler),
		level:  level,
	}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return NewWithWriter(LevelError+1, io.Discard)
}

// SetDefault sets the default slog logger.
func SetDefault(logger *Logger) {
	slog.SetDefault(logger.Logger)
}

// With returns a Logger that includes the given attributes in every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// Trace logs at TRACE level (below DEBUG).
func (l *Logger) Trace(msg string, args ...any) {
	l.Log(context.Background(), LevelTrace, msg, args...)
}

// IsTraceEnabled returns true if TRACE level is enabled.
func (l *Logger) IsTraceEnabled() bool {
	return l.level <= LevelTrace
}

// IsDebugEnabled returns true if DEBUG level is enabled.
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= LevelDebug
}

// Level returns the current log level.
func (l *Logger) Level() slog.Level {
	return l.level
}
