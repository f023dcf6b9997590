// Package logging wraps charmbracelet/log behind the small field-based API the
// rest of the service uses.
package logging

import (
	"io"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/log"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Fields is a set of structured key/value pairs attached to a log line.
type Fields map[string]interface{}

func WithField(key string, value interface{}) Fields {
	return Fields{key: value}
}

func WithFields(fields map[string]interface{}) Fields {
	return Fields(fields)
}

type Logger struct {
	l *log.Logger
}

// New creates a logger writing to stderr. Stdout is reserved for MCP stdio mode.
func New(level Level) *Logger {
	return NewWithWriter(os.Stderr, level)
}

func NewWithWriter(w io.Writer, level Level) *Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           toCharmLevel(level),
	})
	return &Logger{l: l}
}

// WithPrefix returns a child logger whose lines are tagged with prefix.
func (lg *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{l: lg.l.WithPrefix(prefix)}
}

func (lg *Logger) Debug(msg string, fields ...Fields) {
	lg.l.Debug(msg, keyvals(fields)...)
}

func (lg *Logger) Info(msg string, fields ...Fields) {
	lg.l.Info(msg, keyvals(fields)...)
}

func (lg *Logger) Warn(msg string, fields ...Fields) {
	lg.l.Warn(msg, keyvals(fields)...)
}

func (lg *Logger) Error(msg string, fields ...Fields) {
	lg.l.Error(msg, keyvals(fields)...)
}

func toCharmLevel(level Level) log.Level {
	switch level {
	case LevelDebug:
		return log.DebugLevel
	case LevelWarn:
		return log.WarnLevel
	case LevelError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// keyvals flattens field maps into sorted key/value pairs so output is stable.
func keyvals(fields []Fields) []interface{} {
	if len(fields) == 0 {
		return nil
	}

	merged := make(map[string]interface{})
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kv := make([]interface{}, 0, len(keys)*2)
	for _, k := range keys {
		kv = append(kv, k, merged[k])
	}
	return kv
}
