// Package logging emits JSON lines with a fixed key order: timestamp, level, message, then
// bound fields in the order they were attached.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"owg/server/internal/config"
)

// ServiceName is stamped on every record emitted by loggers built with New.
const ServiceName = "owg-server"

var (
	globalMu     sync.RWMutex
	globalLogger = NewTestLogger()
)

// Level orders record severity.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = [...]string{"debug", "info", "warn", "error", "fatal"}

func (l Level) String() string {
	if l < DebugLevel || l > FatalLevel {
		return "info"
	}
	return levelNames[l]
}

// ParseLevel maps a level name to a Level. Empty selects info.
func ParseLevel(raw string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	switch name {
	case "":
		return InfoLevel, nil
	case "warning":
		return WarnLevel, nil
	}
	for i, candidate := range levelNames {
		if candidate == name {
			return Level(i), nil
		}
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", raw)
}

// Field is one structured attribute.
type Field struct {
	Key   string
	Value any
}

// String returns a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int returns an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Uint64 returns a uint64 field.
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }

// Bool returns a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Tick returns the canonical simulation tick field.
func Tick(tick uint64) Field { return Field{Key: "tick", Value: tick} }

// Error returns the error message under "error"; nil renders as null.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error"}
	}
	return Field{Key: "error", Value: err.Error()}
}

type syncWriter interface {
	io.Writer
	Sync() error
}

// sink is shared by a logger and every child derived from it with With.
type sink struct {
	mu sync.Mutex
	w  syncWriter
}

// Logger is a leveled JSON line logger. Children created with With share its sink.
type Logger struct {
	level  Level
	out    *sink
	fields []Field
	exit   func(int)
}

// New builds the process logger: records go to stdout and, when cfg.Path is set, to a size
// rotated file as well. The result also becomes the global logger.
func New(cfg config.LoggingConfig) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	writers := multiWriter{stdoutWriter{}}
	if strings.TrimSpace(cfg.Path) != "" {
		rotating, err := newRotatingWriter(cfg)
		if err != nil {
			return nil, err
		}
		writers = append(writers, rotating)
	}
	logger := &Logger{
		level:  level,
		out:    &sink{w: writers},
		fields: []Field{String("service", ServiceName)},
		exit:   os.Exit,
	}
	ReplaceGlobals(logger)
	return logger, nil
}

// NewWriterLogger emits records at or above level to w.
func NewWriterLogger(w io.Writer, level string) (*Logger, error) {
	if w == nil {
		return nil, errors.New("writer must not be nil")
	}
	parsed, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return &Logger{
		level:  parsed,
		out:    &sink{w: nopSync{w}},
		fields: []Field{String("service", ServiceName)},
		exit:   os.Exit,
	}, nil
}

// NewTestLogger discards every record.
func NewTestLogger() *Logger {
	return &Logger{level: DebugLevel, out: &sink{w: nopSync{io.Discard}}, exit: os.Exit}
}

// ReplaceGlobals swaps the logger returned by L.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the global logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// With returns a child logger carrying fields. A key already bound is replaced in place.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	child := *l
	child.fields = append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...)
	for _, field := range fields {
		child.fields = bind(child.fields, field)
	}
	return &child
}

func bind(fields []Field, field Field) []Field {
	for i := range fields {
		if fields[i].Key == field.Key {
			fields[i] = field
			return fields
		}
	}
	return append(fields, field)
}

// Sync flushes the underlying writers.
func (l *Logger) Sync() error {
	if l == nil || l.out == nil {
		return nil
	}
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	return l.out.w.Sync()
}

func (l *Logger) Debug(message string, fields ...Field) { l.log(DebugLevel, message, fields) }

func (l *Logger) Info(message string, fields ...Field) { l.log(InfoLevel, message, fields) }

func (l *Logger) Warn(message string, fields ...Field) { l.log(WarnLevel, message, fields) }

func (l *Logger) Error(message string, fields ...Field) { l.log(ErrorLevel, message, fields) }

// Fatal writes the record, flushes and exits the process with status 1.
func (l *Logger) Fatal(message string, fields ...Field) { l.log(FatalLevel, message, fields) }

func (l *Logger) log(level Level, message string, fields []Field) {
	if l == nil {
		L().log(level, message, fields)
		return
	}
	if level < l.level {
		return
	}
	line := encodeRecord(time.Now().UTC(), level, message, l.fields, fields)

	l.out.mu.Lock()
	_, _ = l.out.w.Write(line)
	if level == FatalLevel {
		_ = l.out.w.Sync()
	}
	l.out.mu.Unlock()
	if level == FatalLevel {
		l.exit(1)
	}
}

// encodeRecord renders one JSON line. Call site fields override bound fields with the same key.
func encodeRecord(at time.Time, level Level, message string, bound, fields []Field) []byte {
	merged := append(make([]Field, 0, len(bound)+len(fields)), bound...)
	for _, field := range fields {
		merged = bind(merged, field)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"timestamp":`)
	writeValue(&buf, at.Format(time.RFC3339Nano))
	buf.WriteString(`,"level":`)
	writeValue(&buf, level.String())
	buf.WriteString(`,"message":`)
	writeValue(&buf, message)
	for _, field := range merged {
		switch field.Key {
		case "timestamp", "level", "message":
			continue
		}
		buf.WriteByte(',')
		writeValue(&buf, field.Key)
		buf.WriteByte(':')
		writeValue(&buf, field.Value)
	}
	buf.WriteString("}\n")
	return buf.Bytes()
}

func writeValue(buf *bytes.Buffer, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprintf("!marshal: %v", err))
	}
	buf.Write(raw)
}

type multiWriter []syncWriter

func (m multiWriter) Write(p []byte) (int, error) {
	for _, w := range m {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (m multiWriter) Sync() error {
	var errs []error
	for _, w := range m {
		if err := w.Sync(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// stdoutWriter resolves os.Stdout on every write so tests that swap it are honoured.
type stdoutWriter struct{}

func (stdoutWriter) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// Sync is a no-op; syncing a terminal or pipe fails on several platforms.
func (stdoutWriter) Sync() error { return nil }

type nopSync struct {
	io.Writer
}

func (nopSync) Sync() error { return nil }
