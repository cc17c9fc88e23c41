// Structured logging for the shock assay controller
//
// Thin per-component wrapper over zap providing:
// - Log levels (DEBUG, INFO, WARN, ERROR)
// - Structured fields (key-value pairs)
// - Text (console) and JSON output
// - ANSI colored levels for terminal output
// - Per-component loggers with prefixes
// - An optional rotating log file alongside the console
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// DEBUG level for detailed debugging information
	DEBUG LogLevel = iota

	// INFO level for general informational messages
	INFO

	// WARN level for warning messages
	WARN

	// ERROR level for error messages
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel parses a string into a LogLevel
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// OutputFormat specifies the output format for log messages
type OutputFormat int

const (
	// FormatText outputs human-readable console format
	FormatText OutputFormat = iota
	// FormatJSON outputs machine-readable JSON format
	FormatJSON
)

// Fields is a map of structured logging fields
type Fields map[string]interface{}

// sinkConfig is shared between a logger and the children derived from it
// with WithPrefix, so that level and writer changes apply to all of them.
type sinkConfig struct {
	mu       sync.Mutex
	writer   io.Writer
	file     zapcore.WriteSyncer
	level    zap.AtomicLevel
	format   OutputFormat
	colorize bool
	caller   bool
	gen      uint64
}

// Logger is the main logging interface
type Logger struct {
	prefix string
	sink   *sinkConfig

	mu  sync.Mutex
	gen uint64
	zl  *zap.Logger
}

// Entry represents a single log entry with fields
type Entry struct {
	logger *Logger
	fields Fields
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// New creates a new logger with the given prefix
func New(prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		sink: &sinkConfig{
			writer:   os.Stderr,
			level:    zap.NewAtomicLevelAt(zapcore.InfoLevel),
			format:   FormatText,
			colorize: os.Getenv("NO_COLOR") == "",
			gen:      1,
		},
	}
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level LogLevel) {
	l.sink.level.SetLevel(level.zapLevel())
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	switch l.sink.level.Level() {
	case zapcore.DebugLevel:
		return DEBUG
	case zapcore.WarnLevel:
		return WARN
	case zapcore.ErrorLevel:
		return ERROR
	default:
		return INFO
	}
}

// SetWriter sets the output writer (e.g., for testing)
func (l *Logger) SetWriter(w io.Writer) {
	l.sink.update(func(s *sinkConfig) { s.writer = w })
}

// SetFile adds a second, uncolored output such as a RotatingFile. Nil
// removes it.
func (l *Logger) SetFile(w zapcore.WriteSyncer) {
	l.sink.update(func(s *sinkConfig) { s.file = w })
}

// SetColorize enables or disables colorized output
func (l *Logger) SetColorize(enable bool) {
	l.sink.update(func(s *sinkConfig) { s.colorize = enable })
}

// SetFormat sets the output format (FormatText or FormatJSON)
func (l *Logger) SetFormat(format OutputFormat) {
	l.sink.update(func(s *sinkConfig) { s.format = format })
}

// SetCaller enables or disables caller info in log output
func (l *Logger) SetCaller(enable bool) {
	l.sink.update(func(s *sinkConfig) { s.caller = enable })
}

func (s *sinkConfig) update(fn func(*sinkConfig)) {
	s.mu.Lock()
	fn(s)
	s.gen++
	s.mu.Unlock()
}

// Zap returns the underlying zap logger, named after the prefix.
func (l *Logger) Zap() *zap.Logger {
	return l.core()
}

// core returns the zap logger, rebuilding it when the shared sink changed.
func (l *Logger) core() *zap.Logger {
	l.sink.mu.Lock()
	gen := l.sink.gen
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.zl != nil && l.gen == gen {
		l.sink.mu.Unlock()
		return l.zl
	}
	format, colorize, caller, writer, file := l.sink.format, l.sink.colorize, l.sink.caller, l.sink.writer, l.sink.file
	l.sink.mu.Unlock()

	opts := []zap.Option{zap.AddCallerSkip(2)}
	if caller {
		opts = append(opts, zap.AddCaller())
	}
	core := zapcore.NewCore(newEncoder(format, colorize), zapcore.AddSync(writer), l.sink.level)
	if file != nil {
		core = zapcore.NewTee(core, zapcore.NewCore(newEncoder(format, false), file, l.sink.level))
	}
	zl := zap.New(core, opts...)
	if l.prefix != "" {
		zl = zl.Named(l.prefix)
	}
	l.zl = zl
	l.gen = gen
	return zl
}

func newEncoder(format OutputFormat, colorize bool) zapcore.Encoder {
	if format == FormatJSON {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "timestamp"
		cfg.MessageKey = "message"
		cfg.NameKey = "logger"
		cfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if colorize {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.NewConsoleEncoder(cfg)
}

// WithField returns an Entry with the given field
func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{
		logger: l,
		fields: Fields{key: value},
	}
}

// WithFields returns an Entry with the given fields
func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{
		logger: l,
		fields: fields,
	}
}

// WithError returns an Entry with the error field set
func (l *Logger) WithError(err error) *Entry {
	return l.WithField("error", err.Error())
}

// WithPrefix returns a new logger with a modified prefix that shares this
// logger's output settings.
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{prefix: prefix, sink: l.sink}
}

// Sync flushes any buffered output.
func (l *Logger) Sync() error {
	return l.core().Sync()
}

func zapFields(fields Fields) []zap.Field {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

// logf writes a printf-style message at the given level
func (l *Logger) logf(level LogLevel, msg string, args []interface{}) {
	zl := l.core()
	if ce := zl.Check(level.zapLevel(), ""); ce == nil {
		return
	}
	s := zl.Sugar()
	switch level {
	case DEBUG:
		s.Debugf(msg, args...)
	case WARN:
		s.Warnf(msg, args...)
	case ERROR:
		s.Errorf(msg, args...)
	default:
		s.Infof(msg, args...)
	}
}

// logFields writes a message with fields at the given level
func (l *Logger) logFields(level LogLevel, msg string, fields Fields) {
	zl := l.core()
	if ce := zl.Check(level.zapLevel(), msg); ce != nil {
		ce.Write(zapFields(fields)...)
	}
}

// Debug logs a message at DEBUG level
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.logf(DEBUG, msg, args)
}

// Info logs a message at INFO level
func (l *Logger) Info(msg string, args ...interface{}) {
	l.logf(INFO, msg, args)
}

// Warn logs a message at WARN level
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.logf(WARN, msg, args)
}

// Error logs a message at ERROR level
func (l *Logger) Error(msg string, args ...interface{}) {
	l.logf(ERROR, msg, args)
}

// Entry methods - log with fields

// WithField adds a field to the entry
func (e *Entry) WithField(key string, value interface{}) *Entry {
	newFields := make(Fields, len(e.fields)+1)
	for k, v := range e.fields {
		newFields[k] = v
	}
	newFields[key] = value
	return &Entry{
		logger: e.logger,
		fields: newFields,
	}
}

// WithFields adds multiple fields to the entry
func (e *Entry) WithFields(fields Fields) *Entry {
	newFields := make(Fields, len(e.fields)+len(fields))
	for k, v := range e.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}
	return &Entry{
		logger: e.logger,
		fields: newFields,
	}
}

// WithError adds an error field to the entry
func (e *Entry) WithError(err error) *Entry {
	return e.WithField("error", err.Error())
}

// Debug logs at DEBUG level with fields
func (e *Entry) Debug(msg string) {
	e.logger.logFields(DEBUG, msg, e.fields)
}

// Info logs at INFO level with fields
func (e *Entry) Info(msg string) {
	e.logger.logFields(INFO, msg, e.fields)
}

// Warn logs at WARN level with fields
func (e *Entry) Warn(msg string) {
	e.logger.logFields(WARN, msg, e.fields)
}

// Error logs at ERROR level with fields
func (e *Entry) Error(msg string) {
	e.logger.logFields(ERROR, msg, e.fields)
}

// Package-level functions using default logger

// SetDefaultLogger sets the global default logger
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

// GetLogger returns a child of the default logger with the given prefix
func GetLogger(prefix string) *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	return l.WithPrefix(prefix)
}

// Default returns the default logger
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

func init() {
	defaultLogger = New("shockctl")
	ConfigureFromEnv(defaultLogger)
}

// ConfigureFromEnv applies environment-based configuration to the logger.
// Environment variables:
//   - SHOCKCTL_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - SHOCKCTL_LOG_FORMAT: text, json
//   - SHOCKCTL_LOG_CALLER: any non-empty value enables caller info
//   - NO_COLOR: any non-empty value disables colors
func ConfigureFromEnv(l *Logger) {
	if levelStr := os.Getenv("SHOCKCTL_LOG_LEVEL"); levelStr != "" {
		l.SetLevel(ParseLevel(levelStr))
	}
	if formatStr := os.Getenv("SHOCKCTL_LOG_FORMAT"); formatStr != "" {
		switch strings.ToLower(formatStr) {
		case "json":
			l.SetFormat(FormatJSON)
		case "text":
			l.SetFormat(FormatText)
		}
	}
	if os.Getenv("SHOCKCTL_LOG_CALLER") != "" {
		l.SetCaller(true)
	}
	if os.Getenv("NO_COLOR") != "" {
		l.SetColorize(false)
	}
}
