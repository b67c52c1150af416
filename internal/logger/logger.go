// Package logger wraps zerolog with file rotation, matching the shape the
// rest of this daemon's ancestor tooling uses for structured logging.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps zerolog with rotation support and a per-component level
// override, used by the CLI's -d flag to raise DTLS tracing independently
// of the rest of the daemon. The underlying zerolog.Logger is always built
// at TraceLevel so every message reaches event(); baseLevel carries the
// configured threshold and all gating (global or per-component override)
// happens there, not in zerolog itself — a per-component override can only
// ever raise verbosity above what zerolog would otherwise discard.
type Logger struct {
	logger    zerolog.Logger
	writer    io.Writer
	component string
	baseLevel zerolog.Level
	mu        sync.Mutex
}

var (
	globalLogger *Logger
	once         sync.Once

	levelOverrides   = map[string]zerolog.Level{}
	levelOverridesMu sync.RWMutex
)

// Config holds logger configuration.
type Config struct {
	Path       string
	Level      string
	Format     string // json or console
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Init initializes the global logger.
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		globalLogger, err = New(cfg)
	})
	return err
}

// New creates a new logger instance.
func New(cfg Config) (*Logger, error) {
	if cfg.Path != "" {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	var writer io.Writer
	if cfg.Path != "" {
		writer = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	} else {
		writer = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var zlog zerolog.Logger
	if cfg.Format == "console" {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.RFC3339,
		}
		zlog = zerolog.New(consoleWriter).With().Timestamp().Logger()
	} else {
		zlog = zerolog.New(writer).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	// Keep zerolog's own threshold at Trace: gating happens in event()
	// against baseLevel/componentLevel instead, so a per-component
	// SetComponentLevel override can lower the effective threshold for
	// that component without zerolog discarding the event first.
	zlog = zlog.Level(zerolog.TraceLevel)

	return &Logger{logger: zlog, writer: writer, baseLevel: level}, nil
}

// Get returns the global logger, falling back to a bare console logger if
// Init was never called (useful in tests).
func Get() *Logger {
	if globalLogger == nil {
		globalLogger = &Logger{
			logger:    zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.TraceLevel),
			writer:    os.Stdout,
			baseLevel: zerolog.InfoLevel,
		}
	}
	return globalLogger
}

// SetComponentLevel overrides the effective level for loggers created via
// WithComponent(name), independent of the global level. Used by the -d CLI
// flag to raise the "dtls" component to debug without touching everything
// else.
func SetComponentLevel(component string, level zerolog.Level) {
	levelOverridesMu.Lock()
	defer levelOverridesMu.Unlock()
	levelOverrides[component] = level
}

func componentLevel(component string, fallback zerolog.Level) zerolog.Level {
	levelOverridesMu.RLock()
	defer levelOverridesMu.RUnlock()
	if lvl, ok := levelOverrides[component]; ok {
		return lvl
	}
	return fallback
}

func (l *Logger) event(level zerolog.Level) *zerolog.Event {
	effective := componentLevel(l.component, l.baseLevel)
	if level < effective {
		return nil
	}
	switch level {
	case zerolog.DebugLevel:
		return l.logger.Debug()
	case zerolog.WarnLevel:
		return l.logger.Warn()
	case zerolog.ErrorLevel:
		return l.logger.Error()
	case zerolog.FatalLevel:
		return l.logger.Fatal()
	default:
		return l.logger.Info()
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...interface{}) {
	if event := l.event(zerolog.DebugLevel); event != nil {
		l.addFields(event, fields...)
		event.Msg(msg)
	}
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...interface{}) {
	if event := l.event(zerolog.InfoLevel); event != nil {
		l.addFields(event, fields...)
		event.Msg(msg)
	}
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...interface{}) {
	if event := l.event(zerolog.WarnLevel); event != nil {
		l.addFields(event, fields...)
		event.Msg(msg)
	}
}

// Error logs an error message.
func (l *Logger) Error(msg string, err error, fields ...interface{}) {
	if event := l.event(zerolog.ErrorLevel); event != nil {
		event.Err(err)
		l.addFields(event, fields...)
		event.Msg(msg)
	}
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(msg string, err error, fields ...interface{}) {
	event := l.logger.Fatal().Err(err)
	l.addFields(event, fields...)
	event.Msg(msg)
}

func (l *Logger) addFields(event *zerolog.Event, fields ...interface{}) {
	if len(fields)%2 != 0 {
		event.Interface("invalid_fields", fields)
		return
	}
	for i := 0; i < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		event.Interface(key, fields[i+1])
	}
}

// WithComponent returns a new logger tagged with a component field whose
// level can be independently overridden via SetComponentLevel.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		logger:    l.logger.With().Str("component", component).Logger(),
		writer:    l.writer,
		component: component,
		baseLevel: l.baseLevel,
	}
}

// WithFields returns a new logger with additional structured fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{
		logger:    ctx.Logger(),
		writer:    l.writer,
		component: l.component,
		baseLevel: l.baseLevel,
	}
}

// Global convenience functions.

func Debug(msg string, fields ...interface{}) { Get().Debug(msg, fields...) }
func Info(msg string, fields ...interface{})  { Get().Info(msg, fields...) }
func Warn(msg string, fields ...interface{})  { Get().Warn(msg, fields...) }
func Error(msg string, err error, fields ...interface{}) {
	Get().Error(msg, err, fields...)
}
func Fatal(msg string, err error, fields ...interface{}) {
	Get().Fatal(msg, err, fields...)
}
