// Package logging provides the structured logging conventions shared by
// every control-plane service: level/format configuration, a chainable
// context logger, and timing/panic helpers used across the orchestrator,
// sandbox pool, billing ledger, and collaboration gateway.
package logging

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Config controls how a root logger is constructed.
type Config struct {
	Level      Level
	Format     string // "json" or "text"
	Service    string
	Version    string
	AddCaller  bool
	TimeFormat string
}

func DefaultConfig(service string) Config {
	return Config{
		Level:      LevelInfo,
		Format:     "json",
		Service:    service,
		TimeFormat: time.RFC3339,
	}
}

// New builds a root logrus.Logger from the given configuration.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()

	switch cfg.Level {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	case LevelFatal:
		logger.SetLevel(logrus.FatalLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: cfg.TimeFormat,
			FullTimestamp:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: cfg.TimeFormat,
		})
	}

	logger.SetReportCaller(cfg.AddCaller)
	logger.SetOutput(os.Stdout)

	return logger
}

// Logger is a chainable, context-aware wrapper around a logrus.Logger
// that accumulates base fields as it is passed down a call chain.
type Logger struct {
	root   *logrus.Logger
	fields logrus.Fields
}

func NewLogger(root *logrus.Logger, fields map[string]any) *Logger {
	if root == nil {
		root = logrus.StandardLogger()
	}
	base := make(logrus.Fields, len(fields))
	for k, v := range fields {
		base[k] = v
	}
	return &Logger{root: root, fields: base}
}

func (l *Logger) clone() logrus.Fields {
	cp := make(logrus.Fields, len(l.fields))
	for k, v := range l.fields {
		cp[k] = v
	}
	return cp
}

func (l *Logger) WithField(key string, value any) *Logger {
	f := l.clone()
	f[key] = value
	return &Logger{root: l.root, fields: f}
}

func (l *Logger) WithFields(fields map[string]any) *Logger {
	f := l.clone()
	for k, v := range fields {
		f[k] = v
	}
	return &Logger{root: l.root, fields: f}
}

func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

// WithContext lifts well-known request-scoped identifiers out of ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	f := l.clone()
	for _, key := range []string{"request_id", "trace_id", "user_id", "run_id", "document_id"} {
		if v := ctx.Value(contextKey(key)); v != nil {
			f[key] = v
		}
	}
	return &Logger{root: l.root, fields: f}
}

type contextKey string

func WithValue(ctx context.Context, key string, value any) context.Context {
	return context.WithValue(ctx, contextKey(key), value)
}

func (l *Logger) Debug(msg string)                          { l.root.WithFields(l.fields).Debug(msg) }
func (l *Logger) Debugf(format string, args ...any)         { l.root.WithFields(l.fields).Debugf(format, args...) }
func (l *Logger) Info(msg string)                           { l.root.WithFields(l.fields).Info(msg) }
func (l *Logger) Infof(format string, args ...any)          { l.root.WithFields(l.fields).Infof(format, args...) }
func (l *Logger) Warn(msg string)                           { l.root.WithFields(l.fields).Warn(msg) }
func (l *Logger) Warnf(format string, args ...any)          { l.root.WithFields(l.fields).Warnf(format, args...) }
func (l *Logger) Error(msg string)                          { l.root.WithFields(l.fields).Error(msg) }
func (l *Logger) Errorf(format string, args ...any)         { l.root.WithFields(l.fields).Errorf(format, args...) }

// ServiceLogger returns a base logger tagged with service identity.
func ServiceLogger(root *logrus.Logger, service, version string) *Logger {
	return NewLogger(root, map[string]any{"service": service, "version": version})
}

// Operation logs the start/end of fn with duration, returning fn's error.
func Operation(l *Logger, name string, fn func() error) error {
	start := time.Now()
	l.WithField("operation", name).Debug("operation started")

	err := fn()
	duration := time.Since(start)
	entry := l.WithFields(map[string]any{
		"operation":   name,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("operation failed")
		return err
	}
	entry.Info("operation completed")
	return nil
}

// RecoverAndLog recovers from a panic in a deferred call, logging it
// rather than letting it crash a background loop.
func RecoverAndLog(l *Logger) {
	if r := recover(); r != nil {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		l.WithFields(map[string]any{
			"panic":      fmt.Sprintf("%v", r),
			"stacktrace": string(buf[:n]),
		}).Error("panic recovered")
	}
}
