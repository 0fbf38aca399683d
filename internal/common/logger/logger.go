package logger

import (
	"os"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes one JSON line per action. Every entry carries the service
// name and hostname so lines from the CLI, api and gateway can be mixed.
type Logger struct {
	service string
	z       *zap.Logger
}

type Options struct {
	Level       string // debug | info | warn | error
	Development bool
}

func New(service string) *Logger { return NewWithOptions(service, Options{Level: "info"}) }

func NewWithOptions(service string, opts Options) *Logger {
	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.MessageKey = "action"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.OutputPaths = []string{"stdout"}
	cfg.DisableStacktrace = true
	if lvl, err := zapcore.ParseLevel(opts.Level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}
	return &Logger{
		service: service,
		z:       z.With(zap.String("service", service), zap.String("hostname", hostname())),
	}
}

// NewNop discards everything; handy in tests.
func NewNop() *Logger { return &Logger{service: "nop", z: zap.NewNop()} }

// FromZap wraps an existing zap logger, e.g. one built on zaptest/observer.
func FromZap(service string, z *zap.Logger) *Logger {
	return &Logger{service: service, z: z.With(zap.String("service", service))}
}

// Named returns a child logger for a sub-component of the same service.
func (l *Logger) Named(component string) *Logger {
	return &Logger{service: l.service, z: l.z.With(zap.String("component", component))}
}

func (l *Logger) Info(action string, fields map[string]any)  { l.z.Info(action, toZap(fields)...) }
func (l *Logger) Debug(action string, fields map[string]any) { l.z.Debug(action, toZap(fields)...) }
func (l *Logger) Warn(action string, fields map[string]any)  { l.z.Warn(action, toZap(fields)...) }
func (l *Logger) Error(action string, err error, fields map[string]any) {
	zf := toZap(fields)
	if err != nil {
		zf = append(zf, zap.Error(err))
	}
	l.z.Error(action, zf...)
}

func (l *Logger) Sync() { _ = l.z.Sync() }

func toZap(fields map[string]any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
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

func hostname() string { h, _ := os.Hostname(); return h }
