// Package synclog is the ambient structured-logging surface shared by every
// core subsystem. It mirrors the interface-plus-noop-implementation shape
// of freightliner's pkg/helper/log and pkg/metrics (Logger / NoopMetrics),
// backed by zap (go.uber.org/zap), following luxfi-consensus's direct zap
// usage rather than a hand-rolled formatter.
package synclog

import (
	"go.uber.org/zap"
)

// Logger is the structured logging surface the core consumes. Key-value
// pairs follow zap's SugaredLogger convention: alternating key, value.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	With(keysAndValues ...interface{}) Logger
}

// zapLogger adapts *zap.SugaredLogger to Logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

// New wraps a *zap.Logger as a Logger.
func New(z *zap.Logger) Logger {
	return &zapLogger{s: z.Sugar()}
}

// NewProduction builds a Logger using zap's production defaults (JSON
// encoding, info level). Suitable as the default when an enclosing driver
// doesn't supply its own *zap.Logger.
func NewProduction() (Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return New(z), nil
}

func (l *zapLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l *zapLogger) With(kv ...interface{}) Logger {
	return &zapLogger{s: l.s.With(kv...)}
}

// noopLogger discards everything. Used as the default in tests and
// wherever a caller hasn't configured logging, matching freightliner's
// NoopMetrics pattern.
type noopLogger struct{}

// Noop returns a Logger that discards all output.
func Noop() Logger { return noopLogger{} }

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (l noopLogger) With(...interface{}) Logger { return l }
