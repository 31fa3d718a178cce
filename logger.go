package gentlefetch

import (
	"go.uber.org/zap"
)

// Logger receives structured log lines as alternating key/value pairs.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// ZapLogger adapts zap.Logger to Logger.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger creates a new ZapLogger adapter. A nil logger discards everything.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *ZapLogger {
	return NewZapLogger(nil)
}

// Debug logs a debug message
func (z *ZapLogger) Debug(msg string, keysAndValues ...interface{}) {
	z.logger.Debug(msg, toZapFields(keysAndValues)...)
}

// Info logs an info message
func (z *ZapLogger) Info(msg string, keysAndValues ...interface{}) {
	z.logger.Info(msg, toZapFields(keysAndValues)...)
}

// Warn logs a warning message
func (z *ZapLogger) Warn(msg string, keysAndValues ...interface{}) {
	z.logger.Warn(msg, toZapFields(keysAndValues)...)
}

// Error logs an error message
func (z *ZapLogger) Error(msg string, keysAndValues ...interface{}) {
	z.logger.Error(msg, toZapFields(keysAndValues)...)
}

// Zap returns the wrapped logger.
func (z *ZapLogger) Zap() *zap.Logger {
	return z.logger
}

func toZapFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		if err, ok := keysAndValues[i+1].(error); ok {
			fields = append(fields, zap.NamedError(key, err))
			continue
		}
		fields = append(fields, zap.Any(key, keysAndValues[i+1]))
	}
	return fields
}
