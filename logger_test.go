package gentlefetch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(core))

	logger.Debug("debug message")
	logger.Info("info message", "url", "https://example.com")
	logger.Warn("warn message")
	logger.Error("error message", "error", errors.New("boom"))

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, "https://example.com", entries[1].ContextMap()["url"])
	assert.Equal(t, "boom", entries[3].ContextMap()["error"])
}

func TestToZapFieldsSkipsMalformedPairs(t *testing.T) {
	fields := toZapFields([]interface{}{"a", 1, 42, "b", "dangling"})
	require.Len(t, fields, 1)
	assert.Equal(t, "a", fields[0].Key)
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	for i := 0; i < 5; i++ {
		logger.Info("loop message")
	}
	assert.NotNil(t, logger.Zap())
}
