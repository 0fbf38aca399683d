package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerFieldsAndError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	lg := FromZap("table-api", zap.New(core))

	lg.Info("table_resolved", map[string]any{"table_id": "t1", "restaurant_id": "r1"})
	lg.Error("menu_prefetch_failed", errors.New("boom"), nil)

	entries := logs.All()
	require.Len(t, entries, 2)

	first := entries[0].ContextMap()
	assert.Equal(t, "table_resolved", entries[0].Message)
	assert.Equal(t, "table-api", first["service"])
	assert.Equal(t, "t1", first["table_id"])
	assert.Equal(t, "r1", first["restaurant_id"])

	second := entries[1].ContextMap()
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "boom", second["error"])
}

func TestNamedAddsComponent(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	lg := FromZap("cli", zap.New(core)).Named("realtime")

	lg.Debug("ignored", nil)
	lg.Warn("reconnect_scheduled", map[string]any{"attempt": 1})

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "realtime", logs.All()[0].ContextMap()["component"])
}

func TestNewNopDoesNotPanic(t *testing.T) {
	lg := NewNop()
	lg.Info("x", map[string]any{"a": 1})
	lg.Error("y", nil, nil)
	lg.Sync()
}
