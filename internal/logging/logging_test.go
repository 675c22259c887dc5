package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"swarm_auction/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("info"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("loud"))
}

func TestConsoleWithoutTerminalIsPlain(t *testing.T) {
	var buf bytes.Buffer
	logger := build(config.LogConfig{Level: "info"}, zapcore.AddSync(&buf), false)
	logger.Warn("bid rejected", zap.String("task_id", "t1"))
	logger.Debug("hidden")
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "bid rejected")
	assert.NotContains(t, out, "\x1b[")
	assert.NotContains(t, out, "hidden")
}

func TestConsoleOnTerminalIsColored(t *testing.T) {
	var buf bytes.Buffer
	logger := build(config.LogConfig{Format: "console"}, zapcore.AddSync(&buf), true)
	logger.Info("agent joined")
	require.NoError(t, logger.Sync())

	assert.Contains(t, buf.String(), "\x1b[")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := build(config.LogConfig{Level: "debug", Format: "json"}, zapcore.AddSync(&buf), true)
	logger.Debug("auction closed", zap.String("task_id", "t1"))
	require.NoError(t, logger.Sync())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "auction closed", line["msg"])
	assert.Equal(t, "t1", line["task_id"])
	assert.Contains(t, line, "timestamp")
	assert.NotContains(t, buf.String(), "\x1b[")
}

func TestNew(t *testing.T) {
	logger, err := New(config.LogConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.WarnLevel))
	assert.True(t, logger.Core().Enabled(zapcore.ErrorLevel))
}
