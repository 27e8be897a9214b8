package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/shrinkarr/shrinkarr/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Info("hello", slog.String("key", "value"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestNewLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	WithComponent(logger, "scheduler").Info("tick")
	assert.Contains(t, buf.String(), "component=scheduler")
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	WithError(logger, errors.New("boom")).Error("failed")
	assert.Contains(t, buf.String(), "error=boom")

	// nil error returns the same logger
	assert.Equal(t, logger, WithError(logger, nil))
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	ctx := ContextWithLogger(context.Background(), logger)
	assert.Equal(t, logger, LoggerFromContext(ctx))

	// Missing logger falls back to default
	assert.NotNil(t, LoggerFromContext(context.Background()))
}

func TestRequestIDContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-123")
	assert.Equal(t, "req-123", RequestIDFromContext(ctx))
	assert.Equal(t, "", RequestIDFromContext(context.Background()))
}

func TestLoggerTimeFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{
		Level: "info", Format: "text", TimeFormat: "2006-01-02",
	}, &buf)

	logger.Info("dated")
	fields := strings.Fields(buf.String())
	require.NotEmpty(t, fields)
	assert.Len(t, strings.TrimPrefix(fields[0], "time="), len("2006-01-02"))
}
