package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(&buf, " lending-engine ", "test", "info")

	logger.Info("operation committed", "op", "DEPOSIT")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "lending-engine", line["service"])
	assert.Equal(t, "test", line["env"])
	assert.Equal(t, "INFO", line["severity"])
	assert.Equal(t, "operation committed", line["message"])
	assert.Equal(t, "DEPOSIT", line["op"])
	assert.Contains(t, line, "timestamp")
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(&buf, "svc", "", "warn")

	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn("kept")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.NotContains(t, line, "env")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
