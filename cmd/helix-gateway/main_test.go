// ABOUTME: Tests for CLI helpers
// ABOUTME: Covers logger setup and JSON argument parsing

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json")

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "value", line["key"])
}

func TestSetupLoggerDefaultsToInfoText(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "bogus", "")

	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
	logger.Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestParseParams(t *testing.T) {
	params, err := parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, params)

	params, err = parseParams([]string{`{"text":"hi"}`})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"text":"hi"}`), params)

	_, err = parseParams([]string{`{not json`})
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
