package cloud

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(LogConfig{Level: "warn"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
}

func TestNewLogger_ProductionIsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(LogConfig{Production: true}, &buf)
	require.NoError(t, err)

	logger.Info("job submitted")
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "job submitted", entry["message"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Contains(t, entry, "timestamp")
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pointscope.log")
	var buf bytes.Buffer
	logger, err := newLogger(LogConfig{File: path, Level: "debug"}, &buf)
	require.NoError(t, err)

	logger.Debug("to both")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"message":"to both"`), "file log: %s", data)
	assert.Contains(t, buf.String(), "to both")
}

func TestNewLogger_BadLevel(t *testing.T) {
	_, err := newLogger(LogConfig{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}
