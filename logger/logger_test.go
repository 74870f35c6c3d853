package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/migadu/eaf/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("verbose"))
}

func TestInitializeFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eaf.log")
	f, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "info"})
	require.NoError(t, err)
	require.NotNil(t, f)
	defer f.Close()
	t.Cleanup(func() { _, _ = Initialize(config.LoggingConfig{Output: "stderr"}) })

	Debug("hidden")
	Info("visible", "key", "value")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.True(t, strings.Contains(out, `"msg":"visible"`))
	assert.True(t, strings.Contains(out, `"key":"value"`))
	assert.False(t, strings.Contains(out, "hidden"))
}
