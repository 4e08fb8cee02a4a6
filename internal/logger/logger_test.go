package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should write to a plain file when rotation is off", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "turnloop.log")

		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		l.Info().Str("agent", "a1").Msg("run started")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"agent":"a1"`)
		assert.Contains(t, string(data), "run started")
	})

	t.Run("should use a rotating writer when max size is set", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "turnloop.log")

		l, err := New(Config{Level: "info", File: logFile, MaxSize: 1})
		require.NoError(t, err)
		defer l.Close()

		_, ok := l.closer.(*RotatingWriter)
		assert.True(t, ok)
	})

	t.Run("should redact secrets", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "turnloop.log")

		l, err := New(Config{Level: "info", File: logFile, Redaction: true})
		require.NoError(t, err)
		require.NotNil(t, l.Redactor())

		l.Info().Msg("using key sk-ant-REDACTED")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "sk-ant-REDACTED")
		assert.Contains(t, string(data), redactedMarker)
	})

	t.Run("should fall back to info on a bad level", func(t *testing.T) {
		l, err := New(Config{Level: "loud"})
		require.NoError(t, err)
		assert.Equal(t, zerolog.InfoLevel, l.GetZerolog().GetLevel())
	})
}

func TestComponent(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "turnloop.log")
	l, err := New(Config{Level: "info", File: logFile})
	require.NoError(t, err)

	c := l.Component("session")
	c.Info().Msg("saved")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"component":"session"`))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Greater(t, cfg.MaxSize, 0)
}
