package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console only", func(t *testing.T) {
		logger, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		assert.Nil(t, logger.sink)
		assert.NoError(t, logger.Close())
	})

	t.Run("plain file sink", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "nested", "steward.log")

		logger, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		logger.Info().Str("thread_id", "t-1").Msg("turn finished")
		require.NoError(t, logger.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "turn finished")
		assert.Contains(t, string(content), `"thread_id":"t-1"`)
	})

	t.Run("rotating file sink", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "steward.log")

		logger, err := New(Config{Level: "info", File: logFile, MaxSize: 1})
		require.NoError(t, err)
		defer logger.Close()

		_, ok := logger.sink.(*RotatingWriter)
		assert.True(t, ok, "MaxSize > 0 should select the rotating writer")
	})

	t.Run("redaction", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "steward.log")

		logger, err := New(Config{Level: "info", File: logFile, Redaction: true})
		require.NoError(t, err)

		logger.Info().Msg("key sk-test123456789abcdefghijklmnopqrstuvwxyz")
		require.NoError(t, logger.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "[REDACTED]")
		assert.NotContains(t, string(content), "sk-test123456789")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		logger, err := New(Config{Level: "loud", Console: true})
		require.NoError(t, err)
		assert.Equal(t, zerolog.InfoLevel, logger.GetZerolog().GetLevel())
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
}

func TestLoggerWith(t *testing.T) {
	logger, err := New(Config{Level: "info", Console: true})
	require.NoError(t, err)
	defer logger.Close()

	child := logger.With().Str("component", "agent").Logger()
	assert.NotNil(t, child)
}
