package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"channelmanager/internal/config"
	"channelmanager/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	appCfg := config.AppConfig{
		Name:        "channel-manager",
		Environment: "test",
		Version:     "1.0.0",
	}

	t.Run("DefaultStdout", func(t *testing.T) {
		logger, closer, err := New(config.LoggingConfig{}, appCfg)
		require.NoError(t, err)
		assert.NotNil(t, logger)
		assert.Nil(t, closer)
		assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
	})

	t.Run("Stderr", func(t *testing.T) {
		logger, closer, err := New(config.LoggingConfig{Level: "debug", Output: "stderr"}, appCfg)
		require.NoError(t, err)
		assert.Nil(t, closer)
		assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())
	})

	t.Run("Console", func(t *testing.T) {
		logger, _, err := New(config.LoggingConfig{Level: "warn", Format: "console"}, appCfg)
		require.NoError(t, err)
		assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())
	})

	t.Run("File", func(t *testing.T) {
		logPath := filepath.Join(t.TempDir(), "sync.log")
		logger, closer, err := New(config.LoggingConfig{Level: "error", Output: "file", FilePath: logPath}, appCfg)
		require.NoError(t, err)
		require.NotNil(t, closer)
		logger.Error().Msg("push failed")
		require.NoError(t, closer.Close())

		data, err := os.ReadFile(logPath)
		require.NoError(t, err)
		assert.Contains(t, string(data), "push failed")
		assert.Contains(t, string(data), `"app":"channel-manager"`)
	})

	t.Run("FileMissingPath", func(t *testing.T) {
		_, _, err := New(config.LoggingConfig{Output: "file"}, appCfg)
		assert.Error(t, err)
	})

	t.Run("UnknownOutput", func(t *testing.T) {
		_, _, err := New(config.LoggingConfig{Output: "syslog"}, appCfg)
		assert.Error(t, err)
	})

	t.Run("InvalidLevel", func(t *testing.T) {
		logger, _, err := New(config.LoggingConfig{Level: "loud"}, appCfg)
		require.NoError(t, err)
		assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
	})
}

func TestForConnection(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	conn := &models.ChannelConnection{
		ID:             7,
		HotelID:        3,
		ChannelType:    models.ChannelAgoda,
		APICredentials: []byte(`{"api_key":"secret"}`),
	}

	l := ForConnection(Component(&base, "orchestrator"), conn)
	l.Info().Msg("pushed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "orchestrator", entry["component"])
	assert.Equal(t, float64(7), entry["connection_id"])
	assert.Equal(t, "AGODA", entry["channel"])
	assert.NotContains(t, buf.String(), "secret")
}
