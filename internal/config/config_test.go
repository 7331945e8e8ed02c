package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"channelmanager/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("AGODA_BASE_URL", "https://supply.agoda.test/api/")

	yamlContent := `
database:
  path: "test.db"
sync:
  adapter_timeout: 3s
  failure_threshold: 2
channels:
  AGODA:
    base_url: "${AGODA_BASE_URL}"
    rps: 10
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "test.db", cfg.Database.Path)
	assert.Equal(t, 3*time.Second, cfg.Sync.AdapterTimeout)
	assert.Equal(t, 2, cfg.Sync.FailureThreshold)
	assert.Equal(t, 8, cfg.Sync.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Sync.PullInterval)

	agoda := cfg.Channels[models.ChannelAgoda]
	assert.Equal(t, "https://supply.agoda.test/api", agoda.BaseURL)
	assert.Equal(t, 10, agoda.RPS)
	assert.Equal(t, 3*time.Second, agoda.Timeout)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		return Config{
			Database: DatabaseConfig{Path: "path"},
			Sync:     SyncConfig{Workers: 1, FailureThreshold: 3},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing db path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "zero threshold", mutate: func(c *Config) { c.Sync.FailureThreshold = 0 }, wantErr: true},
		{name: "zero workers", mutate: func(c *Config) { c.Sync.Workers = 0 }, wantErr: true},
		{name: "bot without chats", mutate: func(c *Config) { c.Telegram.BotToken = "123:abc" }, wantErr: true},
		{
			name: "bot with chats",
			mutate: func(c *Config) {
				c.Telegram = TelegramConfig{BotToken: "123:abc", AlertChatIDs: []int64{-100200}}
			},
		},
		{
			name: "unknown channel",
			mutate: func(c *Config) {
				c.Channels = map[string]ChannelConfig{"HOSTELWORLD": {}}
			},
			wantErr: true,
		},
		{
			name: "relative endpoint",
			mutate: func(c *Config) {
				c.Channels = map[string]ChannelConfig{models.ChannelAgoda: {Endpoints: []string{"sandbox/v1"}}}
			},
			wantErr: true,
		},
		{
			name: "sandbox endpoint",
			mutate: func(c *Config) {
				c.Channels = map[string]ChannelConfig{models.ChannelAgoda: {Endpoints: []string{"https://sandbox.agoda.test/v1"}}}
			},
		},
		{
			name: "negative rps",
			mutate: func(c *Config) {
				c.Channels = map[string]ChannelConfig{models.ChannelAgoda: {RPS: -1}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{API: APIConfig{Enabled: true}}
	cfg.applyDefaults()

	assert.Equal(t, 8080, cfg.API.HTTP.Port)
	assert.Equal(t, 8081, cfg.API.GRPC.Port)
	assert.True(t, cfg.API.HTTP.Enabled)
	assert.Equal(t, "x-api-key", cfg.API.Auth.HeaderAPIKey)
	assert.Equal(t, models.DefaultFailureThreshold, cfg.Sync.FailureThreshold)
	assert.Equal(t, 5, cfg.Sync.Retry.MaxRetries)
	assert.Equal(t, 2.0, cfg.Sync.Retry.BackoffFactor)
}
