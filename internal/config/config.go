package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"channelmanager/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig                `yaml:"app"`
	Database   DatabaseConfig           `yaml:"database"`
	Backup     BackupConfig             `yaml:"backup"`
	Redis      RedisConfig              `yaml:"redis"`
	Monitoring MonitoringConfig         `yaml:"monitoring"`
	Logging    LoggingConfig            `yaml:"logging"`
	API        APIConfig                `yaml:"api"`
	Sync       SyncConfig               `yaml:"sync"`
	Channels   map[string]ChannelConfig `yaml:"channels"`
	Google     GoogleConfig             `yaml:"google"`
	Telegram   TelegramConfig           `yaml:"telegram"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BackupConfig controls periodic VACUUM INTO snapshots of the SQLite store.
type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	StoragePath   string `yaml:"storage_path"`
	RetentionDays int    `yaml:"retention_days"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

// GoogleConfig enables the booking ledger mirror in Google Sheets.
type GoogleConfig struct {
	CredentialsFile     string `yaml:"credentials_file"`
	LedgerSpreadsheetID string `yaml:"ledger_spreadsheet_id"`
}

// TelegramConfig enables operator alerts. Empty token disables the bot.
type TelegramConfig struct {
	BotToken     string  `yaml:"bot_token"`
	AlertChatIDs []int64 `yaml:"alert_chat_ids"`
	Debug        bool    `yaml:"debug"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool `yaml:"enabled"`
	Port       int  `yaml:"port"`
	Reflection bool `yaml:"reflection"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// SyncConfig tunes the orchestrator, worker and pull scheduler.
type SyncConfig struct {
	Workers          int           `yaml:"workers"`
	AdapterTimeout   time.Duration `yaml:"adapter_timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	PullInterval     time.Duration `yaml:"pull_interval"`
	PullOverlap      time.Duration `yaml:"pull_overlap"`
	PullLookback     time.Duration `yaml:"pull_lookback"`
	RevalidateEvery  time.Duration `yaml:"revalidate_every"`
	Retry            RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

// ChannelConfig holds per-channel transport settings. Credentials live on the
// connection, not here. Endpoints lists extra base URLs, such as a partner
// sandbox, that a connection may select through its credentials.
type ChannelConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Endpoints []string      `yaml:"endpoints"`
	RPS       int           `yaml:"rps"`
	Timeout   time.Duration `yaml:"timeout"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional in containers where the environment is injected directly.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Sync.FailureThreshold < 1 {
		return errors.New("sync.failure_threshold must be at least 1")
	}
	if c.Sync.Workers < 1 {
		return errors.New("sync.workers must be at least 1")
	}
	if c.Telegram.BotToken != "" && len(c.Telegram.AlertChatIDs) == 0 {
		return errors.New("telegram.alert_chat_ids is required when a bot token is set")
	}
	return ValidateChannels(c.Channels)
}

var knownChannels = map[string]bool{
	models.ChannelAgoda:      true,
	models.ChannelBookingCom: true,
	models.ChannelExpedia:    true,
	models.ChannelTraveloka:  true,
	models.ChannelB2B:        true,
}

// ValidateChannels rejects configuration for channel types no adapter serves.
func ValidateChannels(channels map[string]ChannelConfig) error {
	for name, ch := range channels {
		if !knownChannels[name] {
			return fmt.Errorf("unknown channel type in config: %s", name)
		}
		if ch.RPS < 0 {
			return fmt.Errorf("channel %s: rps must not be negative", name)
		}
		for _, e := range ch.Endpoints {
			if u, err := url.Parse(e); err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("channel %s: endpoint %q is not an absolute URL", name, e)
			}
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "channel-manager"
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}

	if c.Backup.Enabled && c.Backup.Schedule == "" {
		c.Backup.Schedule = "@daily"
	}
	if c.Backup.Enabled && c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}

	if c.Sync.Workers == 0 {
		c.Sync.Workers = 8
	}
	if c.Sync.AdapterTimeout == 0 {
		c.Sync.AdapterTimeout = 20 * time.Second
	}
	if c.Sync.FailureThreshold == 0 {
		c.Sync.FailureThreshold = models.DefaultFailureThreshold
	}
	if c.Sync.PullInterval == 0 {
		c.Sync.PullInterval = 5 * time.Minute
	}
	if c.Sync.PullOverlap == 0 {
		c.Sync.PullOverlap = 10 * time.Minute
	}
	if c.Sync.PullLookback == 0 {
		c.Sync.PullLookback = 24 * time.Hour
	}
	if c.Sync.RevalidateEvery == 0 {
		c.Sync.RevalidateEvery = 15 * time.Minute
	}
	if c.Sync.Retry.MaxRetries == 0 {
		c.Sync.Retry.MaxRetries = 5
	}
	if c.Sync.Retry.InitialDelay == 0 {
		c.Sync.Retry.InitialDelay = 2 * time.Second
	}
	if c.Sync.Retry.MaxDelay == 0 {
		c.Sync.Retry.MaxDelay = 5 * time.Minute
	}
	if c.Sync.Retry.BackoffFactor == 0 {
		c.Sync.Retry.BackoffFactor = 2
	}

	for name, ch := range c.Channels {
		if ch.RPS == 0 {
			ch.RPS = 5
		}
		if ch.Timeout == 0 {
			ch.Timeout = c.Sync.AdapterTimeout
		}
		ch.BaseURL = strings.TrimRight(ch.BaseURL, "/")
		for i, e := range ch.Endpoints {
			ch.Endpoints[i] = strings.TrimRight(e, "/")
		}
		c.Channels[name] = ch
	}
}
