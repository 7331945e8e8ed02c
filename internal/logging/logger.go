package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"channelmanager/internal/config"
	"channelmanager/internal/models"

	"github.com/rs/zerolog"
)

// New builds the process logger. Empty settings mean JSON at info level on stdout.
func New(cfg config.LoggingConfig, app config.AppConfig) (*zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}

	var (
		output io.Writer = os.Stdout
		closer io.Closer
	)

	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "stdout":
	case "stderr":
		output = os.Stderr
	case "file":
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("logging.output=file requires logging.file_path")
		}
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		output = file
		closer = file
	default:
		return nil, nil, fmt.Errorf("unknown logging.output %q", cfg.Output)
	}

	if strings.EqualFold(strings.TrimSpace(cfg.Format), "console") {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	base := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("app", app.Name).
		Str("env", app.Environment).
		Str("version", app.Version).
		Logger()

	return &base, closer, nil
}

// Component returns a child logger tagged with the subsystem name.
func Component(parent *zerolog.Logger, name string) *zerolog.Logger {
	l := parent.With().Str("component", name).Logger()
	return &l
}

// ForConnection tags a logger with the identity of a channel connection.
// Credentials are never logged.
func ForConnection(parent *zerolog.Logger, conn *models.ChannelConnection) *zerolog.Logger {
	l := parent.With().
		Int64("connection_id", conn.ID).
		Int64("hotel_id", conn.HotelID).
		Str("channel", conn.ChannelType).
		Logger()
	return &l
}
