package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"channelmanager/internal/config"

	"github.com/rs/zerolog"
)

// BackupService snapshots the store with VACUUM INTO and prunes old snapshots.
// It is driven by the worker scheduler.
type BackupService struct {
	db     *DB
	config config.BackupConfig
	logger *zerolog.Logger
}

func NewBackupService(db *DB, cfg config.BackupConfig, logger *zerolog.Logger) *BackupService {
	return &BackupService{
		db:     db,
		config: cfg,
		logger: logger,
	}
}

func (s *BackupService) Enabled() bool { return s.config.Enabled }

func (s *BackupService) Schedule() string { return s.config.Schedule }

// Run performs one backup followed by retention cleanup.
func (s *BackupService) Run(ctx context.Context) {
	if err := s.PerformBackup(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Scheduled backup failed")
		return
	}
	s.CleanupOldBackups()
}

func (s *BackupService) PerformBackup(ctx context.Context) error {
	if s.db.Path() == ":memory:" {
		return fmt.Errorf("in-memory database cannot be backed up")
	}
	if err := os.MkdirAll(s.config.StoragePath, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	backupPath := filepath.Join(s.config.StoragePath, fmt.Sprintf("backup_%s.db", time.Now().UTC().Format("20060102_150405")))
	s.logger.Info().Str("path", backupPath).Msg("Performing database backup using VACUUM INTO")

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", backupPath); err != nil {
		return fmt.Errorf("vacuum into %s: %w", backupPath, err)
	}

	s.logger.Info().Msg("Backup completed successfully")
	return nil
}

func (s *BackupService) CleanupOldBackups() {
	if s.config.RetentionDays <= 0 {
		return
	}

	files, err := os.ReadDir(s.config.StoragePath)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read backup directory for cleanup")
		return
	}

	cutoff := time.Now().AddDate(0, 0, -s.config.RetentionDays)
	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), "backup_") {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			s.logger.Info().Str("file", file.Name()).Msg("Deleting old backup")
			if err := os.Remove(filepath.Join(s.config.StoragePath, file.Name())); err != nil {
				s.logger.Warn().Err(err).Str("file", file.Name()).Msg("Failed to delete old backup")
			}
		}
	}
}
