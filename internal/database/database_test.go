package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"channelmanager/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := NewDB(filepath.Join(t.TempDir(), "channels.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func createTestConnection(t *testing.T, db *DB, hotelID int64, channelType, status string) *models.ChannelConnection {
	t.Helper()
	conn := &models.ChannelConnection{
		HotelID:            hotelID,
		ChannelType:        channelType,
		APICredentials:     []byte(`{"api_key":"k","property_id":"P-1"}`),
		ExternalPropertyID: "P-1",
		Status:             status,
	}
	require.NoError(t, db.CreateConnection(context.Background(), conn))
	return conn
}

func day(s string) time.Time {
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
	assert.Equal(t, dbPath, db.Path())
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.migrate())
	require.NoError(t, db.migrate())
}

func TestDB_Ping(t *testing.T) {
	db := setupTestDB(t)
	assert.NoError(t, db.PingContext(context.Background()))
}

func TestDB_ErrorPaths(t *testing.T) {
	logger := zerolog.Nop()
	db, err := NewDB(filepath.Join(t.TempDir(), "closed.db"), &logger)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ctx := context.Background()

	_, err = db.GetConnection(ctx, 1)
	assert.Error(t, err)
	assert.Error(t, db.CreateSyncTask(ctx, &models.SyncTask{}))
	assert.Error(t, db.AppendSyncLog(ctx, &models.SyncLog{}))
	_, err = db.TakenNights(ctx, 1, "101", day("2025-06-01"), day("2025-06-02"))
	assert.Error(t, err)
}
