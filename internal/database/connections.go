package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"channelmanager/internal/models"
)

const connectionColumns = `id, hotel_id, channel_type, api_credentials, external_property_id,
	status, status_reason, last_sync_at, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*models.ChannelConnection, error) {
	var (
		c          models.ChannelConnection
		creds      string
		lastSyncAt sql.NullTime
		deletedAt  sql.NullTime
	)
	err := row.Scan(
		&c.ID, &c.HotelID, &c.ChannelType, &creds, &c.ExternalPropertyID,
		&c.Status, &c.StatusReason, &lastSyncAt, &c.CreatedAt, &c.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}
	c.APICredentials = []byte(creds)
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		c.LastSyncAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		c.DeletedAt = &t
	}
	return &c, nil
}

// CreateConnection inserts a new connection. A hotel may hold only one live
// connection per channel type.
func (db *DB) CreateConnection(ctx context.Context, c *models.ChannelConnection) error {
	if c.Status == "" {
		c.Status = models.ConnectionPending
	}
	now := time.Now().UTC()
	query := `INSERT INTO connections (
				hotel_id, channel_type, api_credentials, external_property_id,
				status, status_reason, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		c.HotelID, c.ChannelType, string(c.APICredentials), c.ExternalPropertyID,
		c.Status, c.StatusReason, now, now,
	)
	if err != nil {
		if isConstraint(err) {
			return ErrConnectionExists
		}
		return fmt.Errorf("failed to create connection: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	c.ID = id
	c.CreatedAt = now
	c.UpdatedAt = now
	return nil
}

// GetConnection returns a connection by id, including soft-deleted ones.
func (db *DB) GetConnection(ctx context.Context, id int64) (*models.ChannelConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = ?`
	c, err := scanConnection(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return c, nil
}

// FindConnectionByProperty resolves the live connection a webhook belongs to.
func (db *DB) FindConnectionByProperty(ctx context.Context, channelType, externalPropertyID string) (*models.ChannelConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections
			  WHERE channel_type = ? AND external_property_id = ? AND deleted_at IS NULL
			  ORDER BY id DESC LIMIT 1`
	c, err := scanConnection(db.QueryRowContext(ctx, query, channelType, externalPropertyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find connection: %w", err)
	}
	return c, nil
}

// ListHotelConnections returns the hotel's live connections, optionally
// restricted to the given statuses.
func (db *DB) ListHotelConnections(ctx context.Context, hotelID int64, statuses ...string) ([]*models.ChannelConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE hotel_id = ? AND deleted_at IS NULL`
	args := []any{hotelID}
	query, args = withStatuses(query, args, statuses)
	return db.queryConnections(ctx, query+` ORDER BY id`, args...)
}

// ListConnectionsByStatus returns live connections across all hotels.
func (db *DB) ListConnectionsByStatus(ctx context.Context, statuses ...string) ([]*models.ChannelConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE deleted_at IS NULL`
	query, args := withStatuses(query, nil, statuses)
	return db.queryConnections(ctx, query+` ORDER BY id`, args...)
}

func withStatuses(query string, args []any, statuses []string) (string, []any) {
	if len(statuses) == 0 {
		return query, args
	}
	query += ` AND status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
	for _, s := range statuses {
		args = append(args, s)
	}
	return query, args
}

func (db *DB) queryConnections(ctx context.Context, query string, args ...any) ([]*models.ChannelConnection, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []*models.ChannelConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// UpdateConnectionStatus moves a connection from one status to another. The
// write only lands if the row still holds the expected status.
func (db *DB) UpdateConnectionStatus(ctx context.Context, id int64, from, to, reason string) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	query := `UPDATE connections SET status = ?, status_reason = ?, updated_at = ?
			  WHERE id = ? AND status = ? AND deleted_at IS NULL`
	result, err := db.ExecContext(ctx, query, to, reason, time.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("failed to update connection status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return ErrStatusConflict
	}
	return nil
}

// UpdateConnectionCredentials replaces the opaque credential blob.
func (db *DB) UpdateConnectionCredentials(ctx context.Context, id int64, creds []byte, externalPropertyID string) error {
	query := `UPDATE connections SET api_credentials = ?, external_property_id = ?, updated_at = ?
			  WHERE id = ? AND deleted_at IS NULL`
	result, err := db.ExecContext(ctx, query, string(creds), externalPropertyID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastSync advances the pull watermark. It never moves backwards.
func (db *DB) TouchLastSync(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE connections SET last_sync_at = ?, updated_at = ?
			  WHERE id = ? AND (last_sync_at IS NULL OR last_sync_at < ?)`
	at = at.UTC()
	_, err := db.ExecContext(ctx, query, at, time.Now().UTC(), id, at)
	if err != nil {
		return fmt.Errorf("failed to update last sync: %w", err)
	}
	return nil
}

// SoftDeleteConnection unlinks a connection. History stays queryable.
func (db *DB) SoftDeleteConnection(ctx context.Context, id int64, reason string) error {
	now := time.Now().UTC()
	query := `UPDATE connections SET status = ?, status_reason = ?, deleted_at = ?, updated_at = ?
			  WHERE id = ? AND deleted_at IS NULL`
	result, err := db.ExecContext(ctx, query, models.ConnectionInactive, reason, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}
