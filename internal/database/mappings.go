package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"channelmanager/internal/models"
)

const mappingColumns = `id, connection_id, local_room_id, external_room_type_id, external_rate_plan_id, created_at, updated_at`

func scanMapping(row rowScanner) (*models.ChannelRoomMapping, error) {
	var m models.ChannelRoomMapping
	err := row.Scan(&m.ID, &m.ConnectionID, &m.LocalRoomID, &m.ExternalRoomTypeID,
		&m.ExternalRatePlanID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

const upsertMappingQuery = `INSERT INTO room_mappings (
				connection_id, local_room_id, external_room_type_id, external_rate_plan_id, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(connection_id, local_room_id) DO UPDATE SET
				external_room_type_id = excluded.external_room_type_id,
				external_rate_plan_id = excluded.external_rate_plan_id,
				updated_at = excluded.updated_at`

// UpsertMapping creates or re-points the mapping of a local room on a connection.
// A room that live bookings still hold keeps its external room type.
func (db *DB) UpsertMapping(ctx context.Context, m *models.ChannelRoomMapping) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := upsertMappingTx(ctx, tx, m.ConnectionID, *m, time.Now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mapping: %w", err)
	}

	stored, err := db.GetMappingByLocal(ctx, m.ConnectionID, m.LocalRoomID)
	if err != nil {
		return err
	}
	*m = *stored
	return nil
}

// ReplaceMappings makes the given set the connection's whole mapping table in
// one transaction. Rooms missing from the set are removed, and neither removal
// nor re-pointing touches a room that live bookings still hold.
func (db *DB) ReplaceMappings(ctx context.Context, connectionID int64, mappings []models.ChannelRoomMapping) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	keep := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		keep[m.LocalRoomID] = true
	}

	rows, err := tx.QueryContext(ctx, `SELECT local_room_id FROM room_mappings WHERE connection_id = ?`, connectionID)
	if err != nil {
		return fmt.Errorf("failed to list mappings: %w", err)
	}
	var dropped []string
	for rows.Next() {
		var local string
		if err := rows.Scan(&local); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan mapping: %w", err)
		}
		if !keep[local] {
			dropped = append(dropped, local)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to list mappings: %w", err)
	}

	// Removals go first so a freed external room type can move to another room.
	for _, local := range dropped {
		if err := deleteMappingTx(ctx, tx, connectionID, local); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	for _, m := range mappings {
		if err := upsertMappingTx(ctx, tx, connectionID, m, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertMappingTx(ctx context.Context, tx *sql.Tx, connectionID int64, m models.ChannelRoomMapping, now time.Time) error {
	var current string
	err := tx.QueryRowContext(ctx,
		`SELECT external_room_type_id FROM room_mappings WHERE connection_id = ? AND local_room_id = ?`,
		connectionID, m.LocalRoomID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read mapping: %w", err)
	case current != m.ExternalRoomTypeID:
		inUse, err := mappingInUse(ctx, tx, connectionID, m.LocalRoomID)
		if err != nil {
			return err
		}
		if inUse {
			return fmt.Errorf("%w: room %s stays on %s", ErrMappingInUse, m.LocalRoomID, current)
		}
	}

	_, err = tx.ExecContext(ctx, upsertMappingQuery,
		connectionID, m.LocalRoomID, m.ExternalRoomTypeID, m.ExternalRatePlanID, now, now)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %s", ErrMappingConflict, m.ExternalRoomTypeID)
		}
		return fmt.Errorf("failed to upsert mapping: %w", err)
	}
	return nil
}

// mappingInUse reports whether a live booking that has not yet checked out
// still references the local room on the connection.
func mappingInUse(ctx context.Context, tx *sql.Tx, connectionID int64, localRoomID string) (bool, error) {
	var n int
	query := `SELECT COUNT(*) FROM bookings
			  WHERE connection_id = ? AND local_room_id = ? AND status != ? AND check_out > ?`
	today := models.Day(time.Now()).Format(models.DateLayout)
	if err := tx.QueryRowContext(ctx, query, connectionID, localRoomID, models.BookingCancelled, today).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check mapping usage: %w", err)
	}
	return n > 0, nil
}

func deleteMappingTx(ctx context.Context, tx *sql.Tx, connectionID int64, localRoomID string) error {
	inUse, err := mappingInUse(ctx, tx, connectionID, localRoomID)
	if err != nil {
		return err
	}
	if inUse {
		return fmt.Errorf("%w: room %s", ErrMappingInUse, localRoomID)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM room_mappings WHERE connection_id = ? AND local_room_id = ?`, connectionID, localRoomID)
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) GetMappings(ctx context.Context, connectionID int64) ([]models.ChannelRoomMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM room_mappings WHERE connection_id = ? ORDER BY local_room_id`
	rows, err := db.QueryContext(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get mappings: %w", err)
	}
	defer rows.Close()

	var mappings []models.ChannelRoomMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, *m)
	}
	return mappings, rows.Err()
}

func (db *DB) GetMappingByLocal(ctx context.Context, connectionID int64, localRoomID string) (*models.ChannelRoomMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM room_mappings WHERE connection_id = ? AND local_room_id = ?`
	return db.getMapping(ctx, query, connectionID, localRoomID)
}

// GetMappingByExternal is the reverse lookup used when ingesting bookings.
func (db *DB) GetMappingByExternal(ctx context.Context, connectionID int64, externalRoomTypeID string) (*models.ChannelRoomMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM room_mappings WHERE connection_id = ? AND external_room_type_id = ?`
	return db.getMapping(ctx, query, connectionID, externalRoomTypeID)
}

func (db *DB) getMapping(ctx context.Context, query string, args ...any) (*models.ChannelRoomMapping, error) {
	m, err := scanMapping(db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	return m, nil
}

// DeleteMapping removes a room mapping unless a live booking that has not yet
// checked out still references it.
func (db *DB) DeleteMapping(ctx context.Context, connectionID int64, localRoomID string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := deleteMappingTx(ctx, tx, connectionID, localRoomID); err != nil {
		return err
	}
	return tx.Commit()
}
