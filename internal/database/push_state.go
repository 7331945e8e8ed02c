package database

import (
	"context"
	"fmt"
	"time"

	"channelmanager/internal/models"
)

// MarkDelivered records that the values behind keys reached the channel of
// the connection with push sequence seq. A lower seq never replaces a higher one.
func (db *DB) MarkDelivered(ctx context.Context, connectionID, seq int64, keys []models.PushKey) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `INSERT INTO push_state (connection_id, local_room_id, night, kind, seq, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?)
			  ON CONFLICT(connection_id, local_room_id, night, kind) DO UPDATE SET
				seq = MAX(push_state.seq, excluded.seq),
				updated_at = excluded.updated_at`
	now := time.Now().UTC()
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, query, connectionID, k.RoomID, k.Night, k.Kind, seq, now); err != nil {
			return fmt.Errorf("failed to mark push delivered: %w", err)
		}
	}
	return tx.Commit()
}

// DeliveredSeqs returns the latest delivered sequence for each of keys.
// Keys that never reached the channel are absent from the map.
func (db *DB) DeliveredSeqs(ctx context.Context, connectionID int64, keys []models.PushKey) (map[models.PushKey]int64, error) {
	out := make(map[models.PushKey]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	from, to := keys[0].Night, keys[0].Night
	want := make(map[models.PushKey]bool, len(keys))
	for _, k := range keys {
		want[k] = true
		if k.Night < from {
			from = k.Night
		}
		if k.Night > to {
			to = k.Night
		}
	}

	query := `SELECT local_room_id, night, kind, seq FROM push_state
			  WHERE connection_id = ? AND night BETWEEN ? AND ?`
	rows, err := db.QueryContext(ctx, query, connectionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to read push state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			k   models.PushKey
			seq int64
		)
		if err := rows.Scan(&k.RoomID, &k.Night, &k.Kind, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan push state: %w", err)
		}
		if want[k] {
			out[k] = seq
		}
	}
	return out, rows.Err()
}
