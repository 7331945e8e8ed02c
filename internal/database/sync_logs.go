package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"channelmanager/internal/models"
)

// healthOperations are the operations whose failures drive a connection
// towards DEGRADED. A successful VALIDATE resets the streak.
var healthOperations = []any{
	models.OpPushInventory,
	models.OpPushRates,
	models.OpPullBookings,
	models.OpValidate,
}

// AppendSyncLog writes one audit row. Rows are never updated or deleted.
func (db *DB) AppendSyncLog(ctx context.Context, l *models.SyncLog) error {
	rooms := l.AffectedRooms
	if rooms == nil {
		rooms = []string{}
	}
	roomsJSON, err := json.Marshal(rooms)
	if err != nil {
		return fmt.Errorf("failed to marshal affected rooms: %w", err)
	}
	if l.Attempt == 0 {
		l.Attempt = 1
	}

	now := time.Now().UTC()
	query := `INSERT INTO sync_logs (
				connection_id, operation, success, affected_rooms, error_message, error_kind,
				outcome, external_booking_id, raw_response, attempt, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		l.ConnectionID, l.Operation, l.Success, string(roomsJSON), l.ErrorMessage, string(l.ErrorKind),
		l.Outcome, l.ExternalBookingID, l.RawResponse, l.Attempt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	l.ID = id
	l.CreatedAt = now
	return nil
}

// ListSyncLogs returns the newest rows first.
func (db *DB) ListSyncLogs(ctx context.Context, connectionID int64, limit int) ([]models.SyncLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, connection_id, operation, success, affected_rooms, error_message, error_kind,
				outcome, external_booking_id, raw_response, attempt, created_at
			  FROM sync_logs WHERE connection_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	defer rows.Close()

	var logs []models.SyncLog
	for rows.Next() {
		var (
			l         models.SyncLog
			roomsJSON string
			kind      string
		)
		err := rows.Scan(&l.ID, &l.ConnectionID, &l.Operation, &l.Success, &roomsJSON, &l.ErrorMessage, &kind,
			&l.Outcome, &l.ExternalBookingID, &l.RawResponse, &l.Attempt, &l.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		l.ErrorKind = models.ErrorKind(kind)
		if err := json.Unmarshal([]byte(roomsJSON), &l.AffectedRooms); err != nil {
			return nil, fmt.Errorf("failed to decode affected rooms: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ConsecutiveFailures counts health-relevant failures since the connection's
// last successful push, pull or validation. Conflicts and malformed payloads
// neither count nor reset the streak.
func (db *DB) ConsecutiveFailures(ctx context.Context, connectionID int64, window int) (int, error) {
	if window <= 0 {
		window = 200
	}
	query := `SELECT operation, success, error_kind FROM sync_logs
			  WHERE connection_id = ? AND operation IN (?, ?, ?, ?)
			  ORDER BY id DESC LIMIT ?`
	args := append([]any{connectionID}, healthOperations...)
	args = append(args, window)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			op      string
			success bool
			kind    string
		)
		if err := rows.Scan(&op, &success, &kind); err != nil {
			return 0, fmt.Errorf("failed to scan failure row: %w", err)
		}
		if success {
			break
		}
		if op != models.OpValidate && models.ErrorKind(kind).CountsTowardHealth() {
			count++
		}
	}
	return count, rows.Err()
}
