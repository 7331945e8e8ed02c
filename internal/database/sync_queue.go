package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"channelmanager/internal/models"
)

const syncTaskColumns = `id, task_type, connection_id, payload, status, retry_count, last_error, created_at, processed_at, next_retry_at`

func scanSyncTask(row rowScanner) (*models.SyncTask, error) {
	var (
		t           models.SyncTask
		lastError   sql.NullString
		processedAt sql.NullTime
		nextRetryAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.TaskType, &t.ConnectionID, &t.Payload, &t.Status, &t.RetryCount,
		&lastError, &t.CreatedAt, &processedAt, &nextRetryAt)
	if err != nil {
		return nil, err
	}
	if lastError.Valid {
		s := lastError.String
		t.LastError = &s
	}
	if processedAt.Valid {
		p := processedAt.Time
		t.ProcessedAt = &p
	}
	if nextRetryAt.Valid {
		n := nextRetryAt.Time
		t.NextRetryAt = &n
	}
	return &t, nil
}

func (db *DB) CreateSyncTask(ctx context.Context, task *models.SyncTask) error {
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	query := `INSERT INTO sync_queue (task_type, connection_id, payload, status, retry_count, last_error, created_at, next_retry_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query,
		task.TaskType,
		task.ConnectionID,
		task.Payload,
		task.Status,
		task.RetryCount,
		task.LastError,
		now,
		task.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	task.ID = id
	task.CreatedAt = now

	return nil
}

func (db *DB) GetSyncTask(ctx context.Context, id int64) (*models.SyncTask, error) {
	t, err := scanSyncTask(db.QueryRowContext(ctx, `SELECT `+syncTaskColumns+` FROM sync_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync task: %w", err)
	}
	return t, nil
}

// GetPendingSyncTasks returns due tasks in FIFO order.
func (db *DB) GetPendingSyncTasks(ctx context.Context, limit int) ([]models.SyncTask, error) {
	query := `SELECT ` + syncTaskColumns + `
              FROM sync_queue
              WHERE status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY id ASC LIMIT ?`
	return db.querySyncTasks(ctx, query, models.TaskPending, models.TaskRetry, time.Now().UTC(), limit)
}

func (db *DB) GetFailedSyncTasks(ctx context.Context) ([]models.SyncTask, error) {
	query := `SELECT ` + syncTaskColumns + ` FROM sync_queue WHERE status = ? ORDER BY id DESC`
	return db.querySyncTasks(ctx, query, models.TaskFailed)
}

func (db *DB) querySyncTasks(ctx context.Context, query string, args ...any) ([]models.SyncTask, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.SyncTask
	for rows.Next() {
		t, err := scanSyncTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (db *DB) UpdateSyncTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	var query string
	var args []any
	now := time.Now().UTC()

	var lastError *string
	if errMsg != "" {
		lastError = &errMsg
	}

	switch status {
	case models.TaskRetry:
		query = `UPDATE sync_queue SET status = ?, last_error = ?, next_retry_at = ?, retry_count = retry_count + 1 WHERE id = ?`
		args = []any{status, lastError, nextRetryAt, id}
	case models.TaskCompleted, models.TaskFailed:
		query = `UPDATE sync_queue SET status = ?, last_error = ?, next_retry_at = ?, processed_at = ? WHERE id = ?`
		args = []any{status, lastError, nextRetryAt, now, id}
	default:
		query = `UPDATE sync_queue SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []any{status, lastError, nextRetryAt, id}
	}

	_, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update sync task status: %w", err)
	}
	return nil
}

// ClaimSyncTask marks a due task as processing. It reports false when the task
// is not due or another consumer got to it first.
func (db *DB) ClaimSyncTask(ctx context.Context, id int64) (bool, error) {
	query := `UPDATE sync_queue SET status = ?
			  WHERE id = ? AND status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)`
	result, err := db.ExecContext(ctx, query, models.TaskProcessing, id, models.TaskPending, models.TaskRetry, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim sync task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows == 1, nil
}

// ResetProcessingTasks hands tasks left in processing by a crashed worker back
// to the queue.
func (db *DB) ResetProcessingTasks(ctx context.Context) (int64, error) {
	result, err := db.ExecContext(ctx, `UPDATE sync_queue SET status = ? WHERE status = ?`, models.TaskPending, models.TaskProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing tasks: %w", err)
	}
	return result.RowsAffected()
}

// CountSyncTasks reports queue depth per status.
func (db *DB) CountSyncTasks(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sync tasks: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{
		models.TaskPending:    0,
		models.TaskRetry:      0,
		models.TaskProcessing: 0,
		models.TaskCompleted:  0,
		models.TaskFailed:     0,
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
