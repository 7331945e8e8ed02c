package database

import (
	"context"
	"testing"
	"time"

	"channelmanager/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncQueueCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	task := &models.SyncTask{
		TaskType:     models.TaskRetryPush,
		ConnectionID: 100,
		Payload:      `{"operation":"PUSH_INVENTORY"}`,
	}

	require.NoError(t, db.CreateSyncTask(ctx, task))
	assert.Equal(t, models.TaskPending, task.Status)

	got, err := db.GetSyncTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.ConnectionID)
	assert.Nil(t, got.LastError)

	_, err = db.GetSyncTask(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	tasks, err := db.GetPendingSyncTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.NoError(t, db.UpdateSyncTaskStatus(ctx, tasks[0].ID, models.TaskCompleted, "", nil))
	tasks, err = db.GetPendingSyncTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	errMsg := "upstream down"
	require.NoError(t, db.CreateSyncTask(ctx, &models.SyncTask{TaskType: models.TaskCancelUpstream, ConnectionID: 101, Status: models.TaskFailed, LastError: &errMsg}))
	failed, err := db.GetFailedSyncTasks(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "upstream down", *failed[0].LastError)

	task2 := &models.SyncTask{TaskType: models.TaskIngestWebhook, ConnectionID: 102}
	require.NoError(t, db.CreateSyncTask(ctx, task2))

	nextRetry := time.Now().Add(time.Hour)
	require.NoError(t, db.UpdateSyncTaskStatus(ctx, task2.ID, models.TaskRetry, "temporary error", &nextRetry))

	tasks, err = db.GetPendingSyncTasks(ctx, 10)
	require.NoError(t, err)
	for _, pending := range tasks {
		assert.NotEqual(t, task2.ID, pending.ID, "task with future retry should not be pending")
	}

	pastRetry := time.Now().Add(-time.Hour)
	require.NoError(t, db.UpdateSyncTaskStatus(ctx, task2.ID, models.TaskRetry, "temporary error", &pastRetry))
	tasks, err = db.GetPendingSyncTasks(ctx, 10)
	require.NoError(t, err)
	found := false
	for _, pending := range tasks {
		if pending.ID == task2.ID {
			found = true
			assert.Equal(t, 2, pending.RetryCount)
		}
	}
	assert.True(t, found)

	counts, err := db.CountSyncTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.TaskCompleted])
	assert.Equal(t, 1, counts[models.TaskFailed])
	assert.Equal(t, 1, counts[models.TaskRetry])
	assert.Equal(t, 0, counts[models.TaskPending])
}
