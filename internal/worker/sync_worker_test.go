package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"channelmanager/internal/config"
	"channelmanager/internal/database"
	"channelmanager/internal/domain"
	"channelmanager/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessTaskSuccess(t *testing.T) {
	db := newTestDB(t)
	handler := &fakeHandler{}
	worker := newTestWorker(db, nil, RetryPolicy{}, handler)

	ctx := context.Background()
	task := &models.SyncTask{TaskType: models.TaskRetryPush, ConnectionID: 7, Payload: `{"operation":"PUSH_INVENTORY"}`}
	if err := worker.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	id, ok := worker.tryLocalQueue()
	if !ok {
		t.Fatalf("expected task in local queue")
	}
	worker.Process(ctx, id)

	status, retryCount, nextRetry := loadTaskStatus(t, db, task.ID)
	if status != models.TaskCompleted {
		t.Fatalf("expected status=completed, got %s", status)
	}
	if retryCount != 0 {
		t.Fatalf("expected retry_count=0, got %d", retryCount)
	}
	if nextRetry.Valid {
		t.Fatalf("expected next_retry_at NULL on success")
	}
	if handler.count(models.TaskRetryPush) != 1 {
		t.Fatalf("expected one retry push call, got %d", handler.count(models.TaskRetryPush))
	}
}

func TestProcessTaskRetry(t *testing.T) {
	db := newTestDB(t)
	handler := &fakeHandler{err: errors.New("agoda: 503")}
	worker := newTestWorker(db, nil, RetryPolicy{MaxRetries: 3, InitialDelay: time.Second}, handler)

	ctx := context.Background()
	task := &models.SyncTask{TaskType: models.TaskCancelUpstream, ConnectionID: 7}
	require.NoError(t, worker.Enqueue(ctx, task))

	worker.Process(ctx, task.ID)

	status, retryCount, nextRetry := loadTaskStatus(t, db, task.ID)
	if status != models.TaskRetry {
		t.Fatalf("expected status=retry, got %s", status)
	}
	if retryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", retryCount)
	}
	if !nextRetry.Valid || nextRetry.Time.Before(time.Now()) {
		t.Fatalf("expected next_retry_at in future, got %v", nextRetry)
	}

	// Not due yet.
	worker.Process(ctx, task.ID)
	assert.Equal(t, 1, handler.count(models.TaskCancelUpstream))
}

func TestProcessTaskExhaustedGoesToDeadLetter(t *testing.T) {
	db := newTestDB(t)
	rdb, _ := newTestRedis(t)
	handler := &fakeHandler{err: errors.New("fatal")}
	worker := newTestWorker(db, rdb, RetryPolicy{MaxRetries: 1}, handler)

	ctx := context.Background()
	task := &models.SyncTask{TaskType: models.TaskCancelUpstream, ConnectionID: 9}
	require.NoError(t, worker.Enqueue(ctx, task))
	worker.Process(ctx, task.ID)

	status, _, _ := loadTaskStatus(t, db, task.ID)
	assert.Equal(t, models.TaskFailed, status)

	letters, err := rdb.LRange(ctx, DeadLetterKey, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	var dead models.SyncTask
	require.NoError(t, json.Unmarshal([]byte(letters[0]), &dead))
	assert.Equal(t, task.ID, dead.ID)
	require.NotNil(t, dead.LastError)
	assert.Equal(t, "fatal", *dead.LastError)
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	db := newTestDB(t)
	handler := &fakeHandler{err: fmt.Errorf("%w: connection 3 is not pushable", domain.ErrPermanent)}
	worker := newTestWorker(db, nil, RetryPolicy{MaxRetries: 5}, handler)

	ctx := context.Background()
	task := &models.SyncTask{TaskType: models.TaskRetryPush, ConnectionID: 3}
	require.NoError(t, worker.Enqueue(ctx, task))
	worker.Process(ctx, task.ID)

	status, retryCount, _ := loadTaskStatus(t, db, task.ID)
	assert.Equal(t, models.TaskFailed, status)
	assert.Zero(t, retryCount)
}

func TestUnknownTaskTypeFails(t *testing.T) {
	db := newTestDB(t)
	worker := newTestWorker(db, nil, RetryPolicy{MaxRetries: 5}, &fakeHandler{})

	ctx := context.Background()
	task := &models.SyncTask{TaskType: "resync_everything", ConnectionID: 3}
	require.NoError(t, worker.Enqueue(ctx, task))
	worker.Process(ctx, task.ID)

	status, _, _ := loadTaskStatus(t, db, task.ID)
	assert.Equal(t, models.TaskFailed, status)
}

func TestProcessSkipsClaimedTask(t *testing.T) {
	db := newTestDB(t)
	handler := &fakeHandler{}
	worker := newTestWorker(db, nil, RetryPolicy{}, handler)

	ctx := context.Background()
	task := &models.SyncTask{TaskType: models.TaskIngestWebhook, ConnectionID: 1}
	require.NoError(t, worker.Enqueue(ctx, task))

	claimed, err := db.ClaimSyncTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	worker.Process(ctx, task.ID)
	assert.Zero(t, handler.count(models.TaskIngestWebhook))
}

func TestEnqueueUsesRedis(t *testing.T) {
	db := newTestDB(t)
	rdb, _ := newTestRedis(t)
	worker := newTestWorker(db, rdb, RetryPolicy{}, &fakeHandler{})

	ctx := context.Background()
	task := &models.SyncTask{TaskType: models.TaskIngestWebhook, ConnectionID: 1}
	require.NoError(t, worker.Enqueue(ctx, task))

	_, local := worker.tryLocalQueue()
	assert.False(t, local)

	id, ok := worker.tryRedis(ctx)
	require.True(t, ok)
	assert.Equal(t, task.ID, id)
}

func TestEnqueueFallsBackWhenRedisDown(t *testing.T) {
	db := newTestDB(t)
	rdb, s := newTestRedis(t)
	worker := newTestWorker(db, rdb, RetryPolicy{}, &fakeHandler{})
	s.Close()

	ctx := context.Background()
	task := &models.SyncTask{TaskType: models.TaskIngestWebhook, ConnectionID: 1}
	require.NoError(t, worker.Enqueue(ctx, task))

	id, ok := worker.tryLocalQueue()
	require.True(t, ok)
	assert.Equal(t, task.ID, id)
}

func TestEnqueueValidation(t *testing.T) {
	db := newTestDB(t)
	worker := newTestWorker(db, nil, RetryPolicy{}, &fakeHandler{})
	ctx := context.Background()

	t.Run("MissingType", func(t *testing.T) {
		if err := worker.Enqueue(ctx, &models.SyncTask{ConnectionID: 1}); err == nil {
			t.Fatalf("expected error for empty task type")
		}
	})

	t.Run("MissingConnection", func(t *testing.T) {
		if err := worker.Enqueue(ctx, &models.SyncTask{TaskType: models.TaskRetryPush}); err == nil {
			t.Fatalf("expected error for missing connection id")
		}
	})
}

func TestStartConsumesRedisQueue(t *testing.T) {
	db := newTestDB(t)
	rdb, _ := newTestRedis(t)
	handler := &fakeHandler{}
	worker := newTestWorker(db, rdb, RetryPolicy{}, handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Start(ctx)
		close(done)
	}()

	task := &models.SyncTask{TaskType: models.TaskCancelUpstream, ConnectionID: 4}
	require.NoError(t, worker.Enqueue(context.Background(), task))

	assert.Eventually(t, func() bool {
		status, _, _ := loadTaskStatus(t, db, task.ID)
		return status == models.TaskCompleted
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("worker did not stop")
	}
}

func TestStartRequeuesInterruptedTasks(t *testing.T) {
	db := newTestDB(t)
	handler := &fakeHandler{}
	worker := newTestWorker(db, nil, RetryPolicy{}, handler)
	worker.SetPollInterval(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := &models.SyncTask{TaskType: models.TaskRetryPush, ConnectionID: 2}
	require.NoError(t, db.CreateSyncTask(ctx, task))
	claimed, err := db.ClaimSyncTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	go worker.Start(ctx)

	assert.Eventually(t, func() bool {
		return handler.count(models.TaskRetryPush) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		status, _, _ := loadTaskStatus(t, db, task.ID)
		return status == models.TaskCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestRunDueReportsStats(t *testing.T) {
	db := newTestDB(t)
	worker := newTestWorker(db, nil, RetryPolicy{}, &fakeHandler{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, db.CreateSyncTask(ctx, &models.SyncTask{TaskType: models.TaskIngestWebhook, ConnectionID: 1}))
	}
	assert.Equal(t, 3, worker.RunDue(ctx))

	stats, err := worker.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats[models.TaskCompleted])
	assert.Zero(t, stats[models.TaskPending])
}

func TestRetryPolicyNextDelay(t *testing.T) {
	policy := RetryPolicy{InitialDelay: time.Second, BackoffFactor: 2, MaxDelay: 5 * time.Second}
	d1 := policy.NextDelay(1)
	d2 := policy.NextDelay(2)
	d3 := policy.NextDelay(5)

	if d1 != time.Second {
		t.Fatalf("attempt1 expected 1s, got %s", d1)
	}
	if d2 != 2*time.Second {
		t.Fatalf("attempt2 expected 2s, got %s", d2)
	}
	if d3 != 5*time.Second {
		t.Fatalf("attempt5 expected capped 5s, got %s", d3)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	policy := PolicyFromConfig(config.RetryConfig{MaxRetries: 4, InitialDelay: 3 * time.Second}).withDefaults()
	assert.Equal(t, 4, policy.MaxRetries)
	assert.Equal(t, 3*time.Second, policy.InitialDelay)
	assert.Equal(t, time.Minute, policy.MaxDelay)
	assert.False(t, policy.Exhausted(3))
	assert.True(t, policy.Exhausted(4))
}

// Helpers

type fakeHandler struct {
	mu    sync.Mutex
	err   error
	calls map[string]int
}

func (f *fakeHandler) handle(taskType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[taskType]++
	return f.err
}

func (f *fakeHandler) count(taskType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[taskType]
}

func (f *fakeHandler) RetryPush(ctx context.Context, task *models.SyncTask) error {
	return f.handle(task.TaskType)
}

func (f *fakeHandler) CancelUpstream(ctx context.Context, task *models.SyncTask) error {
	return f.handle(task.TaskType)
}

func (f *fakeHandler) IngestWebhook(ctx context.Context, task *models.SyncTask) error {
	return f.handle(task.TaskType)
}

func newTestWorker(db *database.DB, rdb *redis.Client, policy RetryPolicy, h TaskHandler) *SyncWorker {
	logger := zerolog.Nop()
	w := NewSyncWorker(db, rdb, policy, &logger)
	w.SetHandler(h)
	return w
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.db")
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	db, err := database.NewDB(path, &logger)
	if err != nil {
		t.Fatalf("new db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	return rdb, s
}

func loadTaskStatus(t *testing.T, db *database.DB, id int64) (status string, retryCount int, nextRetry sql.NullTime) {
	t.Helper()
	row := db.QueryRowContext(context.Background(), `SELECT status, retry_count, next_retry_at FROM sync_queue WHERE id = ?`, id)
	if err := row.Scan(&status, &retryCount, &nextRetry); err != nil {
		t.Fatalf("scan task: %v", err)
	}
	return status, retryCount, nextRetry
}
