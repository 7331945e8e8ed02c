package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"channelmanager/internal/domain"
	"channelmanager/internal/logging"
	"channelmanager/internal/metrics"
	"channelmanager/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	QueueKey      = "cm:tasks:queue"
	DeadLetterKey = "cm:tasks:deadletter"
)

// TaskHandler executes deferred channel work. The orchestrator implements it.
type TaskHandler interface {
	RetryPush(ctx context.Context, task *models.SyncTask) error
	CancelUpstream(ctx context.Context, task *models.SyncTask) error
	IngestWebhook(ctx context.Context, task *models.SyncTask) error
}

// SyncWorker consumes sync_queue tasks. Tasks are always persisted first; the
// redis list and the local channel only carry ids so a lost notification
// delays a task until the next poll instead of dropping it.
type SyncWorker struct {
	store        domain.SyncTaskStore
	redis        *redis.Client
	retryPolicy  RetryPolicy
	queue        chan int64
	pollInterval time.Duration
	batchSize    int
	logger       *zerolog.Logger

	mu      sync.RWMutex
	handler TaskHandler
}

func NewSyncWorker(store domain.SyncTaskStore, redisClient *redis.Client, retry RetryPolicy, logger *zerolog.Logger) *SyncWorker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &SyncWorker{
		store:        store,
		redis:        redisClient,
		retryPolicy:  retry.withDefaults(),
		queue:        make(chan int64, 128),
		pollInterval: 2 * time.Second,
		batchSize:    20,
		logger:       logging.Component(logger, "sync_worker"),
	}
}

// SetHandler wires the task executor. The orchestrator needs the worker as its
// queue, so the two are linked after construction.
func (w *SyncWorker) SetHandler(h TaskHandler) {
	w.mu.Lock()
	w.handler = h
	w.mu.Unlock()
}

// SetPollInterval overrides how often the store is polled for due tasks.
func (w *SyncWorker) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval = d
	}
}

// Enqueue persists the task and signals consumers through redis, falling back
// to the in-process channel.
func (w *SyncWorker) Enqueue(ctx context.Context, task *models.SyncTask) error {
	if task.TaskType == "" {
		return errors.New("task type is required")
	}
	if task.ConnectionID == 0 {
		return errors.New("connection id is required")
	}
	task.Status = models.TaskPending
	if err := w.store.CreateSyncTask(ctx, task); err != nil {
		return fmt.Errorf("persist sync task: %w", err)
	}

	if w.redis != nil {
		err := w.redis.LPush(ctx, QueueKey, strconv.FormatInt(task.ID, 10)).Err()
		if err == nil {
			return nil
		}
		w.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("Redis push failed, using local queue")
	}

	select {
	case w.queue <- task.ID:
	default:
		w.logger.Warn().Int64("task_id", task.ID).Msg("Local queue full, task left to polling")
	}
	return nil
}

// Start runs the consume loop until ctx is done.
func (w *SyncWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("Sync worker started")
	defer w.logger.Info().Msg("Sync worker stopped")

	if n, err := w.store.ResetProcessingTasks(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Failed to reset interrupted tasks")
	} else if n > 0 {
		w.logger.Warn().Int64("count", n).Msg("Requeued interrupted tasks")
	}

	for ctx.Err() == nil {
		if id, ok := w.tryLocalQueue(); ok {
			w.Process(ctx, id)
			continue
		}
		if id, ok := w.tryRedis(ctx); ok {
			w.Process(ctx, id)
			continue
		}
		if w.RunDue(ctx) == 0 {
			select {
			case <-ctx.Done():
			case id := <-w.queue:
				w.Process(ctx, id)
			case <-time.After(w.pollInterval):
			}
		}
	}
}

// RunDue processes every task that is due now and returns how many ran.
func (w *SyncWorker) RunDue(ctx context.Context) int {
	tasks, err := w.store.GetPendingSyncTasks(ctx, w.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("Failed to fetch pending tasks")
		}
		return 0
	}
	for i := range tasks {
		w.Process(ctx, tasks[i].ID)
	}
	w.reportDepth(ctx)
	return len(tasks)
}

func (w *SyncWorker) tryLocalQueue() (int64, bool) {
	select {
	case id := <-w.queue:
		return id, true
	default:
		return 0, false
	}
}

func (w *SyncWorker) tryRedis(ctx context.Context) (int64, bool) {
	if w.redis == nil {
		return 0, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, QueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return 0, false
		}
		w.logger.Error().Err(err).Msg("Redis BRPOP failed")
		return 0, false
	}
	if len(res) != 2 {
		return 0, false
	}
	id, err := strconv.ParseInt(res[1], 10, 64)
	if err != nil {
		w.logger.Error().Err(err).Str("value", res[1]).Msg("Discarding malformed queue entry")
		return 0, false
	}
	return id, true
}

// Process claims and executes one task. A task that is not due or already
// claimed by another consumer is skipped.
func (w *SyncWorker) Process(ctx context.Context, id int64) {
	claimed, err := w.store.ClaimSyncTask(ctx, id)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", id).Msg("Failed to claim task")
		return
	}
	if !claimed {
		return
	}
	task, err := w.store.GetSyncTask(ctx, id)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", id).Msg("Failed to load claimed task")
		return
	}

	log := w.logger.With().
		Int64("task_id", task.ID).
		Str("task_type", task.TaskType).
		Int64("connection_id", task.ConnectionID).
		Int("attempt", task.RetryCount+1).
		Logger()

	err = w.dispatch(ctx, task)
	// Status writes must land even when shutdown cancels ctx mid-task.
	wctx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if err := w.store.UpdateSyncTaskStatus(wctx, task.ID, models.TaskCompleted, "", nil); err != nil {
			log.Error().Err(err).Msg("Failed to mark task completed")
		}
		log.Debug().Msg("Task completed")
	case errors.Is(err, domain.ErrPermanent):
		log.Error().Err(err).Msg("Task failed permanently")
		w.fail(wctx, task, err)
	default:
		w.retryOrFail(wctx, task, err, &log)
	}
}

func (w *SyncWorker) dispatch(ctx context.Context, task *models.SyncTask) error {
	w.mu.RLock()
	h := w.handler
	w.mu.RUnlock()
	if h == nil {
		return errors.New("no task handler configured")
	}

	switch task.TaskType {
	case models.TaskRetryPush:
		return h.RetryPush(ctx, task)
	case models.TaskCancelUpstream:
		return h.CancelUpstream(ctx, task)
	case models.TaskIngestWebhook:
		return h.IngestWebhook(ctx, task)
	default:
		return fmt.Errorf("%w: unknown task type %q", domain.ErrPermanent, task.TaskType)
	}
}

func (w *SyncWorker) retryOrFail(ctx context.Context, task *models.SyncTask, cause error, log *zerolog.Logger) {
	attempt := task.RetryCount + 1
	if w.retryPolicy.Exhausted(attempt) {
		log.Error().Err(cause).Msg("Task retries exhausted")
		w.fail(ctx, task, cause)
		return
	}

	next := time.Now().UTC().Add(w.retryPolicy.NextDelay(attempt))
	if err := w.store.UpdateSyncTaskStatus(ctx, task.ID, models.TaskRetry, cause.Error(), &next); err != nil {
		log.Error().Err(err).Msg("Failed to schedule task retry")
		return
	}
	log.Warn().Err(cause).Time("next_retry_at", next).Msg("Task scheduled for retry")
}

func (w *SyncWorker) fail(ctx context.Context, task *models.SyncTask, cause error) {
	if err := w.store.UpdateSyncTaskStatus(ctx, task.ID, models.TaskFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to mark task failed")
	}
	msg := cause.Error()
	task.Status = models.TaskFailed
	task.LastError = &msg
	w.pushDeadLetter(ctx, task)
}

func (w *SyncWorker) pushDeadLetter(ctx context.Context, task *models.SyncTask) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to encode dead letter")
		return
	}
	if err := w.redis.LPush(ctx, DeadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to push dead letter")
	}
}

func (w *SyncWorker) reportDepth(ctx context.Context) {
	counts, err := w.store.CountSyncTasks(ctx)
	if err != nil {
		return
	}
	for status, n := range counts {
		metrics.SetQueueDepth(status, n)
	}
}

// Stats returns task counts per status.
func (w *SyncWorker) Stats(ctx context.Context) (map[string]int, error) {
	return w.store.CountSyncTasks(ctx)
}
