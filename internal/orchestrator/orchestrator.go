// Package orchestrator drives every exchange between local state and the sales
// channels: inventory and rate pushes, booking pulls, webhooks and the
// connection health lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"channelmanager/internal/channel"
	"channelmanager/internal/config"
	"channelmanager/internal/database"
	"channelmanager/internal/domain"
	"channelmanager/internal/events"
	"channelmanager/internal/logging"
	"channelmanager/internal/metrics"
	"channelmanager/internal/models"
	"channelmanager/internal/reconcile"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var (
	ErrNotPullable      = errors.New("connection is not pulling bookings")
	ErrMalformedWebhook = errors.New("webhook payload carries no booking")
	ErrUnknownProperty  = errors.New("no connection for external property")
)

// lockSlack keeps the distributed lease alive a little past the adapter deadline.
const lockSlack = 5 * time.Second

// Stores groups the persistence the orchestrator reads and writes.
type Stores struct {
	Connections domain.ConnectionStore
	Mappings    domain.MappingStore
	Logs        domain.SyncLogStore
	Pushes      domain.PushStateStore
}

type Orchestrator struct {
	connections domain.ConnectionStore
	mappings    domain.MappingStore
	logs        domain.SyncLogStore
	pushes      domain.PushStateStore
	registry    *channel.Registry
	engine      *reconcile.Engine
	locker      domain.ConnectionLocker
	tasks       domain.TaskQueue
	events      domain.EventPublisher
	cfg         config.SyncConfig
	logger      *zerolog.Logger

	sem *semaphore.Weighted

	mu    sync.Mutex
	lanes map[int64]*lane
	wg    sync.WaitGroup
	seq   atomic.Int64

	// context of pushes queued by event handlers
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

func New(
	stores Stores,
	registry *channel.Registry,
	engine *reconcile.Engine,
	locker domain.ConnectionLocker,
	tasks domain.TaskQueue,
	eventBus domain.EventPublisher,
	cfg config.SyncConfig,
	logger *zerolog.Logger,
) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = 20 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = models.DefaultFailureThreshold
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		connections: stores.Connections,
		mappings:    stores.Mappings,
		logs:        stores.Logs,
		pushes:      stores.Pushes,
		registry:    registry,
		engine:      engine,
		locker:      locker,
		tasks:       tasks,
		events:      eventBus,
		cfg:         cfg,
		logger:      logging.Component(logger, "orchestrator"),
		sem:         semaphore.NewWeighted(int64(cfg.Workers)),
		lanes:       make(map[int64]*lane),
		bgCtx:       bgCtx,
		bgCancel:    bgCancel,
	}
}

// Close stops event-driven pushes and waits for queued lane jobs to finish.
func (o *Orchestrator) Close() {
	o.bgCancel()
	o.wg.Wait()
}

// Wait blocks until every queued lane job has run.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// nextSeq hands out push sequence numbers. They grow strictly within the
// process and follow wall time across restarts.
func (o *Orchestrator) nextSeq() int64 {
	for {
		last := o.seq.Load()
		next := time.Now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if o.seq.CompareAndSwap(last, next) {
			return next
		}
	}
}

// lane is the FIFO of jobs for one connection.
type lane struct {
	queue   []func()
	running bool
}

func (o *Orchestrator) submit(connectionID int64, job func()) {
	o.mu.Lock()
	l, ok := o.lanes[connectionID]
	if !ok {
		l = &lane{}
		o.lanes[connectionID] = l
	}
	l.queue = append(l.queue, job)
	start := !l.running
	l.running = true
	o.mu.Unlock()

	if start {
		o.wg.Add(1)
		go o.drain(connectionID, l)
	}
}

func (o *Orchestrator) drain(connectionID int64, l *lane) {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			delete(o.lanes, connectionID)
			o.mu.Unlock()
			return
		}
		job := l.queue[0]
		l.queue = l.queue[1:]
		o.mu.Unlock()

		job()
	}
}

// onLane runs job in the connection's lane and waits for it.
func (o *Orchestrator) onLane(connectionID int64, job func()) {
	done := make(chan struct{})
	o.submit(connectionID, func() {
		defer close(done)
		job()
	})
	<-done
}

// call runs one adapter operation under the worker limit, the connection lock
// and the adapter deadline. Panics and hung adapters come back as failures.
func (o *Orchestrator) call(ctx context.Context, conn *models.ChannelConnection, op string, fn func(ctx context.Context) models.SyncResult) (res models.SyncResult) {
	start := time.Now()
	defer func() {
		if res.Operation == "" {
			res.Operation = op
		}
		metrics.ObserveSync(conn.ChannelType, op, res.Success, time.Since(start))
	}()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return models.Failed(op, models.ErrorTimeout, fmt.Sprintf("no worker available: %v", err))
	}
	defer o.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.AdapterTimeout)
	defer cancel()

	if o.locker != nil {
		lease, err := o.locker.Acquire(callCtx, conn.ID, o.cfg.AdapterTimeout+lockSlack)
		if err != nil {
			return models.Failed(op, models.ErrorContention, err.Error())
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			if err := o.locker.Release(releaseCtx, lease); err != nil {
				o.logger.Warn().Err(err).Int64("connection_id", conn.ID).Msg("Failed to release connection lock")
			}
		}()
	}

	resCh := make(chan models.SyncResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error().Interface("panic", r).Int64("connection_id", conn.ID).Str("operation", op).Msg("Adapter panicked")
				resCh <- models.Failed(op, models.ErrorConfig, fmt.Sprintf("adapter panic: %v", r))
			}
		}()
		resCh <- fn(callCtx)
	}()

	select {
	case res = <-resCh:
		if !res.Success && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			res.ErrorKind = models.ErrorTimeout
		}
		return res
	case <-callCtx.Done():
		return models.Failed(op, models.ErrorTimeout, fmt.Sprintf("%s did not answer within %s", conn.ChannelType, o.cfg.AdapterTimeout))
	}
}

// record appends a sync log row. It survives cancellation of ctx.
func (o *Orchestrator) record(ctx context.Context, l *models.SyncLog) {
	if l.Attempt == 0 {
		l.Attempt = 1
	}
	if err := o.logs.AppendSyncLog(context.WithoutCancel(ctx), l); err != nil {
		o.logger.Error().Err(err).Int64("connection_id", l.ConnectionID).Str("operation", l.Operation).Msg("Failed to append sync log")
	}
}

// afterFailure applies the health rules to a failed remote operation.
func (o *Orchestrator) afterFailure(ctx context.Context, conn *models.ChannelConnection, res models.SyncResult) {
	log := logging.ForConnection(o.logger, conn)
	if res.ErrorKind == models.ErrorContention {
		log.Info().Str("operation", res.Operation).Str("error", res.ErrorMessage).Msg("Connection busy on another worker")
		return
	}
	log.Warn().
		Str("operation", res.Operation).
		Str("error_kind", string(res.ErrorKind)).
		Str("error", res.ErrorMessage).
		Msg("Channel operation failed")

	if res.ErrorKind == models.ErrorCredential {
		vr, err := o.validate(ctx, conn, 0)
		if err == nil && !vr.Valid {
			return
		}
	}
	if !res.ErrorKind.CountsTowardHealth() || conn.Status != models.ConnectionActive {
		return
	}

	n, err := o.logs.ConsecutiveFailures(context.WithoutCancel(ctx), conn.ID, o.cfg.FailureThreshold*10)
	if err != nil {
		log.Error().Err(err).Msg("Failed to count consecutive failures")
		return
	}
	if n >= o.cfg.FailureThreshold {
		reason := fmt.Sprintf("%d consecutive failures, last: %s", n, res.ErrorMessage)
		o.transition(ctx, conn, models.ConnectionDegraded, reason)
	}
}

// transition moves conn to status to. A concurrent move wins silently.
func (o *Orchestrator) transition(ctx context.Context, conn *models.ChannelConnection, to, reason string) bool {
	from := conn.Status
	if from == to {
		return false
	}
	err := o.connections.UpdateConnectionStatus(context.WithoutCancel(ctx), conn.ID, from, to, reason)
	if err != nil {
		if !errors.Is(err, database.ErrStatusConflict) {
			logging.ForConnection(o.logger, conn).Error().Err(err).Str("to", to).Msg("Failed to change connection status")
		}
		if fresh, gerr := o.connections.GetConnection(context.WithoutCancel(ctx), conn.ID); gerr == nil {
			*conn = *fresh
		}
		return false
	}

	conn.Status = to
	conn.StatusReason = reason
	metrics.ObserveTransition(conn.ChannelType, to)
	logging.ForConnection(o.logger, conn).Info().Str("from", from).Str("to", to).Str("reason", reason).Msg("Connection status changed")

	if o.events != nil {
		payload := events.ConnectionStatusPayload{
			ConnectionID: conn.ID,
			HotelID:      conn.HotelID,
			ChannelType:  conn.ChannelType,
			From:         from,
			To:           to,
			Reason:       reason,
		}
		if err := o.events.PublishJSON(events.EventConnectionStatus, payload); err != nil {
			o.logger.Error().Err(err).Msg("publish event error")
		}
	}
	return true
}

func (o *Orchestrator) adapterFor(conn *models.ChannelConnection) (channel.Adapter, error) {
	return o.registry.Get(conn.ChannelType)
}
