package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"channelmanager/internal/logging"
	"channelmanager/internal/models"
	"channelmanager/internal/orchestrator"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Puller is the part of the orchestrator the scheduler drives.
type Puller interface {
	PullBookings(ctx context.Context, connectionID int64) (*orchestrator.PullReport, error)
	RevalidateDegraded(ctx context.Context) error
}

// ConnectionLister lists connections by status.
type ConnectionLister interface {
	ListConnectionsByStatus(ctx context.Context, statuses ...string) ([]*models.ChannelConnection, error)
}

// Backup is a periodic maintenance job with its own cron expression.
type Backup interface {
	Enabled() bool
	Schedule() string
	Run(ctx context.Context)
}

// ScheduleConfig holds the scheduler intervals.
type ScheduleConfig struct {
	PullInterval    time.Duration
	RevalidateEvery time.Duration
	RefreshEvery    time.Duration
}

// PullScheduler keeps one cron entry per pullable connection, plus the
// degraded revalidation and backup jobs.
type PullScheduler struct {
	cron        *cron.Cron
	puller      Puller
	connections ConnectionLister
	backup      Backup
	cfg         ScheduleConfig
	logger      *zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[int64]cron.EntryID
}

func NewPullScheduler(puller Puller, connections ConnectionLister, backup Backup, cfg ScheduleConfig, logger *zerolog.Logger) *PullScheduler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = 5 * time.Minute
	}
	if cfg.RevalidateEvery <= 0 {
		cfg.RevalidateEvery = 15 * time.Minute
	}
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = time.Minute
	}
	log := logging.Component(logger, "scheduler")
	cl := cronLogger{log}
	return &PullScheduler{
		cron:        cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		puller:      puller,
		connections: connections,
		backup:      backup,
		cfg:         cfg,
		logger:      log,
		ctx:         context.Background(),
		entries:     make(map[int64]cron.EntryID),
	}
}

// Start registers the fixed jobs, loads the connection entries and starts the
// cron loop. Jobs run with ctx.
func (s *PullScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(every(s.cfg.RefreshEvery), func() {
		if err := s.Refresh(s.context()); err != nil {
			s.logger.Error().Err(err).Msg("Failed to refresh pull schedule")
		}
	}); err != nil {
		return fmt.Errorf("schedule refresh job: %w", err)
	}

	revalidate := cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.logger})).Then(cron.FuncJob(func() {
		if err := s.puller.RevalidateDegraded(s.context()); err != nil {
			s.logger.Error().Err(err).Msg("Degraded revalidation failed")
		}
	}))
	if _, err := s.cron.AddJob(every(s.cfg.RevalidateEvery), revalidate); err != nil {
		return fmt.Errorf("schedule revalidation job: %w", err)
	}

	if s.backup != nil && s.backup.Enabled() {
		if _, err := s.cron.AddFunc(s.backup.Schedule(), func() { s.backup.Run(s.context()) }); err != nil {
			return fmt.Errorf("schedule backup job %q: %w", s.backup.Schedule(), err)
		}
	}

	if err := s.Refresh(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info().Dur("pull_interval", s.cfg.PullInterval).Msg("Pull scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *PullScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Pull scheduler stopped")
}

// Refresh adds entries for newly pullable connections and drops entries for
// connections that are no longer pullable.
func (s *PullScheduler) Refresh(ctx context.Context) error {
	conns, err := s.connections.ListConnectionsByStatus(ctx, models.ConnectionActive, models.ConnectionDegraded)
	if err != nil {
		return fmt.Errorf("list pullable connections: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[int64]bool, len(conns))
	for _, conn := range conns {
		live[conn.ID] = true
		if _, ok := s.entries[conn.ID]; ok {
			continue
		}
		id, err := s.cron.AddJob(every(s.cfg.PullInterval), s.pullJob(conn.ID))
		if err != nil {
			return fmt.Errorf("schedule pull for connection %d: %w", conn.ID, err)
		}
		s.entries[conn.ID] = id
		s.logger.Debug().Int64("connection_id", conn.ID).Msg("Scheduled booking pull")
	}
	for connID, entryID := range s.entries {
		if !live[connID] {
			s.cron.Remove(entryID)
			delete(s.entries, connID)
			s.logger.Debug().Int64("connection_id", connID).Msg("Unscheduled booking pull")
		}
	}
	return nil
}

// Scheduled returns the connection ids that currently have a pull entry.
func (s *PullScheduler) Scheduled() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

func (s *PullScheduler) pullJob(connectionID int64) cron.Job {
	job := cron.FuncJob(func() {
		report, err := s.puller.PullBookings(s.context(), connectionID)
		log := s.logger.With().Int64("connection_id", connectionID).Logger()
		switch {
		case errors.Is(err, orchestrator.ErrNotPullable):
			log.Debug().Err(err).Msg("Skipping pull")
		case err != nil:
			log.Error().Err(err).Msg("Scheduled pull failed")
		default:
			log.Debug().Int("fetched", report.Fetched).Msg("Scheduled pull finished")
		}
	})
	return cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.logger})).Then(job)
}

// runEntry runs the pull job of one connection synchronously.
func (s *PullScheduler) runEntry(connectionID int64) bool {
	s.mu.Lock()
	entryID, ok := s.entries[connectionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.cron.Entry(entryID).WrappedJob.Run()
	return true
}

func (s *PullScheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger *zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
