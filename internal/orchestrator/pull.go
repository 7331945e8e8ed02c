package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"channelmanager/internal/channel"
	"channelmanager/internal/database"
	"channelmanager/internal/domain"
	"channelmanager/internal/logging"
	"channelmanager/internal/metrics"
	"channelmanager/internal/models"
	"channelmanager/internal/reconcile"

	"golang.org/x/sync/errgroup"
)

// PullReport summarizes one booking pull.
type PullReport struct {
	ConnectionID int64             `json:"connection_id"`
	Since        time.Time         `json:"since"`
	Fetched      int               `json:"fetched"`
	Outcomes     map[string]int    `json:"outcomes"`
	Result       models.SyncResult `json:"result"`
}

// PullBookings fetches bookings created or changed on the channel since the
// connection's watermark and reconciles each of them.
func (o *Orchestrator) PullBookings(ctx context.Context, connectionID int64) (*PullReport, error) {
	conn, err := o.connections.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.Pullable() {
		return nil, fmt.Errorf("%w: connection %d is %s", ErrNotPullable, conn.ID, conn.Status)
	}
	adapter, err := o.adapterFor(conn)
	if err != nil {
		return nil, err
	}

	var (
		report *PullReport
		pErr   error
	)
	o.onLane(conn.ID, func() {
		report, pErr = o.pull(ctx, conn, adapter)
	})
	return report, pErr
}

func (o *Orchestrator) pullWindowStart(conn *models.ChannelConnection, now time.Time) time.Time {
	if conn.LastSyncAt != nil {
		return conn.LastSyncAt.Add(-o.cfg.PullOverlap)
	}
	lookback := o.cfg.PullLookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return now.Add(-lookback)
}

func (o *Orchestrator) pull(ctx context.Context, conn *models.ChannelConnection, adapter channel.Adapter) (*PullReport, error) {
	start := time.Now().UTC()
	since := o.pullWindowStart(conn, start)
	report := &PullReport{ConnectionID: conn.ID, Since: since, Outcomes: map[string]int{}}

	var (
		mu      sync.Mutex
		fetched []models.ExternalBooking
	)
	res := o.call(ctx, conn, models.OpPullBookings, func(ctx context.Context) models.SyncResult {
		bookings, err := adapter.PullBookings(ctx, conn, since)
		if err != nil {
			return channel.Failure(models.OpPullBookings, err, nil, "")
		}
		mu.Lock()
		fetched = bookings
		mu.Unlock()
		return models.SyncResult{Success: true, Operation: models.OpPullBookings}
	})

	if !res.Success {
		report.Result = res
		o.record(ctx, models.LogFromResult(conn.ID, res, 1))
		o.afterFailure(ctx, conn, res)
		return report, nil
	}

	mu.Lock()
	batch := dedupe(fetched)
	mu.Unlock()
	report.Fetched = len(batch)

	var affected []string
	for i := range batch {
		r, err := o.ingest(ctx, conn, &batch[i], models.OpPullBookings)
		if err != nil {
			res = models.Failed(models.OpPullBookings, models.ErrorTransient, err.Error())
			res.AffectedRooms = affected
			report.Result = res
			o.record(ctx, models.LogFromResult(conn.ID, res, 1))
			return report, err
		}
		report.Outcomes[r.Outcome]++
		if r.Booking != nil {
			affected = append(affected, r.Booking.LocalRoomID)
		}
	}

	res.AffectedRooms = uniqueSorted(affected)
	report.Result = res
	o.record(ctx, models.LogFromResult(conn.ID, res, 1))
	if err := o.connections.TouchLastSync(context.WithoutCancel(ctx), conn.ID, start); err != nil {
		return report, err
	}
	conn.LastSyncAt = &start
	return report, nil
}

// dedupe keeps the last delivery per external booking id, in first-seen order.
func dedupe(batch []models.ExternalBooking) []models.ExternalBooking {
	index := make(map[string]int, len(batch))
	out := make([]models.ExternalBooking, 0, len(batch))
	for _, b := range batch {
		if i, ok := index[b.ExternalBookingID]; ok {
			out[i] = b
			continue
		}
		index[b.ExternalBookingID] = len(out)
		out = append(out, b)
	}
	return out
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// PullAll pulls every ACTIVE and DEGRADED connection.
func (o *Orchestrator) PullAll(ctx context.Context) error {
	conns, err := o.connections.ListConnectionsByStatus(ctx, models.ConnectionActive, models.ConnectionDegraded)
	if err != nil {
		return fmt.Errorf("list pullable connections: %w", err)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for _, conn := range conns {
		g.Go(func() error {
			if _, err := o.PullBookings(gctx, conn.ID); err != nil && !errors.Is(err, ErrNotPullable) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("connection %d: %w", conn.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ingest resolves the local room and reconciles one booking, logging the
// outcome against the connection.
func (o *Orchestrator) ingest(ctx context.Context, conn *models.ChannelConnection, eb *models.ExternalBooking, op string) (reconcile.Result, error) {
	log := logging.ForConnection(o.logger, conn)
	entry := &models.SyncLog{
		ConnectionID:      conn.ID,
		Operation:         op,
		ExternalBookingID: eb.ExternalBookingID,
		RawResponse:       string(eb.RawPayload),
	}

	mapping, err := o.mappings.GetMappingByExternal(ctx, conn.ID, eb.ExternalRoomTypeID)
	if errors.Is(err, database.ErrNotFound) {
		entry.ErrorKind = models.ErrorConfig
		entry.ErrorMessage = fmt.Sprintf("no mapping for external room type %q", eb.ExternalRoomTypeID)
		entry.Outcome = models.OutcomeDiscarded
		o.record(ctx, entry)
		metrics.ObserveOutcome(conn.ChannelType, models.OutcomeDiscarded)
		log.Warn().Str("external_booking_id", eb.ExternalBookingID).Str("external_room_type_id", eb.ExternalRoomTypeID).Msg("Discarding booking for unmapped room type")
		return reconcile.Result{Outcome: models.OutcomeDiscarded, Reason: entry.ErrorMessage}, nil
	}
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("resolve mapping: %w", err)
	}

	res, err := o.engine.Ingest(ctx, conn, mapping.LocalRoomID, eb)
	if err != nil {
		entry.ErrorKind = models.ErrorTransient
		entry.ErrorMessage = err.Error()
		entry.AffectedRooms = []string{mapping.LocalRoomID}
		o.record(ctx, entry)
		return res, err
	}

	entry.Outcome = res.Outcome
	entry.AffectedRooms = []string{mapping.LocalRoomID}
	switch res.Outcome {
	case models.OutcomeConflicted:
		entry.ErrorKind = models.ErrorConflict
		entry.ErrorMessage = res.Reason
	default:
		entry.Success = true
		entry.ErrorMessage = res.Reason
	}
	o.record(ctx, entry)
	metrics.ObserveOutcome(conn.ChannelType, res.Outcome)
	log.Info().
		Str("operation", op).
		Str("external_booking_id", eb.ExternalBookingID).
		Str("local_room_id", mapping.LocalRoomID).
		Str("outcome", res.Outcome).
		Msg("Booking reconciled")
	return res, nil
}

// WebhookAck is what the webhook endpoint answers.
type WebhookAck struct {
	Accepted bool   `json:"accepted"`
	TaskID   int64  `json:"task_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// AcceptWebhook durably queues a webhook for ingestion. Payloads that carry no
// booking or name an unknown property are logged and dropped without error so
// the channel does not redeliver them.
func (o *Orchestrator) AcceptWebhook(ctx context.Context, channelType string, payload []byte) (WebhookAck, error) {
	adapter, err := o.registry.Get(channelType)
	if err != nil {
		return WebhookAck{}, err
	}
	eb := adapter.ParseWebhook(payload)
	if eb == nil {
		o.logger.Warn().Str("channel", channelType).Int("bytes", len(payload)).Msg("Discarding malformed webhook")
		metrics.ObserveOutcome(channelType, models.OutcomeDiscarded)
		return WebhookAck{Reason: "malformed payload"}, nil
	}
	conn, err := o.connections.FindConnectionByProperty(ctx, channelType, eb.ExternalPropertyID)
	if errors.Is(err, database.ErrNotFound) {
		o.logger.Warn().Str("channel", channelType).Str("external_property_id", eb.ExternalPropertyID).Msg("Discarding webhook for unknown property")
		metrics.ObserveOutcome(channelType, models.OutcomeDiscarded)
		return WebhookAck{Reason: "unknown property"}, nil
	}
	if err != nil {
		return WebhookAck{}, err
	}

	raw, err := json.Marshal(models.WebhookPayload{ChannelType: channelType, Body: payload, ReceivedAt: time.Now().UTC()})
	if err != nil {
		return WebhookAck{}, err
	}
	task := &models.SyncTask{
		TaskType:     models.TaskIngestWebhook,
		ConnectionID: conn.ID,
		Payload:      string(raw),
		Status:       models.TaskPending,
	}
	if err := o.tasks.Enqueue(ctx, task); err != nil {
		return WebhookAck{}, fmt.Errorf("queue webhook: %w", err)
	}
	return WebhookAck{Accepted: true, TaskID: task.ID}, nil
}

// HandleWebhook parses and ingests a webhook right away.
func (o *Orchestrator) HandleWebhook(ctx context.Context, channelType string, payload []byte) (reconcile.Result, error) {
	adapter, err := o.registry.Get(channelType)
	if err != nil {
		return reconcile.Result{}, err
	}
	eb := adapter.ParseWebhook(payload)
	if eb == nil {
		return reconcile.Result{}, ErrMalformedWebhook
	}
	conn, err := o.connections.FindConnectionByProperty(ctx, channelType, eb.ExternalPropertyID)
	if errors.Is(err, database.ErrNotFound) {
		return reconcile.Result{}, fmt.Errorf("%w: %s %s", ErrUnknownProperty, channelType, eb.ExternalPropertyID)
	}
	if err != nil {
		return reconcile.Result{}, err
	}
	return o.ingest(ctx, conn, eb, models.OpWebhook)
}

// IngestWebhook processes a queued webhook task.
func (o *Orchestrator) IngestWebhook(ctx context.Context, task *models.SyncTask) error {
	var p models.WebhookPayload
	if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
		return fmt.Errorf("%w: decode webhook task: %v", domain.ErrPermanent, err)
	}
	_, err := o.HandleWebhook(ctx, p.ChannelType, p.Body)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrMalformedWebhook), errors.Is(err, ErrUnknownProperty), errors.Is(err, channel.ErrUnknownChannel):
		return errors.Join(domain.ErrPermanent, err)
	default:
		return err
	}
}

// CancelUpstream asks the channel to cancel a booking that lost a conflict.
func (o *Orchestrator) CancelUpstream(ctx context.Context, task *models.SyncTask) error {
	var p models.CancelUpstreamPayload
	if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
		return fmt.Errorf("%w: decode cancel task: %v", domain.ErrPermanent, err)
	}
	conn, err := o.connections.GetConnection(ctx, task.ConnectionID)
	if err != nil {
		return fmt.Errorf("load connection %d: %w", task.ConnectionID, err)
	}
	adapter, err := o.adapterFor(conn)
	if err != nil {
		return errors.Join(domain.ErrPermanent, err)
	}

	var res models.SyncResult
	o.onLane(conn.ID, func() {
		res = o.call(ctx, conn, models.OpCancelUpstream, func(ctx context.Context) models.SyncResult {
			return adapter.CancelBooking(ctx, conn, p.ExternalBookingID)
		})
		entry := models.LogFromResult(conn.ID, res, task.RetryCount+1)
		entry.ExternalBookingID = p.ExternalBookingID
		o.record(ctx, entry)
	})
	if !res.Success {
		logging.ForConnection(o.logger, conn).Warn().
			Str("external_booking_id", p.ExternalBookingID).
			Int("attempt", task.RetryCount+1).
			Str("error", res.ErrorMessage).
			Msg("Upstream cancellation failed")
	}
	return resultError(res)
}
