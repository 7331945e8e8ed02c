package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"channelmanager/internal/domain"
	"channelmanager/internal/models"
)

// ConnectionResult is the push outcome for one connection.
type ConnectionResult struct {
	ConnectionID int64             `json:"connection_id"`
	ChannelType  string            `json:"channel_type"`
	Skipped      bool              `json:"skipped,omitempty"`
	Result       models.SyncResult `json:"result"`
}

// PushReport collects the per-connection outcomes of one push.
type PushReport struct {
	HotelID   int64              `json:"hotel_id"`
	Operation string             `json:"operation"`
	Results   []ConnectionResult `json:"results"`
}

func (r *PushReport) Failed() []ConnectionResult {
	var out []ConnectionResult
	for _, c := range r.Results {
		if !c.Skipped && !c.Result.Success {
			out = append(out, c)
		}
	}
	return out
}

func (r *PushReport) Succeeded() int {
	n := 0
	for _, c := range r.Results {
		if !c.Skipped && c.Result.Success {
			n++
		}
	}
	return n
}

// PushInventory sends availability changes to every ACTIVE connection of the
// hotel that maps at least one of the affected rooms.
func (o *Orchestrator) PushInventory(ctx context.Context, hotelID int64, updates []models.InventoryUpdate) (*PushReport, error) {
	return o.push(ctx, hotelID, models.RetryPushPayload{Operation: models.OpPushInventory, Inventory: updates})
}

// PushRates sends price changes the same way PushInventory sends availability.
func (o *Orchestrator) PushRates(ctx context.Context, hotelID int64, updates []models.RateUpdate) (*PushReport, error) {
	return o.push(ctx, hotelID, models.RetryPushPayload{Operation: models.OpPushRates, Rates: updates})
}

func (o *Orchestrator) push(ctx context.Context, hotelID int64, payload models.RetryPushPayload) (*PushReport, error) {
	report, targets, err := o.plan(ctx, hotelID, payload)
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		o.submit(t.conn.ID, func() {
			defer wg.Done()
			report.Results[t.slot].Result = o.pushConnection(ctx, t.conn, t.mappings, t.payload, 1, true)
		})
	}
	wg.Wait()
	return report, nil
}

// enqueuePush queues the push on the lane of every connection it reaches and
// returns without waiting. Lane positions follow the order of the calls.
func (o *Orchestrator) enqueuePush(hotelID int64, payload models.RetryPushPayload) error {
	ctx := o.bgCtx
	if ctx.Err() != nil {
		return nil
	}
	_, targets, err := o.plan(ctx, hotelID, payload)
	if err != nil {
		return err
	}
	for _, t := range targets {
		o.submit(t.conn.ID, func() {
			if ctx.Err() != nil {
				return
			}
			o.pushConnection(ctx, t.conn, t.mappings, t.payload, 1, true)
		})
	}
	return nil
}

type pushTarget struct {
	slot     int
	conn     *models.ChannelConnection
	mappings []models.ChannelRoomMapping
	payload  models.RetryPushPayload
}

// plan resolves the ACTIVE connections of the hotel. The report holds one
// result per connection; targets are the ones mapping at least one room.
func (o *Orchestrator) plan(ctx context.Context, hotelID int64, payload models.RetryPushPayload) (*PushReport, []pushTarget, error) {
	conns, err := o.connections.ListHotelConnections(ctx, hotelID, models.ConnectionActive)
	if err != nil {
		return nil, nil, fmt.Errorf("list connections for hotel %d: %w", hotelID, err)
	}

	report := &PushReport{HotelID: hotelID, Operation: payload.Operation, Results: make([]ConnectionResult, len(conns))}
	var targets []pushTarget
	for i, conn := range conns {
		report.Results[i] = ConnectionResult{ConnectionID: conn.ID, ChannelType: conn.ChannelType}

		mappings, err := o.mappings.GetMappings(ctx, conn.ID)
		if err != nil {
			report.Results[i].Result = models.Failed(payload.Operation, models.ErrorTransient, fmt.Sprintf("load mappings: %v", err))
			continue
		}
		filtered, ok := filterPayload(payload, models.NewMappingSet(mappings))
		if !ok {
			report.Results[i].Skipped = true
			continue
		}
		targets = append(targets, pushTarget{slot: i, conn: conn, mappings: mappings, payload: filtered})
	}
	return report, targets, nil
}

// filterPayload keeps the updates for mapped rooms. ok is false when nothing
// is left for the connection.
func filterPayload(p models.RetryPushPayload, set models.MappingSet) (models.RetryPushPayload, bool) {
	out := models.RetryPushPayload{Operation: p.Operation, Seq: p.Seq}
	for _, u := range p.Inventory {
		if _, ok := set.ByLocal(u.RoomID); ok {
			out.Inventory = append(out.Inventory, u)
		}
	}
	for _, u := range p.Rates {
		if _, ok := set.ByLocal(u.RoomID); ok {
			out.Rates = append(out.Rates, u)
		}
	}
	return out, len(out.Inventory)+len(out.Rates) > 0
}

// pushConnection runs inside the connection's lane. A fresh push takes the
// next sequence number and queues a retry when it fails transiently.
func (o *Orchestrator) pushConnection(ctx context.Context, conn *models.ChannelConnection, mappings []models.ChannelRoomMapping, p models.RetryPushPayload, attempt int, fresh bool) models.SyncResult {
	if fresh {
		p.Seq = o.nextSeq()
	}

	adapter, err := o.adapterFor(conn)
	var res models.SyncResult
	if err != nil {
		res = models.Failed(p.Operation, models.ErrorConfig, err.Error())
	} else {
		res = o.call(ctx, conn, p.Operation, func(ctx context.Context) models.SyncResult {
			if p.Operation == models.OpPushRates {
				return adapter.PushRates(ctx, conn, mappings, p.Rates)
			}
			return adapter.PushInventory(ctx, conn, mappings, p.Inventory)
		})
	}

	o.record(ctx, models.LogFromResult(conn.ID, res, attempt))
	o.markDelivered(ctx, conn.ID, p, res)
	if res.Success {
		return res
	}

	o.afterFailure(ctx, conn, res)
	if fresh && res.ErrorKind.Retryable() && conn.Status == models.ConnectionActive {
		o.enqueueRetry(ctx, conn, p)
	}
	return res
}

// markDelivered remembers which values reached the channel. A failed push
// still delivered the rooms the adapter reports as affected.
func (o *Orchestrator) markDelivered(ctx context.Context, connectionID int64, p models.RetryPushPayload, res models.SyncResult) {
	if o.pushes == nil {
		return
	}
	keys := p.Keys()
	if !res.Success {
		done := make(map[string]bool, len(res.AffectedRooms))
		for _, room := range res.AffectedRooms {
			done[room] = true
		}
		delivered := keys[:0]
		for _, k := range keys {
			if done[k.RoomID] {
				delivered = append(delivered, k)
			}
		}
		keys = delivered
	}
	if err := o.pushes.MarkDelivered(context.WithoutCancel(ctx), connectionID, p.Seq, keys); err != nil {
		o.logger.Error().Err(err).Int64("connection_id", connectionID).Msg("Failed to record delivered push")
	}
}

// dropSuperseded removes the updates that a push at or after p.Seq already
// delivered, so a late retry never overwrites newer remote state.
func (o *Orchestrator) dropSuperseded(ctx context.Context, connectionID int64, p models.RetryPushPayload) (models.RetryPushPayload, error) {
	if o.pushes == nil {
		return p, nil
	}
	seqs, err := o.pushes.DeliveredSeqs(ctx, connectionID, p.Keys())
	if err != nil {
		return p, fmt.Errorf("read push state for connection %d: %w", connectionID, err)
	}
	stale := func(k models.PushKey) bool {
		seq, ok := seqs[k]
		return ok && seq >= p.Seq
	}

	out := models.RetryPushPayload{Operation: p.Operation, Seq: p.Seq}
	for _, u := range p.Inventory {
		if !stale(u.Key()) {
			out.Inventory = append(out.Inventory, u)
		}
	}
	for _, u := range p.Rates {
		if !stale(u.Key()) {
			out.Rates = append(out.Rates, u)
		}
	}
	return out, nil
}

func (o *Orchestrator) enqueueRetry(ctx context.Context, conn *models.ChannelConnection, p models.RetryPushPayload) {
	if o.tasks == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		o.logger.Error().Err(err).Msg("marshal retry payload")
		return
	}
	task := &models.SyncTask{
		TaskType:     models.TaskRetryPush,
		ConnectionID: conn.ID,
		Payload:      string(raw),
		Status:       models.TaskPending,
	}
	if err := o.tasks.Enqueue(context.WithoutCancel(ctx), task); err != nil {
		o.logger.Error().Err(err).Int64("connection_id", conn.ID).Msg("Failed to enqueue push retry")
	}
}

// RetryPush replays a queued push against its connection. A nil error means
// the task is finished, including when the connection no longer takes pushes.
func (o *Orchestrator) RetryPush(ctx context.Context, task *models.SyncTask) error {
	var p models.RetryPushPayload
	if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
		return fmt.Errorf("%w: decode retry payload: %v", domain.ErrPermanent, err)
	}

	conn, err := o.connections.GetConnection(ctx, task.ConnectionID)
	if err != nil {
		return fmt.Errorf("load connection %d: %w", task.ConnectionID, err)
	}
	if !conn.Pushable() {
		o.logger.Info().Int64("connection_id", conn.ID).Str("status", conn.Status).Msg("Dropping push retry for connection that is not active")
		return nil
	}

	mappings, err := o.mappings.GetMappings(ctx, conn.ID)
	if err != nil {
		return fmt.Errorf("load mappings for connection %d: %w", conn.ID, err)
	}
	filtered, ok := filterPayload(p, models.NewMappingSet(mappings))
	if !ok {
		return nil
	}

	var (
		res     models.SyncResult
		current models.RetryPushPayload
		laneErr error
	)
	o.onLane(conn.ID, func() {
		current, laneErr = o.dropSuperseded(ctx, conn.ID, filtered)
		if laneErr != nil || len(current.Inventory)+len(current.Rates) == 0 {
			return
		}
		res = o.pushConnection(ctx, conn, mappings, current, task.RetryCount+1, false)
	})
	if laneErr != nil {
		return laneErr
	}
	if dropped := len(filtered.Inventory) + len(filtered.Rates) - len(current.Inventory) - len(current.Rates); dropped > 0 {
		o.logger.Info().Int64("connection_id", conn.ID).Int64("task_id", task.ID).Int("dropped", dropped).
			Msg("Skipped push retry updates already superseded on the channel")
	}
	if len(current.Inventory)+len(current.Rates) == 0 {
		return nil
	}
	return resultError(res)
}

// resultError converts a failed result into an error the worker understands.
func resultError(res models.SyncResult) error {
	if res.Success {
		return nil
	}
	err := fmt.Errorf("%s failed (%s): %s", res.Operation, res.ErrorKind, res.ErrorMessage)
	if !res.ErrorKind.Retryable() {
		return errors.Join(domain.ErrPermanent, err)
	}
	return err
}
