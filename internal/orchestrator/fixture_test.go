package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"channelmanager/internal/channel"
	"channelmanager/internal/channel/agoda"
	"channelmanager/internal/channel/agoda/agodatest"
	"channelmanager/internal/config"
	"channelmanager/internal/database"
	"channelmanager/internal/events"
	"channelmanager/internal/models"
	"channelmanager/internal/reconcile"
	"channelmanager/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a scriptable channel used for failure and ordering tests.
type fakeAdapter struct {
	channelType string

	mu        sync.Mutex
	result    models.SyncResult
	failures  []models.SyncResult
	hang      bool
	panics    bool
	valid     bool
	bookings  []models.ExternalBooking
	calls     []string
	inventory [][]models.InventoryUpdate

	active    atomic.Int32
	maxActive atomic.Int32
	delay     time.Duration
}

func newFakeAdapter(channelType string) *fakeAdapter {
	return &fakeAdapter{channelType: channelType, result: models.SyncResult{Success: true}, valid: true}
}

func (f *fakeAdapter) Type() string { return f.channelType }

func (f *fakeAdapter) setResult(res models.SyncResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = res
}

func (f *fakeAdapter) setValid(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid = v
}

// failNext makes the next call answer res before the scripted result applies again.
func (f *fakeAdapter) failNext(res models.SyncResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, res)
}

// delivered returns the inventory updates of every successful push, in call order.
func (f *fakeAdapter) delivered() [][]models.InventoryUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]models.InventoryUpdate(nil), f.inventory...)
}

func (f *fakeAdapter) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAdapter) enter(op string) (models.SyncResult, bool, bool, time.Duration) {
	n := f.active.Add(1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if len(f.failures) > 0 {
		res := f.failures[0]
		f.failures = f.failures[1:]
		return res, f.hang, f.panics, f.delay
	}
	return f.result, f.hang, f.panics, f.delay
}

func (f *fakeAdapter) run(ctx context.Context, op string) models.SyncResult {
	res, hang, panics, delay := f.enter(op)
	defer f.active.Add(-1)
	if panics {
		panic("adapter bug")
	}
	if hang {
		time.Sleep(time.Second)
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	res.Operation = op
	return res
}

func (f *fakeAdapter) ValidateCredentials(_ context.Context, _ json.RawMessage) (channel.ValidationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.valid {
		return channel.ValidationResult{Valid: true}, nil
	}
	return channel.ValidationResult{Valid: false, Message: "bad key"}, nil
}

func (f *fakeAdapter) PushInventory(ctx context.Context, _ *models.ChannelConnection, _ []models.ChannelRoomMapping, updates []models.InventoryUpdate) models.SyncResult {
	res := f.run(ctx, models.OpPushInventory)
	if !res.Success {
		return res
	}
	for _, u := range updates {
		res.AffectedRooms = append(res.AffectedRooms, u.RoomID)
	}
	f.mu.Lock()
	f.inventory = append(f.inventory, updates)
	f.mu.Unlock()
	return res
}

func (f *fakeAdapter) PushRates(ctx context.Context, _ *models.ChannelConnection, _ []models.ChannelRoomMapping, _ []models.RateUpdate) models.SyncResult {
	return f.run(ctx, models.OpPushRates)
}

func (f *fakeAdapter) PullBookings(ctx context.Context, _ *models.ChannelConnection, _ time.Time) ([]models.ExternalBooking, error) {
	f.run(ctx, models.OpPullBookings)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ExternalBooking(nil), f.bookings...), nil
}

func (f *fakeAdapter) ParseWebhook(_ []byte) *models.ExternalBooking { return nil }

func (f *fakeAdapter) CancelBooking(ctx context.Context, _ *models.ChannelConnection, _ string) models.SyncResult {
	return f.run(ctx, models.OpCancelUpstream)
}

type recordingQueue struct {
	mu    sync.Mutex
	next  int64
	tasks []*models.SyncTask
}

func (q *recordingQueue) Enqueue(_ context.Context, task *models.SyncTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next++
	task.ID = q.next
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *recordingQueue) byType(taskType string) []*models.SyncTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*models.SyncTask
	for _, t := range q.tasks {
		if t.TaskType == taskType {
			out = append(out, t)
		}
	}
	return out
}

type harness struct {
	db     *database.DB
	bus    *events.EventBus
	queue  *recordingQueue
	orch   *Orchestrator
	agoda  *agodatest.Server
	fake   *fakeAdapter
	hotel  int64
	ctx    context.Context
	t      *testing.T
	logger zerolog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "orchestrator.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	srv := agodatest.NewServer("key-1", "AG-PROP")
	t.Cleanup(srv.Close)

	fake := newFakeAdapter(models.ChannelBookingCom)
	registry := channel.NewRegistry(
		agoda.New(config.ChannelConfig{BaseURL: srv.URL, RPS: 100, Timeout: time.Second}, &logger, channel.WithRetry(1, time.Millisecond)),
		fake,
		channel.NewExpedia(),
	)

	bus := events.NewEventBus()
	queue := &recordingQueue{}
	engine := reconcile.NewEngine(db, queue, bus, &logger)
	cfg := config.SyncConfig{
		Workers:          4,
		AdapterTimeout:   300 * time.Millisecond,
		FailureThreshold: 3,
		PullOverlap:      10 * time.Minute,
		PullLookback:     24 * time.Hour,
	}
	orch := New(Stores{Connections: db, Mappings: db, Logs: db, Pushes: db}, registry, engine, repository.NewMemoryLocker(), queue, bus, cfg, &logger)
	t.Cleanup(orch.Close)

	return &harness{db: db, bus: bus, queue: queue, orch: orch, agoda: srv, fake: fake, hotel: 1, ctx: context.Background(), t: t, logger: logger}
}

// connect stores an ACTIVE connection with a mapping per local room.
func (h *harness) connect(channelType, propertyID string, rooms map[string]string) *models.ChannelConnection {
	h.t.Helper()
	creds, _ := json.Marshal(agoda.Credentials{APIKey: "key-1", PropertyID: propertyID})
	conn := &models.ChannelConnection{
		HotelID:            h.hotel,
		ChannelType:        channelType,
		APICredentials:     creds,
		ExternalPropertyID: propertyID,
		Status:             models.ConnectionActive,
	}
	require.NoError(h.t, h.db.CreateConnection(h.ctx, conn))

	var mappings []models.ChannelRoomMapping
	for local, external := range rooms {
		mappings = append(mappings, models.ChannelRoomMapping{LocalRoomID: local, ExternalRoomTypeID: external, ExternalRatePlanID: "BAR"})
	}
	require.NoError(h.t, h.db.ReplaceMappings(h.ctx, conn.ID, mappings))
	return conn
}

func (h *harness) status(id int64) string {
	h.t.Helper()
	conn, err := h.db.GetConnection(h.ctx, id)
	require.NoError(h.t, err)
	return conn.Status
}

func (h *harness) logs(id int64) []models.SyncLog {
	h.t.Helper()
	logs, err := h.db.ListSyncLogs(h.ctx, id, 100)
	require.NoError(h.t, err)
	return logs
}

func day(s string) time.Time {
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}
