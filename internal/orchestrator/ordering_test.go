package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"channelmanager/internal/channel/agoda/agodatest"
	"channelmanager/internal/database"
	"channelmanager/internal/domain"
	"channelmanager/internal/events"
	"channelmanager/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publishNight(t *testing.T, h *harness, night string, available bool) {
	t.Helper()
	require.NoError(t, h.bus.PublishJSON(events.EventInventoryChanged, events.InventoryChangedPayload{
		HotelID: h.hotel,
		Updates: []models.InventoryUpdate{{RoomID: "101", Date: day(night), Available: available}},
	}))
}

func TestEventPushesKeepPublishOrder(t *testing.T) {
	h := newHarness(t)
	h.orch.Subscribe(h.bus)
	h.connect(models.ChannelAgoda, "AG-PROP", map[string]string{"101": "RT-55"})

	for i := 0; i < 5; i++ {
		publishNight(t, h, "2030-01-10", false)
		publishNight(t, h, "2030-01-10", true)
	}
	h.orch.Wait()

	open, known := h.agoda.Available("RT-55", "2030-01-10")
	assert.True(t, known)
	assert.True(t, open, "the last published state wins on the channel")
	assert.Equal(t, 10, h.agoda.Requests("availability"))
}

func TestCloseOutEventsKeepPublishOrder(t *testing.T) {
	h := newHarness(t)
	h.orch.Subscribe(h.bus)
	h.connect(models.ChannelAgoda, "AG-PROP", map[string]string{"101": "RT-55"})

	booking := events.BookingEventPayload{
		Reference:   "AGODA-AG-7",
		HotelID:     h.hotel,
		LocalRoomID: "101",
		ChannelType: models.ChannelAgoda,
		CheckIn:     day("2030-06-01"),
		CheckOut:    day("2030-06-03"),
	}
	require.NoError(t, h.bus.PublishJSON(events.EventBookingCommitted, booking))
	require.NoError(t, h.bus.PublishJSON(events.EventBookingCancelled, booking))
	h.orch.Wait()

	for _, night := range []string{"2030-06-01", "2030-06-02"} {
		open, known := h.agoda.Available("RT-55", night)
		assert.True(t, known, night)
		assert.True(t, open, night)
	}
}

func TestLaneDeliversInSubmissionOrder(t *testing.T) {
	h := newHarness(t)
	h.orch.Subscribe(h.bus)
	h.connect(models.ChannelBookingCom, "BC-1", map[string]string{"101": "DLX"})
	h.fake.delay = 5 * time.Millisecond

	var want []string
	for i := 0; i < 8; i++ {
		night := day("2030-04-01").AddDate(0, 0, i).Format(models.DateLayout)
		want = append(want, night)
		publishNight(t, h, night, i%2 == 0)
	}
	h.orch.Wait()

	var got []string
	for _, updates := range h.fake.delivered() {
		require.Len(t, updates, 1)
		got = append(got, updates[0].Date.Format(models.DateLayout))
	}
	assert.Equal(t, want, got)
	assert.Equal(t, int32(1), h.fake.maxActive.Load())
}

func TestRetryDoesNotReplaySupersededState(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(models.ChannelAgoda, "AG-PROP", map[string]string{"101": "RT-55"})
	h.agoda.FailNext(1, 503)

	report, err := h.orch.PushInventory(h.ctx, h.hotel, []models.InventoryUpdate{
		{RoomID: "101", Date: day("2030-01-10"), Available: false},
		{RoomID: "101", Date: day("2030-01-11"), Available: false},
	})
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	require.False(t, report.Results[0].Result.Success)
	tasks := h.queue.byType(models.TaskRetryPush)
	require.Len(t, tasks, 1)

	report, err = h.orch.PushInventory(h.ctx, h.hotel, []models.InventoryUpdate{
		{RoomID: "101", Date: day("2030-01-10"), Available: true},
	})
	require.NoError(t, err)
	require.True(t, report.Results[0].Result.Success, report.Results[0].Result.ErrorMessage)

	require.NoError(t, h.orch.RetryPush(h.ctx, tasks[0]))

	open, known := h.agoda.Available("RT-55", "2030-01-10")
	assert.True(t, known)
	assert.True(t, open, "a newer push already delivered this night")
	open, known = h.agoda.Available("RT-55", "2030-01-11")
	assert.True(t, known, "nights nobody touched since are still retried")
	assert.False(t, open)

	// Replaying the same task again has nothing left to send.
	logs := len(h.logs(conn.ID))
	require.NoError(t, h.orch.RetryPush(h.ctx, tasks[0]))
	assert.Len(t, h.logs(conn.ID), logs)
}

func TestSupersededRetryMakesNoCall(t *testing.T) {
	h := newHarness(t)
	h.connect(models.ChannelBookingCom, "BC-1", map[string]string{"101": "DLX"})
	h.fake.failNext(models.SyncResult{ErrorKind: models.ErrorTransient, ErrorMessage: "503"})

	_, err := h.orch.PushInventory(h.ctx, h.hotel, []models.InventoryUpdate{{RoomID: "101", Date: day("2030-03-01"), Available: false}})
	require.NoError(t, err)
	_, err = h.orch.PushInventory(h.ctx, h.hotel, []models.InventoryUpdate{{RoomID: "101", Date: day("2030-03-01"), Available: true}})
	require.NoError(t, err)

	tasks := h.queue.byType(models.TaskRetryPush)
	require.Len(t, tasks, 1)
	require.NoError(t, h.orch.RetryPush(h.ctx, tasks[0]))

	assert.Len(t, h.fake.callLog(), 2)
	delivered := h.fake.delivered()
	require.Len(t, delivered, 1)
	assert.True(t, delivered[0][0].Available)
}

// busyLocker behaves like a lock another worker never lets go of.
type busyLocker struct{}

func (busyLocker) Acquire(context.Context, int64, time.Duration) (*domain.Lease, error) {
	return nil, fmt.Errorf("%w: held by another worker", domain.ErrLockTimeout)
}

func (busyLocker) Release(context.Context, *domain.Lease) error { return nil }

func TestLockContentionDoesNotDegrade(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(models.ChannelBookingCom, "BC-1", map[string]string{"101": "DLX"})
	h.orch.locker = busyLocker{}

	for i := 0; i < 5; i++ {
		report, err := h.orch.PushInventory(h.ctx, h.hotel, []models.InventoryUpdate{{RoomID: "101", Date: day("2030-03-01")}})
		require.NoError(t, err)
		require.Len(t, report.Results, 1)
		assert.Equal(t, models.ErrorContention, report.Results[0].Result.ErrorKind)
	}

	assert.Equal(t, models.ConnectionActive, h.status(conn.ID))
	assert.Empty(t, h.fake.callLog())
	assert.Len(t, h.queue.byType(models.TaskRetryPush), 5, "contention is retried later")

	n, err := h.db.ConsecutiveFailures(h.ctx, conn.ID, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRepointHeldMappingIsRefused(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(models.ChannelAgoda, "AG-PROP", map[string]string{"101": "RT-55"})

	stay := agodatest.Booking{BookingID: "AG-1", RoomTypeID: "RT-55", CheckIn: "2030-05-01", CheckOut: "2030-05-03",
		GuestFirst: "Ana", GuestLast: "Lee", Adults: 2, Total: 300, Currency: "USD"}
	res, err := h.orch.HandleWebhook(h.ctx, models.ChannelAgoda, agodatest.WebhookPayload("booking.created", "AG-PROP", stay))
	require.NoError(t, err)
	require.Equal(t, models.OutcomeCommitted, res.Outcome)

	err = h.orch.ReplaceMappings(h.ctx, conn.ID, []models.ChannelRoomMapping{{LocalRoomID: "101", ExternalRoomTypeID: "RT-99", ExternalRatePlanID: "BAR"}})
	assert.ErrorIs(t, err, database.ErrMappingInUse)

	stay.Status = "cancelled"
	res, err = h.orch.HandleWebhook(h.ctx, models.ChannelAgoda, agodatest.WebhookPayload("booking.cancelled", "AG-PROP", stay))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCancelled, res.Outcome)

	// Once the stay is released the room may move.
	require.NoError(t, h.orch.ReplaceMappings(h.ctx, conn.ID, []models.ChannelRoomMapping{{LocalRoomID: "101", ExternalRoomTypeID: "RT-99", ExternalRatePlanID: "BAR"}}))
}
