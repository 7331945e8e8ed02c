package database

import (
	"context"
	"testing"

	"channelmanager/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushState(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	open := models.InventoryUpdate{RoomID: "101", Date: day("2030-01-10"), Available: true}
	price := models.RateUpdate{RoomID: "101", Date: day("2030-01-10"), Price: 90, Currency: "USD", ExternalRatePlanID: "BAR"}
	other := models.InventoryUpdate{RoomID: "101", Date: day("2030-01-12")}
	keys := []models.PushKey{open.Key(), price.Key(), other.Key()}

	got, err := db.DeliveredSeqs(ctx, 1, keys)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, db.MarkDelivered(ctx, 1, 20, []models.PushKey{open.Key(), price.Key()}))
	// An older delivery arriving late keeps the newer sequence.
	require.NoError(t, db.MarkDelivered(ctx, 1, 10, []models.PushKey{open.Key(), other.Key()}))
	require.NoError(t, db.MarkDelivered(ctx, 2, 99, []models.PushKey{open.Key()}))

	got, err = db.DeliveredSeqs(ctx, 1, keys)
	require.NoError(t, err)
	assert.Equal(t, map[models.PushKey]int64{
		open.Key():  20,
		price.Key(): 20,
		other.Key(): 10,
	}, got)

	got, err = db.DeliveredSeqs(ctx, 1, []models.PushKey{{RoomID: "101", Night: "2030-01-10", Kind: "rate:NRF"}})
	require.NoError(t, err)
	assert.Empty(t, got, "rate plans are tracked separately")
}
