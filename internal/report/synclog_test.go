package report

import (
	"bytes"
	"testing"
	"time"

	"channelmanager/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestWriteSyncLogs(t *testing.T) {
	conn := &models.ChannelConnection{ID: 7, ChannelType: models.ChannelAgoda, ExternalPropertyID: "AG-PROP", Status: models.ConnectionDegraded}
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	logs := []models.SyncLog{
		{ConnectionID: 7, Operation: "PUSH_INVENTORY", Success: true, AffectedRooms: []string{"101", "102"}, Attempt: 1, CreatedAt: at},
		{ConnectionID: 7, Operation: "PULL_BOOKINGS", ErrorKind: models.ErrorTimeout, ErrorMessage: "deadline exceeded", Attempt: 2, CreatedAt: at.Add(time.Minute)},
		{ConnectionID: 7, Operation: "INGEST_BOOKING", Success: true, ExternalBookingID: "AG-1", Outcome: "COMMITTED", Attempt: 1, CreatedAt: at.Add(2 * time.Minute)},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteSyncLogs(&buf, conn, logs))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{sheetName}, f.GetSheetList())
	rows, err := f.GetRows(sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 5)

	assert.Contains(t, rows[0][0], "AG-PROP")
	assert.Equal(t, "Operation", rows[1][1])
	assert.Equal(t, []string{"2026-03-01 09:30:00", "PUSH_INVENTORY", "ok", "", "1", "", "", "101, 102"}, rows[2])
	assert.Equal(t, "failed", rows[3][2])
	assert.Equal(t, string(models.ErrorTimeout), rows[3][3])
	assert.Equal(t, "deadline exceeded", rows[3][8])
	assert.Equal(t, "AG-1", rows[4][5])
	assert.Equal(t, "COMMITTED", rows[4][6])
}

func TestWriteSyncLogsEmpty(t *testing.T) {
	conn := &models.ChannelConnection{ID: 1, ChannelType: models.ChannelAgoda, Status: models.ConnectionActive}

	var buf bytes.Buffer
	require.NoError(t, WriteSyncLogs(&buf, conn, nil))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(sheetName)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
