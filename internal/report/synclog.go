// Package report renders sync history for partners and support staff.
package report

import (
	"fmt"
	"io"
	"strings"

	"channelmanager/internal/models"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Sync log"

var columns = []struct {
	title string
	width float64
}{
	{"Time (UTC)", 20},
	{"Operation", 18},
	{"Result", 10},
	{"Error kind", 14},
	{"Attempt", 9},
	{"Booking", 18},
	{"Outcome", 12},
	{"Rooms", 24},
	{"Error", 50},
}

// WriteSyncLogs writes an XLSX workbook with one row per sync log entry.
func WriteSyncLogs(w io.Writer, conn *models.ChannelConnection, logs []models.SyncLog) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	_ = f.SetCellValue(sheetName, "A1", fmt.Sprintf("Connection %d: %s / %s (%s)",
		conn.ID, conn.ChannelType, conn.ExternalPropertyID, conn.Status))
	lastCol, _ := excelize.ColumnNumberToName(len(columns))
	_ = f.MergeCell(sheetName, "A1", lastCol+"1")
	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(sheetName, "A1", "A1", titleStyle)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, col := range columns {
		name, _ := excelize.ColumnNumberToName(i + 1)
		_ = f.SetCellValue(sheetName, name+"2", col.title)
		_ = f.SetColWidth(sheetName, name, name, col.width)
	}
	_ = f.SetCellStyle(sheetName, "A2", lastCol+"2", headerStyle)

	failStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F8CBAD"}, Pattern: 1},
	})

	for i, l := range logs {
		row := i + 3
		result := "ok"
		if !l.Success {
			result = "failed"
		}
		values := []any{
			l.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			l.Operation,
			result,
			string(l.ErrorKind),
			l.Attempt,
			l.ExternalBookingID,
			l.Outcome,
			strings.Join(l.AffectedRooms, ", "),
			l.ErrorMessage,
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return fmt.Errorf("error writing row %d: %w", row, err)
		}
		if !l.Success {
			_ = f.SetCellStyle(sheetName, fmt.Sprintf("C%d", row), fmt.Sprintf("C%d", row), failStyle)
		}
	}

	if err := f.SetPanes(sheetName, &excelize.Panes{Freeze: true, YSplit: 2, TopLeftCell: "A3", ActivePane: "bottomLeft"}); err != nil {
		return fmt.Errorf("error freezing header: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}
