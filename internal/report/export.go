// Package report renders queue contents as spreadsheets for operators.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"sensorbridge/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	entriesSheet = "Queue"
	summarySheet = "Summary"
	timeLayout   = "2006-01-02 15:04:05"
)

var headers = []string{"ID", "Sensor", "Slave ID", "Temperature", "Humidity", "Captured At", "Enqueued At", "Retry Count", "State"}

// Build lays out the entries and a summary of stats in a new workbook.
// Entries at or above maxRetry are marked stuck and highlighted.
func Build(entries []models.QueueEntry, stats models.QueueStats, maxRetry int) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(entriesSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	stuckStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F8CBAD"}, Pattern: 1},
	})

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(entriesSheet, cell, h)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(headers))
	_ = f.SetCellStyle(entriesSheet, "A1", lastCol+"1", headerStyle)

	for i, e := range entries {
		row := i + 2
		state := "pending"
		if !e.EligibleForRetry(maxRetry) {
			state = "stuck"
		}
		values := []interface{}{
			e.ID,
			e.Reading.SensorName,
			e.Reading.SlaveID,
			e.Reading.Temperature,
			e.Reading.Humidity,
			e.Reading.CapturedAt.UTC().Format(timeLayout),
			e.EnqueuedAt.UTC().Format(timeLayout),
			e.RetryCount,
			state,
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(entriesSheet, cell, &values); err != nil {
			f.Close()
			return nil, fmt.Errorf("error writing row %d: %w", row, err)
		}
		if state == "stuck" {
			_ = f.SetCellStyle(entriesSheet, cell, fmt.Sprintf("%s%d", lastCol, row), stuckStyle)
		}
	}

	_ = f.SetColWidth(entriesSheet, "A", "A", 10)
	_ = f.SetColWidth(entriesSheet, "B", "B", 20)
	_ = f.SetColWidth(entriesSheet, "F", "G", 22)

	if _, err := f.NewSheet(summarySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	summary := [][]interface{}{
		{"Queue file", stats.Path},
		{"Total cached", stats.TotalCached},
		{"Pending", stats.Pending},
		{"Failed at least once", stats.FailedCount},
		{"Stuck", stats.StuckCount},
		{"Max retry", maxRetry},
	}
	for i, row := range summary {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		r := row
		_ = f.SetSheetRow(summarySheet, cell, &r)
	}
	_ = f.SetColWidth(summarySheet, "A", "A", 24)

	_ = f.DeleteSheet("Sheet1")
	return f, nil
}

// Write renders the workbook into w.
func Write(w io.Writer, entries []models.QueueEntry, stats models.QueueStats, maxRetry int) error {
	f, err := Build(entries, stats, maxRetry)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}

// Save writes the workbook to path, creating its directory.
func Save(path string, entries []models.QueueEntry, stats models.QueueStats, maxRetry int) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("error creating export directory: %w", err)
		}
	}

	f, err := Build(entries, stats, maxRetry)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("error saving file: %w", err)
	}
	return nil
}
