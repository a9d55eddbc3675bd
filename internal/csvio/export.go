package csvio

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"kpiboard/backend/internal/calendar"
	"kpiboard/backend/internal/domain"
)

var exportHeaders = []string{
	"Store",
	"KPI",
	"Monthly Goal",
	"MTD Sales",
	"% to Goal",
	"Projected EOM",
	"Daily Average",
	"Export Date",
}

const exportSheet = "Sales"

// WriteCSV writes one row per performance line.
func WriteCSV(w io.Writer, lines []domain.PerformanceLine, exportedAt time.Time) error {
	date := calendar.DateKey(exportedAt)
	rows := make([][]string, 0, len(lines)+1)
	rows = append(rows, exportHeaders)
	for _, l := range lines {
		rows = append(rows, []string{
			l.StoreName,
			l.KpiName,
			l.MonthlyGoal.String(),
			l.MTDSales.String(),
			l.PercentToGoal.StringFixed(2) + "%",
			l.Projection.StringFixed(2),
			l.DailyAverage.StringFixed(2),
			date,
		})
	}
	return writeAll(w, rows)
}

// WriteXLSX writes the same columns as WriteCSV to a single-sheet workbook,
// with numeric cells kept numeric.
func WriteXLSX(w io.Writer, lines []domain.PerformanceLine, exportedAt time.Time) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return err
	}

	for i, h := range exportHeaders {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(exportSheet, cell, h); err != nil {
			return err
		}
	}

	date := calendar.DateKey(exportedAt)
	for r, l := range lines {
		values := []any{
			l.StoreName,
			l.KpiName,
			l.MonthlyGoal.InexactFloat64(),
			l.MTDSales.InexactFloat64(),
			l.PercentToGoal.InexactFloat64(),
			l.Projection.InexactFloat64(),
			l.DailyAverage.InexactFloat64(),
			date,
		}
		for c, v := range values {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(exportSheet, cell, v); err != nil {
				return fmt.Errorf("set %s: %w", cell, err)
			}
		}
	}

	return f.Write(w)
}
