package ledger

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const (
	locationsSheet = "Locations"
	summarySheet   = "Summary"
)

var (
	locationHeader = []interface{}{"ID", "Kind", "Name", "Godown type", "Cleaning class", "Status", "Capacity (kg)", "Stock (kg)", "Reserved (kg)", "Available (kg)", "Updated at"}
	summaryHeader  = []interface{}{"Kind", "Locations", "Capacity (kg)", "Stock (kg)", "Reserved (kg)", "Fill %"}
)

// WriteSnapshot renders a stock workbook with one row per location and a
// per-kind summary sheet.
func WriteSnapshot(w io.Writer, locs []Location, summary []KindSummary) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", locationsSheet); err != nil {
		return fmt.Errorf("ledger: export: %w", err)
	}
	if err := f.SetSheetRow(locationsSheet, "A1", &locationHeader); err != nil {
		return fmt.Errorf("ledger: export: %w", err)
	}
	for i, loc := range locs {
		row := []interface{}{
			loc.ID,
			string(loc.Kind),
			loc.Name,
			loc.GodownType,
			string(loc.CleaningClass),
			string(loc.Status),
			loc.CapacityKg.InexactFloat64(),
			loc.StockKg.InexactFloat64(),
			loc.ReservedKg.InexactFloat64(),
			loc.AvailableKg().InexactFloat64(),
			loc.UpdatedAt.Format("2006-01-02 15:04:05"),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(locationsSheet, cell, &row); err != nil {
			return fmt.Errorf("ledger: export: %w", err)
		}
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("ledger: export: %w", err)
	}
	if err := f.SetSheetRow(summarySheet, "A1", &summaryHeader); err != nil {
		return fmt.Errorf("ledger: export: %w", err)
	}
	for i, s := range summary {
		fill := 0.0
		if s.CapacityKg.IsPositive() {
			fill = s.StockKg.Div(s.CapacityKg).Mul(hundred).Round(2).InexactFloat64()
		}
		row := []interface{}{
			string(s.Kind),
			s.Count,
			s.CapacityKg.InexactFloat64(),
			s.StockKg.InexactFloat64(),
			s.ReservedKg.InexactFloat64(),
			fill,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return fmt.Errorf("ledger: export: %w", err)
		}
	}
	_ = f.SetColWidth(locationsSheet, "C", "C", 24)
	return f.Write(w)
}
