package invoice

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Scans"

var exportHeaders = []string{
	"Scanned At",
	"Image",
	"Vendor",
	"Total",
	"Date",
	"Model Label",
	"Model URL",
}

var exportWidths = []struct {
	from, to string
	width    float64
}{
	{"A", "A", 22},
	{"B", "C", 30},
	{"D", "F", 14},
	{"G", "G", 50},
}

// ExportScansXLSX returns the scan history as an XLSX workbook
func (s *Service) ExportScansXLSX() ([]byte, error) {
	start := time.Now()

	scans, err := s.ListScans()
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	// Rename the default sheet rather than leaving an empty Sheet1 behind
	if err := f.SetSheetName(f.GetSheetName(0), exportSheet); err != nil {
		return nil, fmt.Errorf("naming sheet: %w", err)
	}

	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(exportSheet, cell, h); err != nil {
			return nil, fmt.Errorf("writing header: %w", err)
		}
	}

	for i, scan := range scans {
		row := i + 2
		values := []any{
			scan.CreatedAt.Format(time.RFC3339),
			scan.OriginalFilename,
			scan.Fields.Vendor,
			scan.Fields.Total,
			scan.Fields.Date,
			formatLabel(scan.Inference.Label),
			scan.ModelURL,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(exportSheet, cell, v); err != nil {
				return nil, fmt.Errorf("writing row %d: %w", row, err)
			}
		}
	}

	for _, w := range exportWidths {
		if err := f.SetColWidth(exportSheet, w.from, w.to, w.width); err != nil {
			return nil, fmt.Errorf("setting column width %s:%s: %w", w.from, w.to, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	slog.Info("Exported scans", "rows", len(scans), "duration_ms", time.Since(start).Milliseconds())
	return buf.Bytes(), nil
}

func formatLabel(label []int64) string {
	parts := make([]string, len(label))
	for i, v := range label {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}
