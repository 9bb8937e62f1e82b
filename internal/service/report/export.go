package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"telemed-backend/internal/domain"
)

// ExportSheet is the name of the single worksheet in a call export
const ExportSheet = "Calls"

// ExportHeader lists the export columns in order
var ExportHeader = []string{
	"Call ID",
	"Status",
	"Patient",
	"Patient Phone",
	"Operator ID",
	"Doctor ID",
	"Start Time",
	"End Time",
	"Duration (min)",
	"Expired",
	"Referred",
	"Doctor Advice",
}

var exportColumnWidths = []float64{38, 12, 24, 18, 38, 38, 22, 22, 14, 10, 10, 60}

// ExportCalls renders calls as an XLSX workbook
func ExportCalls(calls []*domain.CallSummary, now time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(ExportSheet)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to drop default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := f.SetSheetRow(ExportSheet, "A1", &ExportHeader); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	lastHeader, _ := excelize.CoordinatesToCellName(len(ExportHeader), 1)
	if err := f.SetCellStyle(ExportSheet, "A1", lastHeader, headerStyle); err != nil {
		return nil, fmt.Errorf("failed to style header: %w", err)
	}
	for i, width := range exportColumnWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(ExportSheet, col, col, width); err != nil {
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, summary := range calls {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		row := exportRow(summary, now)
		if err := f.SetSheetRow(ExportSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func exportRow(summary *domain.CallSummary, now time.Time) []interface{} {
	call := summary.Call

	patientName, patientPhone := "", ""
	if summary.Patient != nil {
		patientName = summary.Patient.Name
		patientPhone = summary.Patient.PhoneNumber
	}
	doctorID := ""
	if call.DoctorID != nil {
		doctorID = call.DoctorID.String()
	}
	endTime, duration := "", ""
	if call.EndTime != nil {
		endTime = call.EndTime.UTC().Format(time.RFC3339)
		duration = fmt.Sprintf("%.1f", call.EndTime.Sub(call.StartTime).Minutes())
	}
	advice := ""
	if call.DoctorAdvice != nil {
		advice = *call.DoctorAdvice
	}

	return []interface{}{
		call.CallID.String(),
		string(call.Status),
		patientName,
		patientPhone,
		call.OperatorID.String(),
		doctorID,
		call.StartTime.UTC().Format(time.RFC3339),
		endTime,
		duration,
		yesNo(call.IsExpired(now)),
		yesNo(call.Referred),
		advice,
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
