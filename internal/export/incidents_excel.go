package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"vitalwatch-core/internal/models"

	"github.com/xuri/excelize/v2"
)

// IncidentSheetName 导出工作表名
const IncidentSheetName = "Incidents"

// IncidentExportHeader 事件导出表头
var IncidentExportHeader = []string{
	"Incident ID",
	"Triggered At",
	"Trigger Reason",
	"State",
	"Outcome",
	"Resolved At",
	"Confirmed",
	"Recording Mode",
	"Health Score",
	"Risk Level",
	"Risk Reasons",
	"Location",
	"Location Data",
	"Notices",
}

var incidentColumnWidths = []float64{
	38, // Incident ID
	20, // Triggered At
	12, // Trigger Reason
	12, // State
	12, // Outcome
	20, // Resolved At
	10, // Confirmed
	15, // Recording Mode
	12, // Health Score
	10, // Risk Level
	40, // Risk Reasons
	22, // Location
	12, // Location Data
	60, // Notices
}

// GenerateIncidentExport 生成紧急事件导出 Excel 文件
// incidents 为空时只生成表头
func GenerateIncidentExport(incidents []models.EmergencyIncident) ([]byte, error) {
	f := excelize.NewFile()
	// WriteTo 之前不能关闭文件

	index, err := f.NewSheet(IncidentSheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#FDE9E7"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range IncidentExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(IncidentSheetName, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(IncidentSheetName, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
	}

	for i, width := range incidentColumnWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(IncidentSheetName, col, col, width); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for rowIdx, incident := range incidents {
		row := rowIdx + 2 // 第1行是表头
		for colIdx, value := range incidentRow(incident) {
			if value == "" {
				continue
			}
			if err := setCellValue(f, colIdx+1, row, value); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell value at row %d, col %d: %w", row, colIdx+1, err)
			}
		}
	}

	if err := f.SetPanes(IncidentSheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

// incidentRow 按表头顺序生成一行
func incidentRow(incident models.EmergencyIncident) []interface{} {
	snapshot := incident.SnapshotAtTrigger

	location := ""
	locationState := string(snapshot.DataState(models.CapabilityLocation))
	if reading, ok := snapshot.Reading(models.CapabilityLocation); ok {
		if v, ok := reading.Value.(models.LocationValue); ok {
			location = v.Text()
		}
	}

	confirmed := "No"
	if incident.Confirmed {
		confirmed = "Yes"
	}

	notices := make([]string, 0, len(incident.Notified))
	for _, kind := range incident.Notified {
		notices = append(notices, string(kind))
	}

	return []interface{}{
		incident.ID,
		formatTime(&incident.TriggeredAt),
		string(incident.TriggerReason),
		string(incident.State),
		string(incident.Outcome),
		formatTime(incident.ResolvedAt),
		confirmed,
		string(incident.Recording.Mode),
		snapshot.Health.Score,
		string(snapshot.Risk.Level),
		strings.Join(snapshot.Risk.Reasons, "; "),
		location,
		locationState,
		strings.Join(notices, ", "),
	}
}

func setCellValue(f *excelize.File, col, row int, value interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(IncidentSheetName, cell, value)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04:05")
}
