package api

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/safety.report/internal/httputil"
	"github.com/banshee-data/safety.report/internal/index"
	"github.com/banshee-data/safety.report/internal/monitoring"
)

// exportHeader is the fixed export column order consumed by downstream
// analysis notebooks.
var exportHeader = []string{
	"timestamp", "safety_index", "vru_index", "vehicle_index",
	"traffic_volume", "hour_of_day", "day_of_week",
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	intersectionID := r.PathValue("intersectionID")

	start, end, err := parseRange(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	records, err := s.records.QueryRange(r.Context(), intersectionID, start, end)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to read records: %v", err))
		return
	}
	if len(records) == 0 {
		httputil.WriteNoData(w, intersectionID, "no records in the requested range")
		return
	}

	filename := fmt.Sprintf("safety-index-%s-%s-%s.csv",
		intersectionID, start.Format(dateLayout), end.Format(dateLayout))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	if err := WriteCSV(w, records); err != nil {
		// Headers are already out; a second response would only corrupt
		// the partial CSV body.
		monitoring.Logf("export for %s aborted mid-stream: %v", intersectionID, err)
	}
}

// WriteCSV streams records in the export column order.
func WriteCSV(w io.Writer, records []*index.SafetyIndexRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, rec := range records {
		row := []string{
			rec.IntervalStart.UTC().Format(time.RFC3339),
			strconv.FormatFloat(rec.Composite, 'f', -1, 64),
			strconv.FormatFloat(rec.VRUIndex, 'f', -1, 64),
			strconv.FormatFloat(rec.VehicleIndex, 'f', -1, 64),
			strconv.FormatInt(rec.TrafficVolume, 10),
			strconv.Itoa(rec.HourOfDay()),
			strconv.Itoa(rec.DayOfWeek()),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportedPoint is one parsed export row.
type ExportedPoint struct {
	Timestamp     time.Time
	SafetyIndex   float64
	VRUIndex      float64
	VehicleIndex  float64
	TrafficVolume int64
	HourOfDay     int
	DayOfWeek     int
}

// ReadCSV parses an export produced by WriteCSV, for round-trip checks and
// re-import tooling.
func ReadCSV(r io.Reader) ([]ExportedPoint, error) {
	cr := csv.NewReader(r)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse export: %w", err)
	}
	var points []ExportedPoint
	for i, row := range rows {
		if i == 0 {
			continue
		}
		if len(row) != len(exportHeader) {
			return nil, fmt.Errorf("row %d: expected %d columns, got %d", i+1, len(exportHeader), len(row))
		}
		ts, err := time.Parse(time.RFC3339, row[0])
		if err != nil {
			return nil, fmt.Errorf("row %d timestamp: %w", i+1, err)
		}
		si, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d safety_index: %w", i+1, err)
		}
		vru, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d vru_index: %w", i+1, err)
		}
		veh, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d vehicle_index: %w", i+1, err)
		}
		vol, err := strconv.ParseInt(row[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("row %d traffic_volume: %w", i+1, err)
		}
		hod, err := strconv.Atoi(row[5])
		if err != nil {
			return nil, fmt.Errorf("row %d hour_of_day: %w", i+1, err)
		}
		dow, err := strconv.Atoi(row[6])
		if err != nil {
			return nil, fmt.Errorf("row %d day_of_week: %w", i+1, err)
		}
		points = append(points, ExportedPoint{
			Timestamp:     ts,
			SafetyIndex:   si,
			VRUIndex:      vru,
			VehicleIndex:  veh,
			TrafficVolume: vol,
			HourOfDay:     hod,
			DayOfWeek:     dow,
		})
	}
	return points, nil
}
