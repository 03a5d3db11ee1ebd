package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/safety.report/internal/httputil"
)

// handleHistoryChart renders a quick line chart (HTML) of composite index
// over time using go-echarts. This is a debugging-only endpoint (no auth)
// to eyeball the index timeline without a frontend.
// Query params: intersection_id (required) plus the usual range params.
func (s *Server) handleHistoryChart(w http.ResponseWriter, r *http.Request) {
	intersectionID := r.URL.Query().Get("intersection_id")
	if intersectionID == "" {
		httputil.BadRequest(w, "intersection_id is required")
		return
	}

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

	labels := make([]string, 0, len(records))
	composite := make([]opts.LineData, 0, len(records))
	vru := make([]opts.LineData, 0, len(records))
	vehicle := make([]opts.LineData, 0, len(records))
	for _, rec := range records {
		labels = append(labels, rec.IntervalStart.UTC().Format("01-02 15:04"))
		composite = append(composite, opts.LineData{Value: rec.Composite})
		vru = append(vru, opts.LineData{Value: rec.VRUIndex})
		vehicle = append(vehicle, opts.LineData{Value: rec.VehicleIndex})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Safety Index History", Theme: "dark", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Safety Index",
			Subtitle: fmt.Sprintf("intersection=%s %s to %s points=%d", intersectionID, start.Format(dateLayout), end.Format(dateLayout), len(records)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 100, Name: "index"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
	)
	line.SetXAxis(labels).
		AddSeries("composite", composite).
		AddSeries("vru", vru).
		AddSeries("vehicle", vehicle).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(false)}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
