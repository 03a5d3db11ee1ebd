package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/safety.report/internal/aggregate"
	"github.com/banshee-data/safety.report/internal/httputil"
)

const dateLayout = "2006-01-02"

// parseRange reads start_date/end_date (YYYY-MM-DD) or days=N from the
// query. end_date is exclusive at day granularity; days counts back from
// now. Malformed parameters are rejected here, before any backend call.
func parseRange(r *http.Request) (start, end time.Time, err error) {
	q := r.URL.Query()
	startStr, endStr, daysStr := q.Get("start_date"), q.Get("end_date"), q.Get("days")

	if daysStr != "" {
		days, aerr := strconv.Atoi(daysStr)
		if aerr != nil || days < 1 {
			return start, end, fmt.Errorf("invalid 'days' parameter %q", daysStr)
		}
		end = time.Now().UTC()
		start = end.AddDate(0, 0, -days)
		return start, end, nil
	}

	if startStr == "" || endStr == "" {
		return start, end, fmt.Errorf("either 'days' or both 'start_date' and 'end_date' are required")
	}
	start, err = time.Parse(dateLayout, startStr)
	if err != nil {
		return start, end, fmt.Errorf("invalid 'start_date' %q, want YYYY-MM-DD", startStr)
	}
	end, err = time.Parse(dateLayout, endStr)
	if err != nil {
		return start, end, fmt.Errorf("invalid 'end_date' %q, want YYYY-MM-DD", endStr)
	}
	if !start.Before(end) {
		return start, end, fmt.Errorf("'start_date' must be before 'end_date'")
	}
	return start, end, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	intersectionID := r.PathValue("intersectionID")

	start, end, err := parseRange(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	granularity, err := aggregate.ParseGranularity(r.URL.Query().Get("aggregation"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	res, err := s.agg.Query(r.Context(), intersectionID, start, end, granularity)
	if err != nil {
		s.writeQueryError(w, intersectionID, err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	intersectionID := r.PathValue("intersectionID")

	start, end, err := parseRange(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	summary, err := s.agg.Stats(r.Context(), intersectionID, start, end)
	if err != nil {
		s.writeQueryError(w, intersectionID, err)
		return
	}
	httputil.WriteJSONOK(w, summary)
}

func (s *Server) handleCorrelation(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "correlation engine not configured")
		return
	}

	start, end, err := parseRange(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	q := r.URL.Query()
	threshold, err := strconv.ParseFloat(q.Get("threshold"), 64)
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid 'threshold' %q", q.Get("threshold")))
		return
	}
	radius, err := strconv.ParseFloat(q.Get("proximity_radius"), 64)
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid 'proximity_radius' %q", q.Get("proximity_radius")))
		return
	}
	recompute := q.Get("recompute") == "true"

	res, err := s.engine.Correlate(r.Context(), start, end, threshold, radius, recompute)
	if err != nil {
		s.writeQueryError(w, "", err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.registry.ListAll())
}

func (s *Server) handleValidateWeights(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.registry.ValidateWeights())
}

func decodeJSONBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %v", err)
	}
	return nil
}

type weightChangeRequest struct {
	Weight float64 `json:"weight"`
	Actor  string  `json:"actor"`
	Reason string  `json:"reason"`
}

func (s *Server) handleWeightChange(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req weightChangeRequest
	if err := decodeJSONBody(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Actor == "" {
		httputil.BadRequest(w, "'actor' is required")
		return
	}

	rec, err := s.registry.RecordWeightChange(name, req.Weight, req.Actor, req.Reason)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, rec)
}

func (s *Server) handleWeightChanges(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "weight audit store not configured")
		return
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, fmt.Sprintf("invalid 'limit' %q", l))
			return
		}
		limit = parsed
	}
	recs, err := s.audit.ListWeightChanges(r.URL.Query().Get("plugin"), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list weight changes: %v", err))
		return
	}
	httputil.WriteJSONOK(w, recs)
}

func (s *Server) handleWriterStats(w http.ResponseWriter, r *http.Request) {
	if s.writer == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "writer not configured")
		return
	}
	httputil.WriteJSONOK(w, s.writer.Stats())
}

// writeQueryError maps the typed query errors onto their HTTP shapes: a
// structured 404 body for no-data, 400 for malformed input, 500 otherwise.
func (s *Server) writeQueryError(w http.ResponseWriter, intersectionID string, err error) {
	switch {
	case errors.Is(err, aggregate.ErrNoData):
		httputil.WriteNoData(w, intersectionID, err.Error())
	case errors.Is(err, aggregate.ErrMalformedQuery):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}
