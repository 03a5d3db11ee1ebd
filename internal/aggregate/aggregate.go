// Package aggregate re-derives hourly/daily/weekly/monthly statistics from
// 1-minute safety-index records. Gaps are never interpolated: an empty
// window is reported empty with an explicit missing fraction.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/safety.report/internal/index"
	"github.com/banshee-data/safety.report/internal/monitoring"
)

// ErrNoData reports that an intersection has zero records in the queried
// range. It is a structured empty outcome, not a fault; the API layer maps
// it to a friendly 404 body, never a 5xx.
var ErrNoData = errors.New("no records in range")

// ErrMalformedQuery reports invalid caller parameters, rejected before any
// backend is touched.
var ErrMalformedQuery = errors.New("malformed query")

// Granularity of an aggregation window.
type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
	GranularityWeek   Granularity = "week"
	GranularityMonth  Granularity = "month"
)

// MissingWarnThreshold is the missing fraction above which a response
// carries a data-quality warning.
const MissingWarnThreshold = 0.20

// ParseGranularity validates a caller-supplied granularity string. Empty
// means automatic selection by range length.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case GranularityMinute, GranularityHour, GranularityDay, GranularityWeek, GranularityMonth:
		return Granularity(s), nil
	case "":
		return "", nil
	default:
		return "", fmt.Errorf("%w: unknown granularity %q", ErrMalformedQuery, s)
	}
}

// SelectGranularity picks the level for a range length when the caller did
// not supply one.
func SelectGranularity(start, end time.Time) Granularity {
	length := end.Sub(start)
	switch {
	case length <= 24*time.Hour:
		return GranularityMinute
	case length <= 7*24*time.Hour:
		return GranularityHour
	case length <= 30*24*time.Hour:
		return GranularityDay
	case length <= 90*24*time.Hour:
		return GranularityWeek
	default:
		return GranularityMonth
	}
}

// Window is one derived summary over a contiguous span. When Count is zero
// the window had no underlying records and the score fields are absent.
type Window struct {
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	Granularity Granularity `json:"granularity"`

	// Count is the number of 1-minute base records under this window.
	Count int64 `json:"count"`

	Mean *float64 `json:"mean,omitempty"`
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
	Std  *float64 `json:"std,omitempty"`

	TotalVolume   int64 `json:"total_volume"`
	HighRiskCount int64 `json:"high_risk_count"`

	// MissingFraction is the share of expected base minutes with no record.
	MissingFraction float64 `json:"missing_fraction"`

	// sum and sumSq carry exact accumulators through rollup levels so a
	// mean of means equals the mean of the raw minutes.
	sum   float64
	sumSq float64
}

func (w *Window) add(composite float64, volume int64, highRisk bool) {
	w.Count++
	w.sum += composite
	w.sumSq += composite * composite
	w.TotalVolume += volume
	if highRisk {
		w.HighRiskCount++
	}
	if w.Min == nil || composite < *w.Min {
		v := composite
		w.Min = &v
	}
	if w.Max == nil || composite > *w.Max {
		v := composite
		w.Max = &v
	}
}

// merge folds a finer-grained window into this one: volumes sum, extrema
// propagate, accumulators carry so means stay exact at every level.
func (w *Window) merge(finer *Window) {
	w.Count += finer.Count
	w.sum += finer.sum
	w.sumSq += finer.sumSq
	w.TotalVolume += finer.TotalVolume
	w.HighRiskCount += finer.HighRiskCount
	if finer.Min != nil && (w.Min == nil || *finer.Min < *w.Min) {
		v := *finer.Min
		w.Min = &v
	}
	if finer.Max != nil && (w.Max == nil || *finer.Max > *w.Max) {
		v := *finer.Max
		w.Max = &v
	}
}

func (w *Window) finalize() {
	if w.Count == 0 {
		w.MissingFraction = 1
		return
	}
	mean := w.sum / float64(w.Count)
	w.Mean = &mean
	if w.Count > 1 {
		variance := (w.sumSq - w.sum*w.sum/float64(w.Count)) / float64(w.Count-1)
		if variance < 0 {
			variance = 0
		}
		std := math.Sqrt(variance)
		w.Std = &std
	} else {
		zero := 0.0
		w.Std = &zero
	}
	expected := float64(w.End.Sub(w.Start) / time.Minute)
	if expected > 0 {
		missing := 1 - float64(w.Count)/expected
		if missing < 0 {
			missing = 0
		}
		w.MissingFraction = missing
	}
}

// Result is an ordered sequence of windows plus range-level quality data.
type Result struct {
	IntersectionID     string      `json:"intersection_id"`
	Start              time.Time   `json:"start"`
	End                time.Time   `json:"end"`
	Granularity        Granularity `json:"granularity"`
	Windows            []Window    `json:"windows"`
	MissingFraction    float64     `json:"missing_fraction"`
	DataQualityWarning string      `json:"data_quality_warning,omitempty"`
}

// RecordSource is the read path over a stored destination. The relational
// store implements it, as do the columnar files for fallback.
type RecordSource interface {
	QueryRange(ctx context.Context, intersectionID string, start, end time.Time) ([]*index.SafetyIndexRecord, error)
}

// Service answers time-windowed aggregation queries over stored records.
type Service struct {
	primary       RecordSource
	fallback      RecordSource // optional read fallback, may be nil
	riskThreshold float64
}

// NewService builds the aggregation service. fallback may be nil.
func NewService(primary, fallback RecordSource, riskThreshold float64) *Service {
	return &Service{primary: primary, fallback: fallback, riskThreshold: riskThreshold}
}

// Query derives windows for [start, end) at the given granularity
// (automatic when empty). Returns ErrMalformedQuery for an invalid range
// and ErrNoData when the intersection has no records at all in range.
func (s *Service) Query(ctx context.Context, intersectionID string, start, end time.Time, granularity Granularity) (*Result, error) {
	if intersectionID == "" {
		return nil, fmt.Errorf("%w: intersection id is required", ErrMalformedQuery)
	}
	if !start.Before(end) {
		return nil, fmt.Errorf("%w: start %s is not before end %s", ErrMalformedQuery, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	if granularity == "" {
		granularity = SelectGranularity(start, end)
	}

	records, err := s.fetch(ctx, intersectionID, start, end)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: intersection %s has no records in [%s, %s)",
			ErrNoData, intersectionID, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	windows := rollup(records, start, end, granularity, s.riskThreshold)

	res := &Result{
		IntersectionID: intersectionID,
		Start:          start.UTC(),
		End:            end.UTC(),
		Granularity:    granularity,
		Windows:        windows,
	}

	// The range-level denominator is the whole queried range, not just the
	// populated slots: a gap spanning entire windows still counts as
	// missing minutes.
	expected := float64(end.Sub(start) / time.Minute)
	var got float64
	for i := range windows {
		got += float64(windows[i].Count)
	}
	if expected > 0 {
		res.MissingFraction = 1 - got/expected
		if res.MissingFraction < 0 {
			res.MissingFraction = 0
		}
	}
	if res.MissingFraction > MissingWarnThreshold {
		res.DataQualityWarning = fmt.Sprintf(
			"%.0f%% of base intervals in the requested range have no data; aggregates may be unrepresentative",
			res.MissingFraction*100)
	}
	return res, nil
}

func (s *Service) fetch(ctx context.Context, intersectionID string, start, end time.Time) ([]*index.SafetyIndexRecord, error) {
	records, err := s.primary.QueryRange(ctx, intersectionID, start, end)
	if err == nil {
		return records, nil
	}
	if s.fallback == nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	monitoring.Logf("relational read failed, falling back to columnar files: %v", err)
	records, ferr := s.fallback.QueryRange(ctx, intersectionID, start, end)
	if ferr != nil {
		return nil, fmt.Errorf("query records (fallback also failed: %v): %w", ferr, err)
	}
	return records, nil
}

// rollup aggregates bottom-up, one level at a time: minutes into hours,
// hours into days, then days into the target level. No level is skipped.
func rollup(records []*index.SafetyIndexRecord, start, end time.Time, target Granularity, riskThreshold float64) []Window {
	level := baseWindows(records, riskThreshold)

	if target != GranularityMinute {
		chain := []Granularity{GranularityHour}
		switch target {
		case GranularityHour:
		case GranularityDay:
			chain = append(chain, GranularityDay)
		case GranularityWeek:
			chain = append(chain, GranularityDay, GranularityWeek)
		case GranularityMonth:
			chain = append(chain, GranularityDay, GranularityMonth)
		}
		for _, g := range chain {
			level = mergeLevel(level, g)
		}
	}

	level = fillSlots(level, start, end, target)
	return finalizeAll(clampWindows(level, start, end))
}

// fillSlots materializes the full slot grid covering [start, end) at
// granularity g. A slot with no underlying records becomes an empty window
// (zero count, absent score fields) so whole-window gaps stay visible to
// callers instead of silently vanishing from the response.
func fillSlots(ws []Window, start, end time.Time, g Granularity) []Window {
	byStart := make(map[time.Time]int, len(ws))
	for i := range ws {
		byStart[ws[i].Start] = i
	}
	var out []Window
	for slot := floorTo(start, g); slot.Before(end); slot = nextSlot(slot, g) {
		if i, ok := byStart[slot]; ok {
			out = append(out, ws[i])
			continue
		}
		out = append(out, Window{Start: slot, End: nextSlot(slot, g), Granularity: g})
	}
	return out
}

// baseWindows turns minute records into minute windows in input order
// (records arrive ordered by interval from the store).
func baseWindows(records []*index.SafetyIndexRecord, riskThreshold float64) []Window {
	out := make([]Window, 0, len(records))
	for _, rec := range records {
		w := Window{
			Start:       rec.IntervalStart.UTC(),
			End:         rec.IntervalStart.UTC().Add(time.Minute),
			Granularity: GranularityMinute,
		}
		w.add(rec.Composite, rec.TrafficVolume, rec.Composite > riskThreshold)
		out = append(out, w)
	}
	return out
}

// mergeLevel folds windows into their parent slots at granularity g,
// preserving order.
func mergeLevel(fine []Window, g Granularity) []Window {
	var out []Window
	byStart := make(map[time.Time]int)
	for i := range fine {
		slot := floorTo(fine[i].Start, g)
		idx, ok := byStart[slot]
		if !ok {
			out = append(out, Window{
				Start:       slot,
				End:         nextSlot(slot, g),
				Granularity: g,
			})
			idx = len(out) - 1
			byStart[slot] = idx
		}
		out[idx].merge(&fine[i])
	}
	return out
}

// clampWindows trims window bounds to the queried range so expected-minute
// computations do not count time outside [start, end).
func clampWindows(ws []Window, start, end time.Time) []Window {
	start = start.UTC()
	end = end.UTC()
	for i := range ws {
		if ws[i].Start.Before(start) {
			ws[i].Start = start
		}
		if ws[i].End.After(end) {
			ws[i].End = end
		}
	}
	return ws
}

func finalizeAll(ws []Window) []Window {
	for i := range ws {
		ws[i].finalize()
	}
	return ws
}

func floorTo(t time.Time, g Granularity) time.Time {
	t = t.UTC()
	switch g {
	case GranularityMinute:
		return t.Truncate(time.Minute)
	case GranularityHour:
		return t.Truncate(time.Hour)
	case GranularityDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case GranularityWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// Weeks start on Monday.
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

func nextSlot(t time.Time, g Granularity) time.Time {
	switch g {
	case GranularityMinute:
		return t.Add(time.Minute)
	case GranularityHour:
		return t.Add(time.Hour)
	case GranularityDay:
		return t.AddDate(0, 0, 1)
	case GranularityWeek:
		return t.AddDate(0, 0, 7)
	case GranularityMonth:
		return t.AddDate(0, 1, 0)
	}
	return t
}
