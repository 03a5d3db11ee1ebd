package correlate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/safety.report/internal/aggregate"
	"github.com/banshee-data/safety.report/internal/monitoring"
)

// Cache memoizes correlation results keyed by the exact query parameters.
// The sqlite store implements it.
type Cache interface {
	GetCorrelation(start, end time.Time, threshold, radius float64) (*Result, error)
	PutCorrelation(res *Result) error
}

// IntersectionDirectory names the monitored intersections and their
// coordinates for the proximity join.
type IntersectionDirectory interface {
	Intersections() []string
	Location(intersectionID string) (lat, lon float64, ok bool)
}

// StaticDirectory is a fixed in-memory IntersectionDirectory.
type StaticDirectory struct {
	Entries map[string][2]float64 // id -> {lat, lon}
}

func (d *StaticDirectory) Intersections() []string {
	ids := make([]string, 0, len(d.Entries))
	for id := range d.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *StaticDirectory) Location(id string) (float64, float64, bool) {
	loc, ok := d.Entries[id]
	return loc[0], loc[1], ok
}

// Engine joins aggregated index windows against ground-truth incidents.
type Engine struct {
	agg       *aggregate.Service
	incidents IncidentSource
	directory IntersectionDirectory
	cache     Cache
}

// NewEngine wires the correlation engine. Cache may be nil (no memoization).
func NewEngine(agg *aggregate.Service, incidents IncidentSource, directory IntersectionDirectory, cache Cache) *Engine {
	return &Engine{agg: agg, incidents: incidents, directory: directory, cache: cache}
}

// Correlate computes (or returns the memoized) correlation result for the
// exact parameter tuple. Set recompute to bypass and overwrite the cache;
// nothing expires on its own.
func (e *Engine) Correlate(ctx context.Context, start, end time.Time, threshold, radius float64, recompute bool) (*Result, error) {
	if !start.Before(end) {
		return nil, fmt.Errorf("%w: start is not before end", aggregate.ErrMalformedQuery)
	}
	if threshold < 0 || threshold > 100 {
		return nil, fmt.Errorf("%w: threshold %v outside [0,100]", aggregate.ErrMalformedQuery, threshold)
	}
	if radius <= 0 {
		return nil, fmt.Errorf("%w: proximity radius must be positive", aggregate.ErrMalformedQuery)
	}

	if e.cache != nil && !recompute {
		if hit, err := e.cache.GetCorrelation(start, end, threshold, radius); err != nil {
			monitoring.Logf("correlation cache lookup failed, recomputing: %v", err)
		} else if hit != nil {
			return hit, nil
		}
	}

	incidents, err := e.incidents.Incidents(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("ground truth: %w", err)
	}

	res := &Result{
		StartDate:       start.UTC(),
		EndDate:         end.UTC(),
		RiskThreshold:   threshold,
		ProximityRadius: radius,
		ComputedAt:      time.Now().UTC(),
	}

	var scores, incidentCounts []float64

	for _, id := range e.directory.Intersections() {
		lat, lon, ok := e.directory.Location(id)
		if !ok {
			continue
		}
		agg, err := e.agg.Query(ctx, id, start, end, "")
		if err != nil {
			if errors.Is(err, aggregate.ErrNoData) {
				continue
			}
			return nil, fmt.Errorf("aggregate %s: %w", id, err)
		}

		for _, w := range agg.Windows {
			if w.Mean == nil {
				// Empty window: no score to classify, excluded from the
				// matrix entirely rather than counted as a negative.
				continue
			}
			predicted := *w.Mean >= threshold
			n := countNearby(incidents, lat, lon, radius, w.Start, w.End)
			actual := n > 0

			switch {
			case predicted && actual:
				res.TruePositives++
			case predicted && !actual:
				res.FalsePositives++
			case !predicted && actual:
				res.FalseNegatives++
			default:
				res.TrueNegatives++
			}
			scores = append(scores, *w.Mean)
			incidentCounts = append(incidentCounts, float64(n))
		}
	}

	if res.WindowCount() == 0 {
		return nil, fmt.Errorf("%w: no aggregation windows in range", aggregate.ErrNoData)
	}

	res.Precision = ratio(res.TruePositives, res.TruePositives+res.FalsePositives)
	res.Recall = ratio(res.TruePositives, res.TruePositives+res.FalseNegatives)
	if res.Precision+res.Recall > 0 {
		res.F1 = 2 * res.Precision * res.Recall / (res.Precision + res.Recall)
	}
	res.Accuracy = ratio(res.TruePositives+res.TrueNegatives, res.WindowCount())

	if len(scores) > 1 {
		res.Pearson = safeCorrelation(scores, incidentCounts)
		res.Spearman = safeCorrelation(ranks(scores), ranks(incidentCounts))
	}

	if e.cache != nil {
		if err := e.cache.PutCorrelation(res); err != nil {
			monitoring.Logf("correlation cache store failed: %v", err)
		}
	}
	return res, nil
}

// countNearby counts incidents inside the proximity radius of (lat, lon)
// occurring within [start, end). Distance is planar over degrees, matching
// how the radius parameter is expressed by callers.
func countNearby(incidents []Incident, lat, lon, radius float64, start, end time.Time) int {
	n := 0
	for _, inc := range incidents {
		if inc.OccurredAt.Before(start) || !inc.OccurredAt.Before(end) {
			continue
		}
		dLat := inc.Latitude - lat
		dLon := inc.Longitude - lon
		if math.Sqrt(dLat*dLat+dLon*dLon) <= radius {
			n++
		}
	}
	return n
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// safeCorrelation guards against constant series, where the correlation
// coefficient is undefined; report zero instead of NaN.
func safeCorrelation(x, y []float64) float64 {
	r := stat.Correlation(x, y, nil)
	if math.IsNaN(r) {
		return 0
	}
	return r
}

// ranks converts values to ranks with ties averaged, for Spearman.
func ranks(values []float64) []float64 {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	out := make([]float64, len(values))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		// Average rank across the tie group, 1-based.
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			out[idx[k]] = avg
		}
		i = j + 1
	}
	return out
}
