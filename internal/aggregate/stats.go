package aggregate

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Summary holds range-level statistics for the stats endpoint.
type Summary struct {
	IntersectionID    string    `json:"intersection_id"`
	Start             time.Time `json:"start"`
	End               time.Time `json:"end"`
	IntervalCount     int64     `json:"interval_count"`
	AvgSafetyIndex    float64   `json:"avg_safety_index"`
	MinSafetyIndex    float64   `json:"min_safety_index"`
	MaxSafetyIndex    float64   `json:"max_safety_index"`
	StdSafetyIndex    float64   `json:"std_safety_index"`
	TotalVolume       int64     `json:"total_volume"`
	AvgVolume         float64   `json:"avg_volume"`
	HighRiskIntervals int64     `json:"high_risk_intervals"`
}

// Stats summarizes the 1-minute records in [start, end). Same validation
// and no-data semantics as Query.
func (s *Service) Stats(ctx context.Context, intersectionID string, start, end time.Time) (*Summary, error) {
	if intersectionID == "" {
		return nil, fmt.Errorf("%w: intersection id is required", ErrMalformedQuery)
	}
	if !start.Before(end) {
		return nil, fmt.Errorf("%w: start %s is not before end %s", ErrMalformedQuery, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	records, err := s.fetch(ctx, intersectionID, start, end)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: intersection %s has no records in [%s, %s)",
			ErrNoData, intersectionID, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	scores := make([]float64, len(records))
	sum := &Summary{
		IntersectionID: intersectionID,
		Start:          start.UTC(),
		End:            end.UTC(),
		IntervalCount:  int64(len(records)),
		MinSafetyIndex: records[0].Composite,
		MaxSafetyIndex: records[0].Composite,
	}
	for i, rec := range records {
		scores[i] = rec.Composite
		sum.TotalVolume += rec.TrafficVolume
		if rec.Composite < sum.MinSafetyIndex {
			sum.MinSafetyIndex = rec.Composite
		}
		if rec.Composite > sum.MaxSafetyIndex {
			sum.MaxSafetyIndex = rec.Composite
		}
		if rec.Composite > s.riskThreshold {
			sum.HighRiskIntervals++
		}
	}
	sum.AvgSafetyIndex = stat.Mean(scores, nil)
	if len(scores) > 1 {
		sum.StdSafetyIndex = stat.StdDev(scores, nil)
	}
	sum.AvgVolume = float64(sum.TotalVolume) / float64(len(records))
	return sum, nil
}
