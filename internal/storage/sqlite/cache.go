package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/safety.report/internal/correlate"
)

// GetCorrelation looks up a memoized correlation result for the exact
// query parameters. Returns (nil, nil) on a cache miss.
func (s *Store) GetCorrelation(start, end time.Time, threshold, radius float64) (*correlate.Result, error) {
	var res correlate.Result
	var computedAt int64
	err := s.QueryRow(`
		SELECT true_positives, false_positives, true_negatives, false_negatives,
		       precision, recall, f1, accuracy, pearson, spearman, computed_at
		FROM correlation_cache
		WHERE start_unix = ? AND end_unix = ? AND risk_threshold = ? AND proximity_radius = ?`,
		start.UTC().Unix(), end.UTC().Unix(), threshold, radius).Scan(
		&res.TruePositives, &res.FalsePositives, &res.TrueNegatives, &res.FalseNegatives,
		&res.Precision, &res.Recall, &res.F1, &res.Accuracy,
		&res.Pearson, &res.Spearman, &computedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("correlation cache lookup: %w", err)
	}
	res.StartDate = start.UTC()
	res.EndDate = end.UTC()
	res.RiskThreshold = threshold
	res.ProximityRadius = radius
	res.ComputedAt = time.Unix(computedAt, 0).UTC()
	return &res, nil
}

// PutCorrelation memoizes a correlation result, replacing any previous
// entry for the same parameters (explicit recomputation overwrites).
func (s *Store) PutCorrelation(res *correlate.Result) error {
	return retryOnBusy(func() error {
		_, err := s.Exec(`
			INSERT INTO correlation_cache (
				start_unix, end_unix, risk_threshold, proximity_radius,
				true_positives, false_positives, true_negatives, false_negatives,
				precision, recall, f1, accuracy, pearson, spearman, computed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (start_unix, end_unix, risk_threshold, proximity_radius) DO UPDATE SET
				true_positives = excluded.true_positives,
				false_positives = excluded.false_positives,
				true_negatives = excluded.true_negatives,
				false_negatives = excluded.false_negatives,
				precision = excluded.precision,
				recall = excluded.recall,
				f1 = excluded.f1,
				accuracy = excluded.accuracy,
				pearson = excluded.pearson,
				spearman = excluded.spearman,
				computed_at = excluded.computed_at`,
			res.StartDate.UTC().Unix(), res.EndDate.UTC().Unix(), res.RiskThreshold, res.ProximityRadius,
			res.TruePositives, res.FalsePositives, res.TrueNegatives, res.FalseNegatives,
			res.Precision, res.Recall, res.F1, res.Accuracy,
			res.Pearson, res.Spearman, res.ComputedAt.UTC().Unix())
		return err
	})
}
