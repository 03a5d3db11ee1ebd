// Package correlate benchmarks the safety index against an external
// ground-truth incident dataset: classification metrics over aggregation
// windows plus rank and linear correlation, memoized per exact query.
package correlate

import "time"

// Incident is one ground-truth crash record from the external dataset.
type Incident struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Severity   string    `json:"severity,omitempty"`
}

// Result is the memoized outcome of one correlation query. The cache key
// is the exact four input parameters; there is no partial reuse and no
// TTL, recomputation is explicit.
type Result struct {
	StartDate       time.Time `json:"start_date"`
	EndDate         time.Time `json:"end_date"`
	RiskThreshold   float64   `json:"risk_threshold"`
	ProximityRadius float64   `json:"proximity_radius"`

	TruePositives  int64 `json:"true_positives"`
	FalsePositives int64 `json:"false_positives"`
	TrueNegatives  int64 `json:"true_negatives"`
	FalseNegatives int64 `json:"false_negatives"`

	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Accuracy  float64 `json:"accuracy"`

	Pearson  float64 `json:"pearson"`
	Spearman float64 `json:"spearman"`

	ComputedAt time.Time `json:"computed_at"`
}

// WindowCount is the total number of windows that entered the confusion
// matrix; every window lands in exactly one cell.
func (r *Result) WindowCount() int64 {
	return r.TruePositives + r.FalsePositives + r.TrueNegatives + r.FalseNegatives
}
