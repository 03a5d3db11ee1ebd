// Package index implements the composite safety-index scoring engine:
// the feature-plugin registry, the weighted composite calculator, and the
// empirical-Bayes adjustment toward historical baselines.
package index

import (
	"encoding/json"
	"time"
)

// Score bounds for the composite safety index.
const (
	ScoreMin = 0.0
	ScoreMax = 100.0
)

// WeightSumTolerance is the allowed deviation of the enabled-plugin weight
// sum from 1.0 before ValidateWeights reports the configuration invalid.
const WeightSumTolerance = 0.01

// PluginKind identifies a compiled-in scoring plugin implementation.
// Extension means adding a kind and its Scorer here, not runtime lookup.
type PluginKind string

const (
	KindTelemetry PluginKind = "telemetry"
	KindWeather   PluginKind = "weather"
)

// FeaturePlugin is the configuration document for one scoring contributor.
// Weight is the plugin's share of the composite score and must lie in [0,1].
type FeaturePlugin struct {
	Name    string             `json:"name"`
	Kind    PluginKind         `json:"kind"`
	Version string             `json:"version"`
	Enabled bool               `json:"enabled"`
	Weight  float64            `json:"weight"`
	Config  map[string]float64 `json:"config,omitempty"`
}

// WeightChangeRecord is one entry in the immutable weight audit log.
// Records are append-only; a change never rewrites previously scored history.
type WeightChangeRecord struct {
	ID         string    `json:"id"`
	PluginName string    `json:"plugin_name"`
	OldWeight  float64   `json:"old_weight"`
	NewWeight  float64   `json:"new_weight"`
	ChangedAt  time.Time `json:"changed_at"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason"`
	// Populated after affected intervals are rescored, if ever.
	RescoredIntervals *int64   `json:"rescored_intervals,omitempty"`
	MeanScoreDelta    *float64 `json:"mean_score_delta,omitempty"`
}

// WeightValidation reports the outcome of a weight-sum check. The registry
// never renormalizes on its own; an invalid sum is flagged to the operator.
type WeightValidation struct {
	Sum     float64 `json:"sum"`
	Valid   bool    `json:"valid"`
	Message string  `json:"message"`
}

// NormalizedObservation is one plugin's contribution for one
// (intersection, interval) pair. Feature values are normalized to [0,1]
// where 1.0 means maximum risk. RawPayload keeps an audit copy of the
// upstream message.
type NormalizedObservation struct {
	Plugin         string             `json:"plugin"`
	IntersectionID string             `json:"intersection_id"`
	IntervalStart  time.Time          `json:"interval_start"`
	Features       map[string]float64 `json:"features"`
	Raw            map[string]float64 `json:"raw,omitempty"`
	TrafficVolume  int64              `json:"traffic_volume"`
	RawPayload     json.RawMessage    `json:"raw_payload,omitempty"`
}

// SafetyIndexRecord is the unit of truth produced per (intersection,
// interval). Records are immutable once written; (IntersectionID,
// IntervalStart) is the natural key and writes are idempotent upserts.
type SafetyIndexRecord struct {
	IntersectionID string    `json:"intersection_id"`
	IntervalStart  time.Time `json:"interval_start"`

	// Composite is the raw weighted score, clamped to [ScoreMin, ScoreMax].
	Composite float64 `json:"composite"`

	// EBAdjusted is the empirical-Bayes shrunk variant of Composite.
	// When EBApplied is false no baseline existed for the stratum and
	// EBAdjusted equals Composite unmodified.
	EBAdjusted float64 `json:"eb_adjusted"`
	EBApplied  bool    `json:"eb_applied"`

	// VRUIndex and VehicleIndex are the telemetry plugin's component
	// scores (vulnerable road users and vehicles), kept as first-class
	// columns because the export format and dashboards consume them.
	VRUIndex     float64 `json:"vru_index"`
	VehicleIndex float64 `json:"vehicle_index"`

	// SubIndices holds each contributing plugin's sub-index on the
	// composite scale. Contributions holds weight x sub-index per plugin.
	SubIndices    map[string]float64 `json:"sub_indices"`
	Contributions map[string]float64 `json:"contributions"`

	// MissingPlugins names enabled plugins that produced no observation
	// for this interval (zero contribution, not an error).
	MissingPlugins []string `json:"missing_plugins,omitempty"`

	TrafficVolume int64 `json:"traffic_volume"`

	// FormulaVersion identifies the weight snapshot and plugin set that
	// produced this record, for reproducibility audits.
	FormulaVersion string `json:"formula_version"`
}

// HourOfDay returns the record's interval hour in UTC, as exported.
func (r *SafetyIndexRecord) HourOfDay() int {
	return r.IntervalStart.UTC().Hour()
}

// DayOfWeek returns the record's interval weekday in UTC (0 = Sunday).
func (r *SafetyIndexRecord) DayOfWeek() int {
	return int(r.IntervalStart.UTC().Weekday())
}

func clampScore(v float64) float64 {
	if v < ScoreMin {
		return ScoreMin
	}
	if v > ScoreMax {
		return ScoreMax
	}
	return v
}
