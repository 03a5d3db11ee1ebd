package index

import (
	"errors"
	"time"

	"github.com/banshee-data/safety.report/internal/monitoring"
)

// ErrBaselineUnavailable reports that no historical baseline exists for a
// stratum. It is a pass-through condition, never a pipeline failure.
var ErrBaselineUnavailable = errors.New("no baseline for stratum")

// Baseline is the historical prior for one (intersection, hour-of-day,
// day-of-week) stratum: the long-run mean composite and the number of
// intervals it was estimated from.
type Baseline struct {
	Mean        float64
	SampleCount int64
}

// BaselineSource supplies per-stratum historical baselines. Implementations
// return ErrBaselineUnavailable when a stratum has no history (new
// intersection, insufficient data).
type BaselineSource interface {
	Baseline(intersectionID string, hourOfDay, dayOfWeek int) (Baseline, error)
}

// DefaultPriorStrength is the default prior-strength constant k in the
// shrinkage formula adjusted = baseline + (raw-baseline) * n/(n+k).
const DefaultPriorStrength = 30.0

// Adjuster shrinks raw composites toward historical stratum baselines in
// proportion to sample-size confidence, damping small-sample noise.
type Adjuster struct {
	source BaselineSource
	k      float64
}

// NewAdjuster builds an adjuster over a baseline source. A priorStrength
// of zero or below falls back to DefaultPriorStrength.
func NewAdjuster(source BaselineSource, priorStrength float64) *Adjuster {
	if priorStrength <= 0 {
		priorStrength = DefaultPriorStrength
	}
	return &Adjuster{source: source, k: priorStrength}
}

// Adjust applies empirical-Bayes shrinkage in place. When the stratum has
// no baseline the record passes through with EBApplied=false and EBAdjusted
// equal to the raw composite, which is distinct and visible to consumers.
func (a *Adjuster) Adjust(rec *SafetyIndexRecord) {
	if a == nil || a.source == nil {
		rec.EBAdjusted = rec.Composite
		rec.EBApplied = false
		return
	}

	b, err := a.source.Baseline(rec.IntersectionID, rec.HourOfDay(), rec.DayOfWeek())
	if err != nil {
		if !errors.Is(err, ErrBaselineUnavailable) {
			monitoring.Logf("eb adjust %s@%s: baseline lookup failed: %v",
				rec.IntersectionID, rec.IntervalStart.Format(time.RFC3339), err)
		}
		rec.EBAdjusted = rec.Composite
		rec.EBApplied = false
		return
	}

	n := float64(b.SampleCount)
	rec.EBAdjusted = clampScore(b.Mean + (rec.Composite-b.Mean)*n/(n+a.k))
	rec.EBApplied = true
}

// StaticBaselines is an in-memory BaselineSource keyed by
// intersection/hour/weekday, used by tests and warm-start tooling.
type StaticBaselines struct {
	entries map[baselineKey]Baseline
}

type baselineKey struct {
	intersection string
	hour         int
	weekday      int
}

// NewStaticBaselines returns an empty in-memory baseline source.
func NewStaticBaselines() *StaticBaselines {
	return &StaticBaselines{entries: make(map[baselineKey]Baseline)}
}

// Set stores a baseline for a stratum.
func (s *StaticBaselines) Set(intersectionID string, hourOfDay, dayOfWeek int, b Baseline) {
	s.entries[baselineKey{intersectionID, hourOfDay, dayOfWeek}] = b
}

// Baseline implements BaselineSource.
func (s *StaticBaselines) Baseline(intersectionID string, hourOfDay, dayOfWeek int) (Baseline, error) {
	b, ok := s.entries[baselineKey{intersectionID, hourOfDay, dayOfWeek}]
	if !ok {
		return Baseline{}, ErrBaselineUnavailable
	}
	return b, nil
}
