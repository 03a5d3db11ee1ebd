package index

import (
	"time"

	"github.com/banshee-data/safety.report/internal/monitoring"
)

// Calculator produces one SafetyIndexRecord per (intersection, interval)
// from the observations supplied by enabled plugins. Scoring is
// deterministic for a given observation set and weight snapshot; the
// snapshot version is stamped on the record as FormulaVersion.
type Calculator struct {
	registry *Registry
	adjuster *Adjuster
}

// NewCalculator wires a calculator to its registry and EB adjuster.
// The adjuster may be nil, in which case records pass through unadjusted.
func NewCalculator(registry *Registry, adjuster *Adjuster) *Calculator {
	return &Calculator{registry: registry, adjuster: adjuster}
}

// Score computes the composite for one interval. Observations are keyed by
// plugin name; an absent entry is a zero contribution recorded in
// MissingPlugins, not an error. A plugin whose configuration fails its own
// validation is excluded for this cycle and logged; the composite is still
// produced from the remaining plugins.
func (c *Calculator) Score(intersectionID string, intervalStart time.Time, observations map[string]*NormalizedObservation) *SafetyIndexRecord {
	snap := c.registry.Snapshot()

	rec := &SafetyIndexRecord{
		IntersectionID: intersectionID,
		IntervalStart:  intervalStart.UTC().Truncate(time.Minute),
		SubIndices:     make(map[string]float64, len(snap.Plugins)),
		Contributions:  make(map[string]float64, len(snap.Plugins)),
		FormulaVersion: snap.Version,
	}

	var composite float64
	for i := range snap.Plugins {
		p := &snap.Plugins[i]

		if p.Weight < 0 || p.Weight > 1 {
			// Configuration error: drop the plugin for this cycle. The
			// next ValidateWeights run will flag the short weight sum.
			monitoring.Logf("scoring %s@%s: plugin %s excluded, weight %v outside [0,1]",
				intersectionID, rec.IntervalStart.Format(time.RFC3339), p.Name, p.Weight)
			continue
		}

		obs := observations[p.Name]
		if obs == nil {
			rec.MissingPlugins = append(rec.MissingPlugins, p.Name)
			rec.SubIndices[p.Name] = 0
			rec.Contributions[p.Name] = 0
			continue
		}

		scorer, ok := c.registry.Scorer(p.Kind)
		if !ok {
			monitoring.Logf("scoring %s: plugin %s excluded, no scorer for kind %q", intersectionID, p.Name, p.Kind)
			continue
		}
		sub, err := scorer.SubIndex(p, obs)
		if err != nil {
			monitoring.Logf("scoring %s: plugin %s excluded: %v", intersectionID, p.Name, err)
			continue
		}

		contribution := p.Weight * sub
		rec.SubIndices[p.Name] = sub
		rec.Contributions[p.Name] = contribution
		composite += contribution

		if p.Kind == KindTelemetry {
			var ts TelemetryScorer
			rec.VehicleIndex = ts.VehicleComponent(obs)
			rec.VRUIndex = ts.VRUComponent(obs)
		}
		if obs.TrafficVolume > rec.TrafficVolume {
			rec.TrafficVolume = obs.TrafficVolume
		}
	}

	rec.Composite = clampScore(composite)
	rec.EBAdjusted = rec.Composite

	if c.adjuster != nil {
		c.adjuster.Adjust(rec)
	}
	return rec
}
