package pipeline

import (
	"context"
	"math/rand"
	"time"

	"github.com/banshee-data/safety.report/internal/index"
)

// DemoSource fabricates plausible normalized observations for a fixed set of
// intersections. It exists so the full scoring and persistence path can run
// in dev mode without a live normalization feed.
type DemoSource struct {
	Intersections []string
	rng           *rand.Rand
}

// NewDemoSource seeds the generator from the wall clock so repeated dev runs
// differ.
func NewDemoSource(intersections []string) *DemoSource {
	return &DemoSource{
		Intersections: intersections,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (d *DemoSource) Observations(ctx context.Context, intervalStart time.Time) (map[string]map[string]*index.NormalizedObservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]map[string]*index.NormalizedObservation, len(d.Intersections))
	for _, id := range d.Intersections {
		volume := int64(20 + d.rng.Intn(180))
		out[id] = map[string]*index.NormalizedObservation{
			"telemetry": {
				Plugin:         "telemetry",
				IntersectionID: id,
				IntervalStart:  intervalStart,
				Features: map[string]float64{
					"vehicle_risk":    d.rng.Float64(),
					"pedestrian_risk": d.rng.Float64(),
				},
				TrafficVolume: volume,
			},
			"weather": {
				Plugin:         "weather",
				IntersectionID: id,
				IntervalStart:  intervalStart,
				Features: map[string]float64{
					"precipitation": d.rng.Float64() * 0.5,
					"visibility":    d.rng.Float64() * 0.3,
					"wind":          d.rng.Float64() * 0.2,
					"temperature":   d.rng.Float64() * 0.2,
				},
				TrafficVolume: volume,
			},
		}
	}
	return out, nil
}
