package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/banshee-data/safety.report/internal/index"
	"github.com/banshee-data/safety.report/internal/monitoring"
	"github.com/banshee-data/safety.report/internal/timeutil"
)

// ObservationSource supplies the already-normalized observations for one
// collection interval, keyed by intersection then by plugin name. Upstream
// decoding of the raw telemetry protocol happens outside this system.
type ObservationSource interface {
	Observations(ctx context.Context, intervalStart time.Time) (map[string]map[string]*index.NormalizedObservation, error)
}

// IntervalWorker runs one scoring cycle per collection interval: pull
// observations, score each intersection, fan the records out. For a single
// intersection successive intervals are scored and written in order;
// records for different intersections carry no mutual ordering guarantee.
type IntervalWorker struct {
	calc   *index.Calculator
	writer *MultiWriter
	source ObservationSource
	clock  timeutil.Clock
	period time.Duration
	stop   chan struct{}
}

// NewIntervalWorker wires a worker. A nil clock uses the real one.
func NewIntervalWorker(calc *index.Calculator, writer *MultiWriter, source ObservationSource, clock timeutil.Clock, period time.Duration) *IntervalWorker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if period <= 0 {
		period = time.Minute
	}
	return &IntervalWorker{
		calc:   calc,
		writer: writer,
		source: source,
		clock:  clock,
		period: period,
		stop:   make(chan struct{}),
	}
}

// Start runs the cycle loop in a goroutine until Stop or ctx cancellation.
func (w *IntervalWorker) Start(ctx context.Context) {
	go func() {
		ticker := w.clock.NewTicker(w.period)
		defer ticker.Stop()
		for {
			select {
			case tick := <-ticker.C():
				interval := tick.UTC().Truncate(w.period)
				if err := w.RunOnce(ctx, interval); err != nil {
					monitoring.Logf("scoring cycle %s failed: %v", interval.Format(time.RFC3339), err)
				}
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop requests the worker loop to exit.
func (w *IntervalWorker) Stop() {
	close(w.stop)
}

// RunOnce scores and persists every intersection for one interval.
// Intersections are processed in stable order; per-intersection the cycle
// is serialized, which preserves interval order in the relational store.
func (w *IntervalWorker) RunOnce(ctx context.Context, intervalStart time.Time) error {
	byIntersection, err := w.source.Observations(ctx, intervalStart)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(byIntersection))
	for id := range byIntersection {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec := w.calc.Score(id, intervalStart, byIntersection[id])
		outcome := w.writer.Write(ctx, rec)
		if failures := outcome.Failures(); failures > 0 {
			monitoring.Logf("cycle %s intersection %s: %d/%d destinations failed",
				intervalStart.Format(time.RFC3339), id, failures, len(outcome.Results))
		}
	}
	return nil
}
