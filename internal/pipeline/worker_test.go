package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/safety.report/internal/index"
	"github.com/banshee-data/safety.report/internal/timeutil"
)

type staticSource struct {
	byIntersection map[string]map[string]*index.NormalizedObservation
	err            error
	calls          int
}

func (s *staticSource) Observations(ctx context.Context, intervalStart time.Time) (map[string]map[string]*index.NormalizedObservation, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.byIntersection, nil
}

func workerFixture(t *testing.T, source ObservationSource, clock timeutil.Clock) (*IntervalWorker, *fakeBackend) {
	t.Helper()
	plugins := []index.FeaturePlugin{
		{Name: "telemetry", Kind: index.KindTelemetry, Enabled: true, Weight: 1.0},
	}
	registry, err := index.NewRegistry(plugins, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	calc := index.NewCalculator(registry, nil)

	backend := newFakeBackend("relational")
	writer := testWriter(0)
	writer.AddBackend(backend, true)

	return NewIntervalWorker(calc, writer, source, clock, time.Minute), backend
}

func telemetryObs(intersection string, at time.Time, risk float64) map[string]*index.NormalizedObservation {
	return map[string]*index.NormalizedObservation{
		"telemetry": {
			Plugin:         "telemetry",
			IntersectionID: intersection,
			IntervalStart:  at,
			Features:       map[string]float64{"vehicle_risk": risk, "pedestrian_risk": risk},
			TrafficVolume:  10,
		},
	}
}

func TestRunOnceScoresEveryIntersection(t *testing.T) {
	at := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)
	source := &staticSource{byIntersection: map[string]map[string]*index.NormalizedObservation{
		"int-041": telemetryObs("int-041", at, 0.5),
		"int-117": telemetryObs("int-117", at, 0.9),
	}}
	worker, backend := workerFixture(t, source, nil)

	if err := worker.RunOnce(context.Background(), at); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	for id, wantRisk := range map[string]float64{"int-041": 50, "int-117": 90} {
		rec, err := backend.ReadRecord(context.Background(), id, at)
		if err != nil {
			t.Fatalf("no record for %s: %v", id, err)
		}
		if rec.Composite != wantRisk {
			t.Errorf("%s composite = %v, want %v", id, rec.Composite, wantRisk)
		}
	}
}

func TestRunOncePropagatesSourceError(t *testing.T) {
	wantErr := errors.New("collector offline")
	worker, _ := workerFixture(t, &staticSource{err: wantErr}, nil)
	if err := worker.RunOnce(context.Background(), time.Now().UTC()); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestStartDrivesCyclesFromClock(t *testing.T) {
	at := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)
	source := &staticSource{byIntersection: map[string]map[string]*index.NormalizedObservation{
		"int-041": telemetryObs("int-041", at, 0.5),
	}}
	clock := timeutil.NewMockClock(at)
	worker, backend := workerFixture(t, source, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker.Start(ctx)
	defer worker.Stop()

	// Start launches its loop asynchronously, so keep advancing until the
	// ticker is registered and a cycle lands.
	deadline := time.After(2 * time.Second)
	for {
		clock.Advance(time.Minute)
		backend.mu.Lock()
		n := len(backend.records)
		backend.mu.Unlock()
		if n > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("worker never scored after a tick")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
