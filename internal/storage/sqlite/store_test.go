package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/safety.report/internal/correlate"
	"github.com/banshee-data/safety.report/internal/index"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	return s
}

func testRecord(intersection string, at time.Time, composite float64) *index.SafetyIndexRecord {
	return &index.SafetyIndexRecord{
		IntersectionID: intersection,
		IntervalStart:  at,
		Composite:      composite,
		EBAdjusted:     composite,
		VRUIndex:       composite * 0.8,
		VehicleIndex:   composite * 1.1,
		SubIndices:     map[string]float64{"telemetry": composite},
		Contributions:  map[string]float64{"telemetry": composite * 0.6},
		TrafficVolume:  42,
		FormulaVersion: "f-1",
	}
}

func TestUpsertRecordIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)

	if err := s.UpsertRecord(ctx, testRecord("int-041", at, 55)); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	// retried write for the same interval replaces, never duplicates
	if err := s.UpsertRecord(ctx, testRecord("int-041", at, 61)); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	recs, err := s.QueryRange(ctx, "int-041", at.Add(-time.Hour), at.Add(time.Hour))
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Composite != 61 {
		t.Errorf("composite = %v, want last-write 61", recs[0].Composite)
	}
	if recs[0].SubIndices["telemetry"] != 61 {
		t.Errorf("sub_indices did not round-trip: %v", recs[0].SubIndices)
	}
	if !recs[0].IntervalStart.Equal(at) {
		t.Errorf("interval start = %v, want %v", recs[0].IntervalStart, at)
	}
}

func TestGetRecordAbsent(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRecord(context.Background(), "int-041", time.Now())
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetRecord on empty store: err = %v, want sql.ErrNoRows", err)
	}
}

func TestQueryRangeOrderingAndBounds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)

	// insert out of order
	for _, m := range []int{30, 0, 15, 60} {
		at := base.Add(time.Duration(m) * time.Minute)
		if err := s.UpsertRecord(ctx, testRecord("int-041", at, float64(m))); err != nil {
			t.Fatalf("upsert %d: %v", m, err)
		}
	}
	// other intersection must not leak in
	if err := s.UpsertRecord(ctx, testRecord("int-117", base, 99)); err != nil {
		t.Fatalf("upsert other: %v", err)
	}

	// [start, end): the 60-minute record sits on the excluded bound
	recs, err := s.QueryRange(ctx, "int-041", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if !recs[i].IntervalStart.After(recs[i-1].IntervalStart) {
			t.Errorf("records out of order at %d: %v then %v", i, recs[i-1].IntervalStart, recs[i].IntervalStart)
		}
	}
}

func TestBaselineStratum(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Wednesdays 08:00 across three weeks
	for week := 0; week < 3; week++ {
		at := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC).AddDate(0, 0, 7*week)
		if err := s.UpsertRecord(ctx, testRecord("int-041", at, 40+float64(week)*10)); err != nil {
			t.Fatalf("upsert week %d: %v", week, err)
		}
	}
	// different hour, same weekday: a separate stratum
	if err := s.UpsertRecord(ctx, testRecord("int-041", time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC), 90)); err != nil {
		t.Fatalf("upsert other hour: %v", err)
	}

	b, err := s.Baseline("int-041", 8, 3)
	if err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	if b.SampleCount != 3 {
		t.Errorf("sample count = %d, want 3", b.SampleCount)
	}
	if math.Abs(b.Mean-50) > 1e-9 {
		t.Errorf("mean = %v, want 50", b.Mean)
	}

	if _, err := s.Baseline("int-041", 12, 3); !errors.Is(err, index.ErrBaselineUnavailable) {
		t.Errorf("empty stratum: err = %v, want ErrBaselineUnavailable", err)
	}
}

func TestPluginRoundTrip(t *testing.T) {
	s := openTestStore(t)
	p := &index.FeaturePlugin{
		Name: "telemetry", Kind: index.KindTelemetry, Version: "1.2.0",
		Enabled: true, Weight: 0.6,
		Config: map[string]float64{"vehicle_weight": 0.7, "pedestrian_weight": 0.3},
	}
	if err := s.SavePlugin(p); err != nil {
		t.Fatalf("SavePlugin: %v", err)
	}
	p.Weight = 0.65
	if err := s.SavePlugin(p); err != nil {
		t.Fatalf("SavePlugin update: %v", err)
	}

	plugins, err := s.LoadPlugins()
	if err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}
	if len(plugins) != 1 {
		t.Fatalf("got %d plugins, want 1", len(plugins))
	}
	got := plugins[0]
	if got.Weight != 0.65 || got.Kind != index.KindTelemetry || !got.Enabled {
		t.Errorf("plugin did not round-trip: %+v", got)
	}
	if got.Config["vehicle_weight"] != 0.7 {
		t.Errorf("config did not round-trip: %v", got.Config)
	}
}

func TestWeightChangeAudit(t *testing.T) {
	s := openTestStore(t)
	changes := []*index.WeightChangeRecord{
		{ID: "c1", PluginName: "telemetry", OldWeight: 0.6, NewWeight: 0.7, ChangedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Actor: "ops"},
		{ID: "c2", PluginName: "weather", OldWeight: 0.4, NewWeight: 0.3, ChangedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), Actor: "ops", Reason: "rebalance"},
		{ID: "c3", PluginName: "telemetry", OldWeight: 0.7, NewWeight: 0.65, ChangedAt: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC), Actor: "ops"},
	}
	for _, c := range changes {
		if err := s.AppendWeightChange(c); err != nil {
			t.Fatalf("AppendWeightChange %s: %v", c.ID, err)
		}
	}

	all, err := s.ListWeightChanges("", 0)
	if err != nil {
		t.Fatalf("ListWeightChanges: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d changes, want 3", len(all))
	}
	if all[0].ID != "c3" {
		t.Errorf("newest first: got %s, want c3", all[0].ID)
	}

	telemetry, err := s.ListWeightChanges("telemetry", 0)
	if err != nil {
		t.Fatalf("ListWeightChanges filtered: %v", err)
	}
	if len(telemetry) != 2 {
		t.Errorf("got %d telemetry changes, want 2", len(telemetry))
	}
	if telemetry[1].Reason != "" {
		t.Errorf("unexpected reason on c1: %q", telemetry[1].Reason)
	}
}

func TestCorrelationCache(t *testing.T) {
	s := openTestStore(t)
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if hit, err := s.GetCorrelation(start, end, 75, 100); err != nil || hit != nil {
		t.Fatalf("cold cache: got (%v, %v), want (nil, nil)", hit, err)
	}

	res := &correlate.Result{
		StartDate: start, EndDate: end, RiskThreshold: 75, ProximityRadius: 100,
		TruePositives: 10, FalsePositives: 3, TrueNegatives: 80, FalseNegatives: 7,
		Precision: 10.0 / 13.0, Recall: 10.0 / 17.0, F1: 2.0 / 3.0, Accuracy: 0.9,
		Pearson: 0.42, Spearman: 0.38,
		ComputedAt: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}
	if err := s.PutCorrelation(res); err != nil {
		t.Fatalf("PutCorrelation: %v", err)
	}

	hit, err := s.GetCorrelation(start, end, 75, 100)
	if err != nil {
		t.Fatalf("GetCorrelation: %v", err)
	}
	if hit == nil {
		t.Fatal("expected cache hit")
	}
	if hit.TruePositives != 10 || math.Abs(hit.Pearson-0.42) > 1e-9 {
		t.Errorf("cached result mismatch: %+v", hit)
	}
	if !hit.ComputedAt.Equal(res.ComputedAt) {
		t.Errorf("computed_at = %v, want %v", hit.ComputedAt, res.ComputedAt)
	}

	// a different parameter tuple is a distinct entry, not a hit
	if hit, err := s.GetCorrelation(start, end, 80, 100); err != nil || hit != nil {
		t.Errorf("different threshold: got (%v, %v), want miss", hit, err)
	}

	// recomputation overwrites in place
	res.Pearson = 0.5
	res.ComputedAt = res.ComputedAt.Add(time.Hour)
	if err := s.PutCorrelation(res); err != nil {
		t.Fatalf("PutCorrelation overwrite: %v", err)
	}
	hit, err = s.GetCorrelation(start, end, 75, 100)
	if err != nil || hit == nil {
		t.Fatalf("after overwrite: (%v, %v)", hit, err)
	}
	if math.Abs(hit.Pearson-0.5) > 1e-9 {
		t.Errorf("overwrite did not take: pearson = %v", hit.Pearson)
	}
}
