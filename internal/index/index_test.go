package index

import (
	"math"
	"testing"
	"time"
)

// memAudit is an in-memory WeightChangeStore for registry tests.
type memAudit struct {
	changes []*WeightChangeRecord
}

func (m *memAudit) AppendWeightChange(rec *WeightChangeRecord) error {
	m.changes = append(m.changes, rec)
	return nil
}

func (m *memAudit) ListWeightChanges(pluginName string, limit int) ([]*WeightChangeRecord, error) {
	var out []*WeightChangeRecord
	for i := len(m.changes) - 1; i >= 0; i-- {
		if pluginName != "" && m.changes[i].PluginName != pluginName {
			continue
		}
		out = append(out, m.changes[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func defaultPlugins() []FeaturePlugin {
	return []FeaturePlugin{
		{Name: "telemetry", Kind: KindTelemetry, Version: "1.0.0", Enabled: true, Weight: 0.6},
		{Name: "weather", Kind: KindWeather, Version: "1.0.0", Enabled: true, Weight: 0.4},
	}
}

func obs(plugin, intersection string, at time.Time, features map[string]float64, volume int64) *NormalizedObservation {
	return &NormalizedObservation{
		Plugin:         plugin,
		IntersectionID: intersection,
		IntervalStart:  at,
		Features:       features,
		TrafficVolume:  volume,
	}
}

func TestValidateWeights(t *testing.T) {
	tests := []struct {
		name    string
		weights [2]float64 // telemetry, weather
		valid   bool
	}{
		{"exact", [2]float64{0.6, 0.4}, true},
		{"within tolerance high", [2]float64{0.605, 0.4}, true},
		{"within tolerance low", [2]float64{0.595, 0.4}, true},
		{"outside tolerance high", [2]float64{0.62, 0.4}, false},
		{"outside tolerance low", [2]float64{0.5, 0.4}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plugins := defaultPlugins()
			plugins[0].Weight = tc.weights[0]
			plugins[1].Weight = tc.weights[1]
			r, err := NewRegistry(plugins, &memAudit{})
			if err != nil {
				t.Fatalf("NewRegistry: %v", err)
			}
			v := r.ValidateWeights()
			if v.Valid != tc.valid {
				t.Errorf("ValidateWeights() valid=%v (sum=%v), want %v", v.Valid, v.Sum, tc.valid)
			}
			wantSum := tc.weights[0] + tc.weights[1]
			if math.Abs(v.Sum-wantSum) > 1e-9 {
				t.Errorf("ValidateWeights() sum=%v, want %v", v.Sum, wantSum)
			}
		})
	}
}

func TestValidateWeightsIgnoresDisabled(t *testing.T) {
	plugins := defaultPlugins()
	plugins[1].Enabled = false
	plugins[0].Weight = 1.0
	r, err := NewRegistry(plugins, &memAudit{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if v := r.ValidateWeights(); !v.Valid {
		t.Errorf("disabled plugin counted toward sum: %+v", v)
	}
}

func TestRecordWeightChange(t *testing.T) {
	audit := &memAudit{}
	r, err := NewRegistry(defaultPlugins(), audit)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	before := r.Snapshot()
	rec, err := r.RecordWeightChange("telemetry", 0.7, "ops@example.com", "seasonal recalibration")
	if err != nil {
		t.Fatalf("RecordWeightChange: %v", err)
	}
	if rec.OldWeight != 0.6 || rec.NewWeight != 0.7 {
		t.Errorf("change record weights = %v -> %v, want 0.6 -> 0.7", rec.OldWeight, rec.NewWeight)
	}
	if len(audit.changes) != 1 {
		t.Fatalf("audit log has %d entries, want 1", len(audit.changes))
	}

	after := r.Snapshot()
	if after.Version == before.Version {
		t.Error("snapshot version did not change after weight update")
	}

	// the audit write happens before the in-memory swap; failed validation
	// must not touch either
	if _, err := r.RecordWeightChange("telemetry", 1.5, "ops@example.com", "bad"); err == nil {
		t.Error("expected error for weight outside [0,1]")
	}
	if len(audit.changes) != 1 {
		t.Errorf("rejected change reached the audit log")
	}
}

func TestRecordWeightChangeUnknownPlugin(t *testing.T) {
	r, err := NewRegistry(defaultPlugins(), &memAudit{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := r.RecordWeightChange("nope", 0.5, "ops", ""); err == nil {
		t.Error("expected error for unknown plugin")
	}
}

func TestCalculatorScore(t *testing.T) {
	r, err := NewRegistry(defaultPlugins(), &memAudit{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	calc := NewCalculator(r, nil)
	at := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC) // Wednesday 08:00

	rec := calc.Score("int-041", at, map[string]*NormalizedObservation{
		"telemetry": obs("telemetry", "int-041", at, map[string]float64{
			"vehicle_risk":    0.8,
			"pedestrian_risk": 0.4,
		}, 120),
		"weather": obs("weather", "int-041", at, map[string]float64{
			"precipitation": 0.2,
			"visibility":    0.1,
			"wind":          0.0,
			"temperature":   0.1,
		}, 120),
	})

	// telemetry sub = (0.5*0.8 + 0.5*0.4) * 100 = 60
	// weather sub   = 0.25*(0.2+0.1+0+0.1) * 100 = 10
	wantTelemetry := 60.0
	wantWeather := 10.0
	wantComposite := 0.6*wantTelemetry + 0.4*wantWeather

	if got := rec.SubIndices["telemetry"]; math.Abs(got-wantTelemetry) > 1e-9 {
		t.Errorf("telemetry sub-index = %v, want %v", got, wantTelemetry)
	}
	if got := rec.SubIndices["weather"]; math.Abs(got-wantWeather) > 1e-9 {
		t.Errorf("weather sub-index = %v, want %v", got, wantWeather)
	}
	if math.Abs(rec.Composite-wantComposite) > 1e-9 {
		t.Errorf("composite = %v, want %v", rec.Composite, wantComposite)
	}
	if got := rec.Contributions["telemetry"]; math.Abs(got-0.6*wantTelemetry) > 1e-9 {
		t.Errorf("telemetry contribution = %v, want %v", got, 0.6*wantTelemetry)
	}
	if rec.VehicleIndex != 80 || rec.VRUIndex != 40 {
		t.Errorf("vehicle/vru indices = %v/%v, want 80/40", rec.VehicleIndex, rec.VRUIndex)
	}
	if rec.TrafficVolume != 120 {
		t.Errorf("traffic volume = %d, want 120", rec.TrafficVolume)
	}
	if rec.FormulaVersion != r.Snapshot().Version {
		t.Errorf("formula version = %q, want snapshot version %q", rec.FormulaVersion, r.Snapshot().Version)
	}
	if rec.HourOfDay() != 8 || rec.DayOfWeek() != 3 {
		t.Errorf("stratum = hour %d weekday %d, want 8/3", rec.HourOfDay(), rec.DayOfWeek())
	}
	if len(rec.MissingPlugins) != 0 {
		t.Errorf("unexpected missing plugins: %v", rec.MissingPlugins)
	}
}

func TestCalculatorMissingObservation(t *testing.T) {
	r, err := NewRegistry(defaultPlugins(), &memAudit{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	calc := NewCalculator(r, nil)
	at := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)

	rec := calc.Score("int-041", at, map[string]*NormalizedObservation{
		"telemetry": obs("telemetry", "int-041", at, map[string]float64{
			"vehicle_risk":    1.0,
			"pedestrian_risk": 1.0,
		}, 50),
	})

	if len(rec.MissingPlugins) != 1 || rec.MissingPlugins[0] != "weather" {
		t.Fatalf("missing plugins = %v, want [weather]", rec.MissingPlugins)
	}
	if rec.Contributions["weather"] != 0 {
		t.Errorf("missing plugin contribution = %v, want 0", rec.Contributions["weather"])
	}
	// composite still produced from the plugin that did report
	if math.Abs(rec.Composite-60) > 1e-9 {
		t.Errorf("composite = %v, want 60", rec.Composite)
	}
}

func TestCalculatorClampsExtremes(t *testing.T) {
	plugins := defaultPlugins()
	plugins[0].Weight = 1.0
	plugins[1].Weight = 1.0 // deliberately over-weighted
	r, err := NewRegistry(plugins, &memAudit{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	calc := NewCalculator(r, nil)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rec := calc.Score("int-041", at, map[string]*NormalizedObservation{
		"telemetry": obs("telemetry", "int-041", at, map[string]float64{
			"vehicle_risk": 1.0, "pedestrian_risk": 1.0,
		}, 10),
		"weather": obs("weather", "int-041", at, map[string]float64{
			"precipitation": 1.0, "visibility": 1.0, "wind": 1.0, "temperature": 1.0,
		}, 10),
	})
	if rec.Composite != ScoreMax {
		t.Errorf("composite = %v, want clamped to %v", rec.Composite, ScoreMax)
	}
}

func TestScorerRejectsOutOfRangeFeature(t *testing.T) {
	p := &FeaturePlugin{Name: "telemetry", Kind: KindTelemetry, Weight: 0.6}
	o := obs("telemetry", "int-041", time.Now(), map[string]float64{
		"vehicle_risk": 1.2, "pedestrian_risk": 0.5,
	}, 0)
	if _, err := (TelemetryScorer{}).SubIndex(p, o); err == nil {
		t.Error("expected error for feature value outside [0,1]")
	}
}

func TestAdjusterShrinkage(t *testing.T) {
	src := NewStaticBaselines()
	src.Set("int-041", 8, 3, Baseline{Mean: 40, SampleCount: 90})
	adj := NewAdjuster(src, 30)

	rec := &SafetyIndexRecord{
		IntersectionID: "int-041",
		IntervalStart:  time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC),
		Composite:      70,
	}
	adj.Adjust(rec)

	// adjusted = 40 + (70-40) * 90/120 = 62.5
	if !rec.EBApplied {
		t.Fatal("EBApplied = false, want true")
	}
	if math.Abs(rec.EBAdjusted-62.5) > 1e-9 {
		t.Errorf("EBAdjusted = %v, want 62.5", rec.EBAdjusted)
	}
	if rec.Composite != 70 {
		t.Errorf("raw composite mutated to %v", rec.Composite)
	}
}

func TestAdjusterPassThroughWithoutBaseline(t *testing.T) {
	adj := NewAdjuster(NewStaticBaselines(), 30)
	rec := &SafetyIndexRecord{
		IntersectionID: "int-new",
		IntervalStart:  time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC),
		Composite:      55,
	}
	adj.Adjust(rec)
	if rec.EBApplied {
		t.Error("EBApplied = true for a stratum with no history")
	}
	if rec.EBAdjusted != 55 {
		t.Errorf("EBAdjusted = %v, want raw composite 55", rec.EBAdjusted)
	}
}

func TestAdjusterLargeSampleConverges(t *testing.T) {
	src := NewStaticBaselines()
	src.Set("int-041", 8, 3, Baseline{Mean: 40, SampleCount: 1_000_000})
	adj := NewAdjuster(src, 30)
	rec := &SafetyIndexRecord{
		IntersectionID: "int-041",
		IntervalStart:  time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC),
		Composite:      70,
	}
	adj.Adjust(rec)
	if math.Abs(rec.EBAdjusted-70) > 0.01 {
		t.Errorf("large-sample adjusted = %v, want ~70 (raw)", rec.EBAdjusted)
	}
}
