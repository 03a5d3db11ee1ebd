package index

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/safety.report/internal/monitoring"
)

// WeightChangeStore persists the immutable weight audit log. The sqlite
// store implements this; tests use an in-memory one.
type WeightChangeStore interface {
	AppendWeightChange(rec *WeightChangeRecord) error
	ListWeightChanges(pluginName string, limit int) ([]*WeightChangeRecord, error)
}

// WeightSnapshot is an immutable view of the enabled plugin set and their
// weights at a point in time. Every scoring cycle reads exactly one
// snapshot, so a concurrent weight change can never be observed half
// applied. Version becomes the FormulaVersion on records scored under it.
type WeightSnapshot struct {
	Version string
	TakenAt time.Time
	Plugins []FeaturePlugin // enabled only, sorted by name, copied
}

// Weight returns the snapshot weight for a plugin name.
func (s *WeightSnapshot) Weight(name string) (float64, bool) {
	for i := range s.Plugins {
		if s.Plugins[i].Name == name {
			return s.Plugins[i].Weight, true
		}
	}
	return 0, false
}

// Registry holds the configured feature plugins and their live weights.
// Mutation happens only through RecordWeightChange and SetEnabled, each of
// which swaps in a fresh snapshot atomically.
type Registry struct {
	mu       sync.RWMutex
	plugins  map[string]*FeaturePlugin
	scorers  map[PluginKind]Scorer
	snapshot *WeightSnapshot
	audit    WeightChangeStore
}

// NewRegistry builds a registry over the given plugin configurations with
// the compiled-in scorers registered. Audit may be nil for read-only use;
// RecordWeightChange then fails.
func NewRegistry(plugins []FeaturePlugin, audit WeightChangeStore) (*Registry, error) {
	r := &Registry{
		plugins: make(map[string]*FeaturePlugin, len(plugins)),
		scorers: map[PluginKind]Scorer{
			KindTelemetry: TelemetryScorer{},
			KindWeather:   WeatherScorer{},
		},
		audit: audit,
	}
	for i := range plugins {
		p := plugins[i]
		if p.Name == "" {
			return nil, fmt.Errorf("plugin with empty name")
		}
		if _, dup := r.plugins[p.Name]; dup {
			return nil, fmt.Errorf("duplicate plugin name %q", p.Name)
		}
		if _, ok := r.scorers[p.Kind]; !ok {
			return nil, fmt.Errorf("plugin %q: unknown kind %q", p.Name, p.Kind)
		}
		r.plugins[p.Name] = &p
	}
	r.snapshot = r.buildSnapshotLocked()
	return r, nil
}

// Scorer returns the compiled-in scorer for a plugin kind.
func (r *Registry) Scorer(kind PluginKind) (Scorer, bool) {
	s, ok := r.scorers[kind]
	return s, ok
}

// ListEnabled returns the enabled plugins ordered by name.
func (r *Registry) ListEnabled() []FeaturePlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []FeaturePlugin
	for _, p := range r.plugins {
		if p.Enabled {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListAll returns every configured plugin ordered by name.
func (r *Registry) ListAll() []FeaturePlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FeaturePlugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot returns the current immutable weight snapshot.
func (r *Registry) Snapshot() *WeightSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// ValidateWeights checks that enabled weights sum to 1.0 within
// WeightSumTolerance. It reports; it never corrects.
func (r *Registry) ValidateWeights() WeightValidation {
	enabled := r.ListEnabled()
	var sum float64
	for _, p := range enabled {
		sum += p.Weight
	}
	v := WeightValidation{Sum: sum}
	if math.Abs(sum-1.0) <= WeightSumTolerance {
		v.Valid = true
		v.Message = fmt.Sprintf("weights sum to %.4f across %d enabled plugins", sum, len(enabled))
	} else {
		v.Message = fmt.Sprintf("weights sum to %.4f, expected 1.0 +/- %.2f; adjust plugin weights", sum, WeightSumTolerance)
	}
	return v
}

// RecordWeightChange appends an immutable audit record and swaps the live
// weight used by subsequent scoring cycles. Previously written records are
// never touched; new intervals simply score under the new FormulaVersion.
func (r *Registry) RecordWeightChange(pluginName string, newWeight float64, actor, reason string) (*WeightChangeRecord, error) {
	if newWeight < 0 || newWeight > 1 {
		return nil, fmt.Errorf("weight %v outside [0,1]", newWeight)
	}
	if r.audit == nil {
		return nil, fmt.Errorf("registry has no weight audit store")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[pluginName]
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q", pluginName)
	}

	rec := &WeightChangeRecord{
		ID:         uuid.New().String(),
		PluginName: pluginName,
		OldWeight:  p.Weight,
		NewWeight:  newWeight,
		ChangedAt:  time.Now().UTC(),
		Actor:      actor,
		Reason:     reason,
	}
	if err := r.audit.AppendWeightChange(rec); err != nil {
		return nil, fmt.Errorf("append weight change: %w", err)
	}

	p.Weight = newWeight
	r.snapshot = r.buildSnapshotLocked()
	monitoring.Logf("weight change: plugin=%s %0.3f -> %0.3f actor=%s formula=%s",
		pluginName, rec.OldWeight, rec.NewWeight, actor, r.snapshot.Version)
	return rec, nil
}

// SetEnabled flips a plugin's enabled flag and swaps a new snapshot.
func (r *Registry) SetEnabled(pluginName string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[pluginName]
	if !ok {
		return fmt.Errorf("unknown plugin %q", pluginName)
	}
	if p.Enabled == enabled {
		return nil
	}
	p.Enabled = enabled
	r.snapshot = r.buildSnapshotLocked()
	return nil
}

func (r *Registry) buildSnapshotLocked() *WeightSnapshot {
	snap := &WeightSnapshot{
		Version: uuid.New().String(),
		TakenAt: time.Now().UTC(),
	}
	for _, p := range r.plugins {
		if p.Enabled {
			snap.Plugins = append(snap.Plugins, *p)
		}
	}
	sort.Slice(snap.Plugins, func(i, j int) bool { return snap.Plugins[i].Name < snap.Plugins[j].Name })
	return snap
}
