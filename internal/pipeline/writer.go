package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/safety.report/internal/index"
	"github.com/banshee-data/safety.report/internal/monitoring"
)

// Backend is one persistence destination for scored intervals. All three
// implementations (relational, columnar, archive) use idempotent upsert
// semantics on the (intersection, interval) natural key.
type Backend interface {
	Name() string
	WriteRecord(ctx context.Context, rec *index.SafetyIndexRecord) error
	ReadRecord(ctx context.Context, intersectionID string, intervalStart time.Time) (*index.SafetyIndexRecord, error)
}

// BackendStatus is the per-destination outcome of one write.
type BackendStatus string

const (
	StatusSuccess BackendStatus = "success"
	StatusFailure BackendStatus = "failure"
	StatusSkipped BackendStatus = "skipped" // backend disabled by config
)

// BackendResult reports one destination's outcome.
type BackendResult struct {
	Backend  string        `json:"backend"`
	Status   BackendStatus `json:"status"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// WriteOutcome aggregates the independent per-backend results for one
// record. There is no cross-backend transaction: one failure never blocks
// or rolls back another destination's success.
type WriteOutcome struct {
	IntersectionID string          `json:"intersection_id"`
	IntervalStart  time.Time       `json:"interval_start"`
	Results        []BackendResult `json:"results"`
}

// Successes counts destinations that committed the record.
func (o *WriteOutcome) Successes() int { return o.count(StatusSuccess) }

// Failures counts destinations that did not.
func (o *WriteOutcome) Failures() int { return o.count(StatusFailure) }

// Skipped counts destinations disabled by configuration.
func (o *WriteOutcome) Skipped() int { return o.count(StatusSkipped) }

func (o *WriteOutcome) count(s BackendStatus) int {
	n := 0
	for _, r := range o.Results {
		if r.Status == s {
			n++
		}
	}
	return n
}

// BackendStats are running write counters per destination.
type BackendStats struct {
	Attempts  int64 `json:"attempts"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Skipped   int64 `json:"skipped"`
}

// DifferenceReport is the result of comparing one logical record across
// two destinations.
type DifferenceReport struct {
	BackendA string `json:"backend_a"`
	BackendB string `json:"backend_b"`
	Match    bool   `json:"match"`
	// MissingIn names backends that have no record for the key.
	MissingIn []string `json:"missing_in,omitempty"`
	// Diff is a human-readable field-level difference, empty on match.
	Diff string `json:"diff,omitempty"`
}

type registeredBackend struct {
	backend Backend
	enabled bool
}

// MultiWriter fans each scored record out to every registered destination
// concurrently, each write with its own timeout and retry budget.
type MultiWriter struct {
	backends []registeredBackend
	timeout  time.Duration
	retries  int

	mu    sync.Mutex
	stats map[string]*BackendStats
}

// NewMultiWriter builds a writer from the pipeline config's timeout and
// retry budget. Register destinations with AddBackend in write order of
// the outcome report.
func NewMultiWriter(cfg *Config) *MultiWriter {
	return &MultiWriter{
		timeout: cfg.GetBackendTimeout(),
		retries: cfg.GetWriteRetries(),
		stats:   make(map[string]*BackendStats),
	}
}

// AddBackend registers a destination with its feature flag.
func (w *MultiWriter) AddBackend(b Backend, enabled bool) {
	w.backends = append(w.backends, registeredBackend{backend: b, enabled: enabled})
	w.mu.Lock()
	w.stats[b.Name()] = &BackendStats{}
	w.mu.Unlock()
}

// Backend returns a registered backend by name.
func (w *MultiWriter) Backend(name string) (Backend, bool) {
	for _, rb := range w.backends {
		if rb.backend.Name() == name {
			return rb.backend, true
		}
	}
	return nil, false
}

// Write commits rec to every enabled destination in parallel and returns
// once each has succeeded, failed, or been skipped. A slow backend is cut
// off by its own timeout and cannot delay the others beyond theirs.
func (w *MultiWriter) Write(ctx context.Context, rec *index.SafetyIndexRecord) WriteOutcome {
	results := make([]BackendResult, len(w.backends))
	var wg sync.WaitGroup

	for i, rb := range w.backends {
		if !rb.enabled {
			results[i] = BackendResult{Backend: rb.backend.Name(), Status: StatusSkipped}
			continue
		}
		wg.Add(1)
		go func(i int, b Backend) {
			defer wg.Done()
			results[i] = w.writeOne(ctx, b, rec)
		}(i, rb.backend)
	}
	wg.Wait()

	outcome := WriteOutcome{
		IntersectionID: rec.IntersectionID,
		IntervalStart:  rec.IntervalStart,
		Results:        results,
	}
	w.recordStats(outcome)
	return outcome
}

func (w *MultiWriter) writeOne(ctx context.Context, b Backend, rec *index.SafetyIndexRecord) BackendResult {
	res := BackendResult{Backend: b.Name()}
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= w.retries; attempt++ {
		res.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, w.timeout)
		lastErr = b.WriteRecord(attemptCtx, rec)
		cancel()
		if lastErr == nil {
			res.Status = StatusSuccess
			res.Duration = time.Since(start)
			return res
		}
		if ctx.Err() != nil {
			break
		}
	}

	res.Status = StatusFailure
	res.Error = lastErr.Error()
	res.Duration = time.Since(start)
	monitoring.Logf("write %s@%s to %s failed after %d attempts: %v",
		rec.IntersectionID, rec.IntervalStart.Format(time.RFC3339), b.Name(), res.Attempts, lastErr)
	return res
}

func (w *MultiWriter) recordStats(outcome WriteOutcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range outcome.Results {
		st := w.stats[r.Backend]
		if st == nil {
			continue
		}
		switch r.Status {
		case StatusSuccess:
			st.Attempts += int64(r.Attempts)
			st.Successes++
		case StatusFailure:
			st.Attempts += int64(r.Attempts)
			st.Failures++
		case StatusSkipped:
			st.Skipped++
		}
	}
}

// Stats returns a copy of the running per-backend counters.
func (w *MultiWriter) Stats() map[string]BackendStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]BackendStats, len(w.stats))
	for name, st := range w.stats {
		out[name] = *st
	}
	return out
}

// Validate compares the same logical record across two destinations for
// consistency auditing.
func (w *MultiWriter) Validate(ctx context.Context, backendA, backendB, intersectionID string, intervalStart time.Time) (DifferenceReport, error) {
	report := DifferenceReport{BackendA: backendA, BackendB: backendB}

	a, okA := w.Backend(backendA)
	if !okA {
		return report, fmt.Errorf("unknown backend %q", backendA)
	}
	b, okB := w.Backend(backendB)
	if !okB {
		return report, fmt.Errorf("unknown backend %q", backendB)
	}

	recA, errA := a.ReadRecord(ctx, intersectionID, intervalStart)
	recB, errB := b.ReadRecord(ctx, intersectionID, intervalStart)
	if errA != nil {
		report.MissingIn = append(report.MissingIn, backendA)
	}
	if errB != nil {
		report.MissingIn = append(report.MissingIn, backendB)
	}
	if len(report.MissingIn) > 0 {
		return report, nil
	}

	report.Diff = cmp.Diff(recA, recB)
	report.Match = report.Diff == ""
	return report, nil
}
