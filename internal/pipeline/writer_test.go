package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/safety.report/internal/index"
)

// fakeBackend is an in-memory Backend with a scriptable failure budget.
type fakeBackend struct {
	name     string
	failures int // fail this many writes before succeeding
	slow     time.Duration

	mu      sync.Mutex
	writes  int
	records map[string]*index.SafetyIndexRecord
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, records: make(map[string]*index.SafetyIndexRecord)}
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) key(intersectionID string, at time.Time) string {
	return intersectionID + "|" + at.UTC().Format(time.RFC3339)
}

func (f *fakeBackend) WriteRecord(ctx context.Context, rec *index.SafetyIndexRecord) error {
	if f.slow > 0 {
		select {
		case <-time.After(f.slow):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.writes <= f.failures {
		return errors.New("transient backend failure")
	}
	f.records[f.key(rec.IntersectionID, rec.IntervalStart)] = rec
	return nil
}

func (f *fakeBackend) ReadRecord(ctx context.Context, intersectionID string, intervalStart time.Time) (*index.SafetyIndexRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[f.key(intersectionID, intervalStart)]
	if !ok {
		return nil, errors.New("not found")
	}
	return rec, nil
}

func testWriter(retries int) *MultiWriter {
	timeout := "200ms"
	return NewMultiWriter(&Config{BackendTimeout: &timeout, WriteRetries: &retries})
}

func rec(intersection string, at time.Time) *index.SafetyIndexRecord {
	return &index.SafetyIndexRecord{IntersectionID: intersection, IntervalStart: at, Composite: 50}
}

func TestWriteFansOutToAllBackends(t *testing.T) {
	w := testWriter(0)
	a, b, c := newFakeBackend("relational"), newFakeBackend("columnar"), newFakeBackend("archive")
	w.AddBackend(a, true)
	w.AddBackend(b, true)
	w.AddBackend(c, true)

	at := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)
	outcome := w.Write(context.Background(), rec("int-041", at))

	if outcome.Successes() != 3 || outcome.Failures() != 0 {
		t.Fatalf("outcome = %d successes / %d failures, want 3/0", outcome.Successes(), outcome.Failures())
	}
	for _, fb := range []*fakeBackend{a, b, c} {
		if _, err := fb.ReadRecord(context.Background(), "int-041", at); err != nil {
			t.Errorf("backend %s did not persist the record: %v", fb.name, err)
		}
	}
}

func TestWriteOneFailureLeavesOthersCommitted(t *testing.T) {
	w := testWriter(0)
	good1, bad, good2 := newFakeBackend("relational"), newFakeBackend("columnar"), newFakeBackend("archive")
	bad.failures = 1000
	w.AddBackend(good1, true)
	w.AddBackend(bad, true)
	w.AddBackend(good2, true)

	at := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)
	outcome := w.Write(context.Background(), rec("int-041", at))

	if outcome.Successes() != 2 || outcome.Failures() != 1 {
		t.Fatalf("outcome = %d successes / %d failures, want 2/1", outcome.Successes(), outcome.Failures())
	}
	// order of results follows registration order
	if outcome.Results[1].Backend != "columnar" || outcome.Results[1].Status != StatusFailure {
		t.Errorf("failing backend result = %+v", outcome.Results[1])
	}
	if outcome.Results[1].Error == "" {
		t.Error("failure carries no error detail")
	}
	// the survivors stay readable: no rollback
	for _, fb := range []*fakeBackend{good1, good2} {
		if _, err := fb.ReadRecord(context.Background(), "int-041", at); err != nil {
			t.Errorf("backend %s lost its record after a sibling failure: %v", fb.name, err)
		}
	}
}

func TestWriteRetriesTransientFailure(t *testing.T) {
	w := testWriter(2)
	flaky := newFakeBackend("relational")
	flaky.failures = 2
	w.AddBackend(flaky, true)

	outcome := w.Write(context.Background(), rec("int-041", time.Now().UTC()))
	if outcome.Failures() != 0 {
		t.Fatalf("outcome = %+v, want success after retries", outcome.Results)
	}
	if got := outcome.Results[0].Attempts; got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestWriteSkipsDisabledBackend(t *testing.T) {
	w := testWriter(0)
	enabled, disabled := newFakeBackend("relational"), newFakeBackend("archive")
	w.AddBackend(enabled, true)
	w.AddBackend(disabled, false)

	outcome := w.Write(context.Background(), rec("int-041", time.Now().UTC()))
	if outcome.Successes() != 1 || outcome.Skipped() != 1 {
		t.Fatalf("outcome = %+v, want 1 success + 1 skipped", outcome.Results)
	}
	if disabled.writes != 0 {
		t.Errorf("disabled backend received %d writes", disabled.writes)
	}
}

func TestWriteSlowBackendTimesOut(t *testing.T) {
	w := testWriter(0)
	slow := newFakeBackend("archive")
	slow.slow = 5 * time.Second
	fast := newFakeBackend("relational")
	w.AddBackend(fast, true)
	w.AddBackend(slow, true)

	start := time.Now()
	outcome := w.Write(context.Background(), rec("int-041", time.Now().UTC()))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("write blocked for %v on a slow backend", elapsed)
	}
	if outcome.Failures() != 1 || outcome.Successes() != 1 {
		t.Errorf("outcome = %+v, want fast success + slow timeout failure", outcome.Results)
	}
}

func TestStatsAccumulate(t *testing.T) {
	w := testWriter(0)
	good, bad := newFakeBackend("relational"), newFakeBackend("columnar")
	bad.failures = 1000
	w.AddBackend(good, true)
	w.AddBackend(bad, true)

	at := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		w.Write(context.Background(), rec("int-041", at.Add(time.Duration(i)*time.Minute)))
	}

	stats := w.Stats()
	if stats["relational"].Successes != 3 || stats["relational"].Failures != 0 {
		t.Errorf("relational stats = %+v", stats["relational"])
	}
	if stats["columnar"].Failures != 3 {
		t.Errorf("columnar stats = %+v", stats["columnar"])
	}
}

func TestValidateAcrossBackends(t *testing.T) {
	w := testWriter(0)
	a, b := newFakeBackend("relational"), newFakeBackend("columnar")
	w.AddBackend(a, true)
	w.AddBackend(b, true)

	at := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)
	w.Write(context.Background(), rec("int-041", at))

	report, err := w.Validate(context.Background(), "relational", "columnar", "int-041", at)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !report.Match {
		t.Errorf("identical records reported as different: %s", report.Diff)
	}

	// diverge one copy
	b.records[b.key("int-041", at)] = &index.SafetyIndexRecord{
		IntersectionID: "int-041", IntervalStart: at, Composite: 99,
	}
	report, err = w.Validate(context.Background(), "relational", "columnar", "int-041", at)
	if err != nil {
		t.Fatalf("Validate diverged: %v", err)
	}
	if report.Match || report.Diff == "" {
		t.Errorf("divergent records reported as matching")
	}

	// missing key
	report, err = w.Validate(context.Background(), "relational", "columnar", "int-041", at.Add(time.Hour))
	if err != nil {
		t.Fatalf("Validate missing: %v", err)
	}
	if len(report.MissingIn) != 2 {
		t.Errorf("MissingIn = %v, want both backends", report.MissingIn)
	}

	if _, err := w.Validate(context.Background(), "relational", "nope", "int-041", at); err == nil {
		t.Error("expected error for unknown backend name")
	}
}
