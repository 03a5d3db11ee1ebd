// Package columnar implements the local file destination: one immutable
// append-only file per day holding scored interval rows in a fixed column
// order. Appends are cheap; reads dedup on the natural key so a retried
// write never produces ambiguous data.
package columnar

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/safety.report/internal/fsutil"
	"github.com/banshee-data/safety.report/internal/index"
)

// ErrRecordNotFound reports that no row exists for a natural key.
var ErrRecordNotFound = fmt.Errorf("record not found")

var header = []string{
	"intersection_id", "interval_start", "composite", "eb_adjusted", "eb_applied",
	"vru_index", "vehicle_index", "sub_indices", "contributions", "missing_plugins",
	"traffic_volume", "formula_version",
}

// Store appends scored intervals to daily files under dir.
type Store struct {
	mu  sync.Mutex
	fs  fsutil.FileSystem
	dir string
}

// NewStore builds a columnar store over fs rooted at dir. Passing a nil fs
// uses the real filesystem.
func NewStore(fs fsutil.FileSystem, dir string) *Store {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	return &Store{fs: fs, dir: dir}
}

// Name identifies this store to the fan-out writer.
func (s *Store) Name() string { return "columnar" }

// dayFile returns the file path for the day containing t.
func (s *Store) dayFile(t time.Time) string {
	return filepath.Join(s.dir, "indices-"+t.UTC().Format("2006-01-02")+".csv")
}

// WriteRecord appends one row to the day file for the record's interval,
// writing the header first when the file is new.
func (s *Store) WriteRecord(ctx context.Context, rec *index.SafetyIndexRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	row, err := recordToRow(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.dayFile(rec.IntervalStart)
	writeHeader := !s.fs.Exists(path)

	f, err := s.fs.OpenAppend(path)
	if err != nil {
		return fmt.Errorf("open day file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if writeHeader {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}
	return nil
}

// ReadRecord returns the latest row for the natural key, or
// ErrRecordNotFound.
func (s *Store) ReadRecord(ctx context.Context, intersectionID string, intervalStart time.Time) (*index.SafetyIndexRecord, error) {
	day := intervalStart.UTC().Truncate(24 * time.Hour)
	recs, err := s.readDay(ctx, day)
	if err != nil {
		return nil, err
	}
	key := naturalKey(intersectionID, intervalStart)
	if rec, ok := recs[key]; ok {
		return rec, nil
	}
	return nil, ErrRecordNotFound
}

// QueryRange returns deduplicated records for an intersection in
// [start, end), ordered by interval start. Used as the read fallback when
// the relational store is unavailable. Day files are discovered by
// globbing the data directory, so a range spanning months of absent days
// reads only the files that exist.
func (s *Store) QueryRange(ctx context.Context, intersectionID string, start, end time.Time) ([]*index.SafetyIndexRecord, error) {
	days, err := s.listDays()
	if err != nil {
		return nil, err
	}

	var out []*index.SafetyIndexRecord
	for _, day := range days {
		if !day.Before(end) || !day.Add(24*time.Hour).After(start) {
			continue
		}
		recs, err := s.readDay(ctx, day)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if rec.IntersectionID != intersectionID {
				continue
			}
			if rec.IntervalStart.Before(start) || !rec.IntervalStart.Before(end) {
				continue
			}
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IntervalStart.Before(out[j].IntervalStart) })
	return out, nil
}

// listDays globs the data directory for day files and returns their dates
// in ascending order. Files that do not follow the day-file naming scheme
// are ignored.
func (s *Store) listDays() ([]time.Time, error) {
	paths, err := s.fs.Glob(filepath.Join(s.dir, "indices-*.csv"))
	if err != nil {
		return nil, fmt.Errorf("list day files: %w", err)
	}
	var days []time.Time
	for _, path := range paths {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "indices-"), ".csv")
		day, err := time.Parse("2006-01-02", name)
		if err != nil {
			continue
		}
		days = append(days, day.UTC())
	}
	return days, nil
}

// readDay parses one day file into a map keyed by natural key; later rows
// replace earlier ones so the last write wins.
func (s *Store) readDay(ctx context.Context, day time.Time) (map[string]*index.SafetyIndexRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]*index.SafetyIndexRecord)
	path := s.dayFile(day)
	data, err := s.fs.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	r := csv.NewReader(bytes.NewReader(data))
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, row := range rows {
		if i == 0 && len(row) > 0 && row[0] == header[0] {
			continue
		}
		rec, err := rowToRecord(row)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}
		out[naturalKey(rec.IntersectionID, rec.IntervalStart)] = rec
	}
	return out, nil
}

func naturalKey(intersectionID string, intervalStart time.Time) string {
	return intersectionID + "/" + strconv.FormatInt(intervalStart.UTC().Unix(), 10)
}

func recordToRow(rec *index.SafetyIndexRecord) ([]string, error) {
	subIndices, err := json.Marshal(rec.SubIndices)
	if err != nil {
		return nil, fmt.Errorf("marshal sub_indices: %w", err)
	}
	contributions, err := json.Marshal(rec.Contributions)
	if err != nil {
		return nil, fmt.Errorf("marshal contributions: %w", err)
	}
	missing := ""
	if len(rec.MissingPlugins) > 0 {
		b, err := json.Marshal(rec.MissingPlugins)
		if err != nil {
			return nil, fmt.Errorf("marshal missing_plugins: %w", err)
		}
		missing = string(b)
	}
	ebApplied := "0"
	if rec.EBApplied {
		ebApplied = "1"
	}
	return []string{
		rec.IntersectionID,
		strconv.FormatInt(rec.IntervalStart.UTC().Unix(), 10),
		strconv.FormatFloat(rec.Composite, 'f', -1, 64),
		strconv.FormatFloat(rec.EBAdjusted, 'f', -1, 64),
		ebApplied,
		strconv.FormatFloat(rec.VRUIndex, 'f', -1, 64),
		strconv.FormatFloat(rec.VehicleIndex, 'f', -1, 64),
		string(subIndices),
		string(contributions),
		missing,
		strconv.FormatInt(rec.TrafficVolume, 10),
		rec.FormulaVersion,
	}, nil
}

func rowToRecord(row []string) (*index.SafetyIndexRecord, error) {
	if len(row) != len(header) {
		return nil, fmt.Errorf("expected %d columns, got %d", len(header), len(row))
	}
	intervalUnix, err := strconv.ParseInt(row[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse interval_start: %w", err)
	}
	composite, err := strconv.ParseFloat(row[2], 64)
	if err != nil {
		return nil, fmt.Errorf("parse composite: %w", err)
	}
	ebAdjusted, err := strconv.ParseFloat(row[3], 64)
	if err != nil {
		return nil, fmt.Errorf("parse eb_adjusted: %w", err)
	}
	vru, err := strconv.ParseFloat(row[5], 64)
	if err != nil {
		return nil, fmt.Errorf("parse vru_index: %w", err)
	}
	vehicle, err := strconv.ParseFloat(row[6], 64)
	if err != nil {
		return nil, fmt.Errorf("parse vehicle_index: %w", err)
	}
	volume, err := strconv.ParseInt(row[10], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse traffic_volume: %w", err)
	}

	rec := &index.SafetyIndexRecord{
		IntersectionID: row[0],
		IntervalStart:  time.Unix(intervalUnix, 0).UTC(),
		Composite:      composite,
		EBAdjusted:     ebAdjusted,
		EBApplied:      row[4] == "1",
		VRUIndex:       vru,
		VehicleIndex:   vehicle,
		TrafficVolume:  volume,
		FormulaVersion: row[11],
	}
	if err := json.Unmarshal([]byte(row[7]), &rec.SubIndices); err != nil {
		return nil, fmt.Errorf("unmarshal sub_indices: %w", err)
	}
	if err := json.Unmarshal([]byte(row[8]), &rec.Contributions); err != nil {
		return nil, fmt.Errorf("unmarshal contributions: %w", err)
	}
	if row[9] != "" {
		if err := json.Unmarshal([]byte(row[9]), &rec.MissingPlugins); err != nil {
			return nil, fmt.Errorf("unmarshal missing_plugins: %w", err)
		}
	}
	return rec, nil
}
