package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/safety.report/internal/index"
)

// Name identifies this store to the fan-out writer.
func (s *Store) Name() string { return "relational" }

// WriteRecord satisfies the fan-out writer's destination interface.
func (s *Store) WriteRecord(ctx context.Context, rec *index.SafetyIndexRecord) error {
	return s.UpsertRecord(ctx, rec)
}

// ReadRecord satisfies the fan-out writer's destination interface.
func (s *Store) ReadRecord(ctx context.Context, intersectionID string, intervalStart time.Time) (*index.SafetyIndexRecord, error) {
	return s.GetRecord(ctx, intersectionID, intervalStart)
}

// UpsertRecord writes a scored interval. (intersection_id, interval_start)
// is the natural key; retried and duplicated writes replace the row rather
// than creating ambiguity.
func (s *Store) UpsertRecord(ctx context.Context, rec *index.SafetyIndexRecord) error {
	subIndices, err := json.Marshal(rec.SubIndices)
	if err != nil {
		return fmt.Errorf("marshal sub_indices: %w", err)
	}
	contributions, err := json.Marshal(rec.Contributions)
	if err != nil {
		return fmt.Errorf("marshal contributions: %w", err)
	}
	var missing []byte
	if len(rec.MissingPlugins) > 0 {
		if missing, err = json.Marshal(rec.MissingPlugins); err != nil {
			return fmt.Errorf("marshal missing_plugins: %w", err)
		}
	}

	ebApplied := 0
	if rec.EBApplied {
		ebApplied = 1
	}

	return retryOnBusy(func() error {
		_, err := s.ExecContext(ctx, `
			INSERT INTO safety_index_records (
				intersection_id, interval_start, composite, eb_adjusted, eb_applied,
				vru_index, vehicle_index, sub_indices, contributions, missing_plugins,
				traffic_volume, formula_version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (intersection_id, interval_start) DO UPDATE SET
				composite = excluded.composite,
				eb_adjusted = excluded.eb_adjusted,
				eb_applied = excluded.eb_applied,
				vru_index = excluded.vru_index,
				vehicle_index = excluded.vehicle_index,
				sub_indices = excluded.sub_indices,
				contributions = excluded.contributions,
				missing_plugins = excluded.missing_plugins,
				traffic_volume = excluded.traffic_volume,
				formula_version = excluded.formula_version`,
			rec.IntersectionID, rec.IntervalStart.UTC().Unix(), rec.Composite, rec.EBAdjusted, ebApplied,
			rec.VRUIndex, rec.VehicleIndex, string(subIndices), string(contributions), nullableString(missing),
			rec.TrafficVolume, rec.FormulaVersion,
		)
		return err
	})
}

// GetRecord fetches one record by its natural key. Returns sql.ErrNoRows
// when absent.
func (s *Store) GetRecord(ctx context.Context, intersectionID string, intervalStart time.Time) (*index.SafetyIndexRecord, error) {
	row := s.QueryRowContext(ctx, `
		SELECT intersection_id, interval_start, composite, eb_adjusted, eb_applied,
		       vru_index, vehicle_index, sub_indices, contributions, missing_plugins,
		       traffic_volume, formula_version
		FROM safety_index_records
		WHERE intersection_id = ? AND interval_start = ?`,
		intersectionID, intervalStart.UTC().Unix())
	return scanRecord(row)
}

// QueryRange returns records for an intersection in [start, end), ordered
// by interval start ascending. An empty result is not an error here; the
// aggregation layer decides how to surface it.
func (s *Store) QueryRange(ctx context.Context, intersectionID string, start, end time.Time) ([]*index.SafetyIndexRecord, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT intersection_id, interval_start, composite, eb_adjusted, eb_applied,
		       vru_index, vehicle_index, sub_indices, contributions, missing_plugins,
		       traffic_volume, formula_version
		FROM safety_index_records
		WHERE intersection_id = ? AND interval_start >= ? AND interval_start < ?
		ORDER BY interval_start ASC`,
		intersectionID, start.UTC().Unix(), end.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	var recs []*index.SafetyIndexRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate range: %w", err)
	}
	return recs, nil
}

// Baseline implements index.BaselineSource from stored history: the mean
// composite and sample count for the (intersection, hour-of-day,
// day-of-week) stratum. Epoch day arithmetic: unix day 0 was a Thursday.
func (s *Store) Baseline(intersectionID string, hourOfDay, dayOfWeek int) (index.Baseline, error) {
	var mean sql.NullFloat64
	var n int64
	err := s.QueryRow(`
		SELECT AVG(composite), COUNT(*)
		FROM safety_index_records
		WHERE intersection_id = ?
		  AND (interval_start % 86400) / 3600 = ?
		  AND (interval_start / 86400 + 4) % 7 = ?`,
		intersectionID, hourOfDay, dayOfWeek).Scan(&mean, &n)
	if err != nil {
		return index.Baseline{}, fmt.Errorf("baseline query: %w", err)
	}
	if n == 0 || !mean.Valid {
		return index.Baseline{}, index.ErrBaselineUnavailable
	}
	return index.Baseline{Mean: mean.Float64, SampleCount: n}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*index.SafetyIndexRecord, error) {
	var rec index.SafetyIndexRecord
	var intervalUnix int64
	var ebApplied int
	var subIndices, contributions string
	var missing sql.NullString

	err := row.Scan(
		&rec.IntersectionID, &intervalUnix, &rec.Composite, &rec.EBAdjusted, &ebApplied,
		&rec.VRUIndex, &rec.VehicleIndex, &subIndices, &contributions, &missing,
		&rec.TrafficVolume, &rec.FormulaVersion,
	)
	if err != nil {
		return nil, err
	}
	rec.IntervalStart = time.Unix(intervalUnix, 0).UTC()
	rec.EBApplied = ebApplied != 0
	if err := json.Unmarshal([]byte(subIndices), &rec.SubIndices); err != nil {
		return nil, fmt.Errorf("unmarshal sub_indices: %w", err)
	}
	if err := json.Unmarshal([]byte(contributions), &rec.Contributions); err != nil {
		return nil, fmt.Errorf("unmarshal contributions: %w", err)
	}
	if missing.Valid && missing.String != "" {
		if err := json.Unmarshal([]byte(missing.String), &rec.MissingPlugins); err != nil {
			return nil, fmt.Errorf("unmarshal missing_plugins: %w", err)
		}
	}
	return &rec, nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
