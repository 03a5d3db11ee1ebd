package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/safety.report/internal/index"
)

// SavePlugin inserts or replaces one plugin configuration document.
func (s *Store) SavePlugin(p *index.FeaturePlugin) error {
	var config []byte
	var err error
	if len(p.Config) > 0 {
		if config, err = json.Marshal(p.Config); err != nil {
			return fmt.Errorf("marshal plugin config: %w", err)
		}
	}
	enabled := 0
	if p.Enabled {
		enabled = 1
	}
	return retryOnBusy(func() error {
		_, err := s.Exec(`
			INSERT INTO feature_plugins (name, kind, version, enabled, weight, config)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET
				kind = excluded.kind,
				version = excluded.version,
				enabled = excluded.enabled,
				weight = excluded.weight,
				config = excluded.config,
				updated_at = CURRENT_TIMESTAMP`,
			p.Name, string(p.Kind), p.Version, enabled, p.Weight, nullableString(config))
		return err
	})
}

// LoadPlugins returns every stored plugin configuration ordered by name.
func (s *Store) LoadPlugins() ([]index.FeaturePlugin, error) {
	rows, err := s.Query(`
		SELECT name, kind, version, enabled, weight, config
		FROM feature_plugins ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query plugins: %w", err)
	}
	defer rows.Close()

	var plugins []index.FeaturePlugin
	for rows.Next() {
		var p index.FeaturePlugin
		var kind string
		var enabled int
		var config sql.NullString
		if err := rows.Scan(&p.Name, &kind, &p.Version, &enabled, &p.Weight, &config); err != nil {
			return nil, fmt.Errorf("scan plugin: %w", err)
		}
		p.Kind = index.PluginKind(kind)
		p.Enabled = enabled != 0
		if config.Valid && config.String != "" {
			if err := json.Unmarshal([]byte(config.String), &p.Config); err != nil {
				return nil, fmt.Errorf("unmarshal plugin %s config: %w", p.Name, err)
			}
		}
		plugins = append(plugins, p)
	}
	return plugins, rows.Err()
}

// AppendWeightChange implements index.WeightChangeStore. The log is
// append-only; rows are never updated or deleted by the pipeline.
func (s *Store) AppendWeightChange(rec *index.WeightChangeRecord) error {
	return retryOnBusy(func() error {
		_, err := s.Exec(`
			INSERT INTO weight_changes (
				id, plugin_name, old_weight, new_weight, changed_at, actor, reason,
				rescored_intervals, mean_score_delta
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.PluginName, rec.OldWeight, rec.NewWeight,
			rec.ChangedAt.UTC().Unix(), rec.Actor, rec.Reason,
			rec.RescoredIntervals, rec.MeanScoreDelta)
		return err
	})
}

// ListWeightChanges returns audit records newest first, optionally filtered
// by plugin name.
func (s *Store) ListWeightChanges(pluginName string, limit int) ([]*index.WeightChangeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, plugin_name, old_weight, new_weight, changed_at, actor, reason,
		       rescored_intervals, mean_score_delta
		FROM weight_changes`
	args := []any{}
	if pluginName != "" {
		query += ` WHERE plugin_name = ?`
		args = append(args, pluginName)
	}
	query += ` ORDER BY changed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query weight changes: %w", err)
	}
	defer rows.Close()

	var recs []*index.WeightChangeRecord
	for rows.Next() {
		var rec index.WeightChangeRecord
		var changedAt int64
		var reason sql.NullString
		if err := rows.Scan(&rec.ID, &rec.PluginName, &rec.OldWeight, &rec.NewWeight,
			&changedAt, &rec.Actor, &reason, &rec.RescoredIntervals, &rec.MeanScoreDelta); err != nil {
			return nil, fmt.Errorf("scan weight change: %w", err)
		}
		rec.ChangedAt = time.Unix(changedAt, 0).UTC()
		rec.Reason = reason.String
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}
