// Package pipeline wires the scoring engine to its three storage
// destinations: the fan-out writer, the collection worker, and the process
// configuration they share.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the explicit process-wide pipeline configuration, constructed
// once at startup and passed down. Fields are pointers so partial JSON
// files inherit defaults; use the Get accessors.
type Config struct {
	// Backend feature flags.
	RelationalEnabled *bool `json:"relational_enabled,omitempty"`
	ColumnarEnabled   *bool `json:"columnar_enabled,omitempty"`
	ArchiveEnabled    *bool `json:"archive_enabled,omitempty"`

	// ReadFallback lets a failed relational read fall back to the
	// columnar files on the query path. It never affects the write path.
	ReadFallback *bool `json:"read_fallback,omitempty"`

	// BackendTimeout bounds each destination write independently,
	// duration string like "10s".
	BackendTimeout *string `json:"backend_timeout,omitempty"`

	// WriteRetries is the per-backend retry budget after the first attempt.
	WriteRetries *int `json:"write_retries,omitempty"`

	// HighRiskThreshold marks intervals whose composite exceeds it.
	HighRiskThreshold *float64 `json:"high_risk_threshold,omitempty"`

	// EBPriorStrength is the shrinkage constant k.
	EBPriorStrength *float64 `json:"eb_prior_strength,omitempty"`

	// ScoreInterval is the collection cycle period, duration string.
	ScoreInterval *string `json:"score_interval,omitempty"`

	// Paths and endpoints.
	DBPath        *string `json:"db_path,omitempty"`
	DataDir       *string `json:"data_dir,omitempty"`
	ArchiveBucket *string `json:"archive_bucket,omitempty"`
	IncidentURL   *string `json:"incident_url,omitempty"`
	Listen        *string `json:"listen,omitempty"`
}

// LoadConfig reads a JSON config file; omitted fields keep their defaults.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects values outside their documented ranges.
func (c *Config) Validate() error {
	if c.BackendTimeout != nil {
		if _, err := time.ParseDuration(*c.BackendTimeout); err != nil {
			return fmt.Errorf("backend_timeout: %w", err)
		}
	}
	if c.ScoreInterval != nil {
		if _, err := time.ParseDuration(*c.ScoreInterval); err != nil {
			return fmt.Errorf("score_interval: %w", err)
		}
	}
	if c.WriteRetries != nil && *c.WriteRetries < 0 {
		return fmt.Errorf("write_retries must be >= 0, got %d", *c.WriteRetries)
	}
	if c.HighRiskThreshold != nil && (*c.HighRiskThreshold < 0 || *c.HighRiskThreshold > 100) {
		return fmt.Errorf("high_risk_threshold must be in [0,100], got %v", *c.HighRiskThreshold)
	}
	if c.EBPriorStrength != nil && *c.EBPriorStrength <= 0 {
		return fmt.Errorf("eb_prior_strength must be > 0, got %v", *c.EBPriorStrength)
	}
	if c.ArchiveEnabled != nil && *c.ArchiveEnabled {
		if c.ArchiveBucket == nil || *c.ArchiveBucket == "" {
			return fmt.Errorf("archive_enabled requires archive_bucket")
		}
	}
	return nil
}

func (c *Config) GetRelationalEnabled() bool { return boolOr(c.RelationalEnabled, true) }
func (c *Config) GetColumnarEnabled() bool   { return boolOr(c.ColumnarEnabled, true) }
func (c *Config) GetArchiveEnabled() bool    { return boolOr(c.ArchiveEnabled, false) }
func (c *Config) GetReadFallback() bool      { return boolOr(c.ReadFallback, true) }

func (c *Config) GetBackendTimeout() time.Duration { return durationOr(c.BackendTimeout, 10*time.Second) }
func (c *Config) GetScoreInterval() time.Duration  { return durationOr(c.ScoreInterval, time.Minute) }

func (c *Config) GetWriteRetries() int {
	if c.WriteRetries != nil {
		return *c.WriteRetries
	}
	return 2
}

func (c *Config) GetHighRiskThreshold() float64 {
	if c.HighRiskThreshold != nil {
		return *c.HighRiskThreshold
	}
	return 75.0
}

func (c *Config) GetEBPriorStrength() float64 {
	if c.EBPriorStrength != nil {
		return *c.EBPriorStrength
	}
	return 30.0
}

func (c *Config) GetDBPath() string        { return stringOr(c.DBPath, "safety_index.db") }
func (c *Config) GetDataDir() string       { return stringOr(c.DataDir, "data") }
func (c *Config) GetArchiveBucket() string { return stringOr(c.ArchiveBucket, "") }
func (c *Config) GetIncidentURL() string   { return stringOr(c.IncidentURL, "") }
func (c *Config) GetListen() string        { return stringOr(c.Listen, ":8080") }

func boolOr(p *bool, def bool) bool {
	if p != nil {
		return *p
	}
	return def
}

func stringOr(p *string, def string) string {
	if p != nil {
		return *p
	}
	return def
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}
