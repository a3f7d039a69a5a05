// Copyright (C) ClusterCockpit contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads the YAML configuration file that drives the CLI
// collaborator: default source/level, storage location and retention, and
// the declarative metric/anomaly definitions. It is the only package that
// compiles user-authored filter/group_by/value_extractor expressions —
// the analytics core downstream only ever sees compiled Go closures.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ClusterCockpit/loglens/internal/analytics/anomaly"
	"github.com/ClusterCockpit/loglens/internal/analytics/metrics"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when the configuration file is malformed
// or an expression fails to compile.
var ErrInvalidConfig = errors.New("CONFIG > invalid configuration")

// MetricConfig is one entry of the YAML config's metrics[] list.
type MetricConfig struct {
	Name           string  `yaml:"name"`
	Filter         string  `yaml:"filter"`
	Aggregation    string  `yaml:"aggregation"`
	Window         string  `yaml:"window"`
	Description    string  `yaml:"description,omitempty"`
	GroupBy        string  `yaml:"group_by,omitempty"`
	ValueExtractor string  `yaml:"value_extractor,omitempty"`
	Percentile     float64 `yaml:"percentile,omitempty"`
}

// AnomalyConfig is one entry of the YAML config's anomalies[] list.
type AnomalyConfig struct {
	MetricName string  `yaml:"metric_name"`
	WindowSize int     `yaml:"window_size"`
	Threshold  float64 `yaml:"threshold"`
	MinSamples int     `yaml:"min_samples"`
	Enabled    bool    `yaml:"enabled"`
}

// StorageConfig is the YAML config's storage section.
type StorageConfig struct {
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Config is the root of the YAML configuration file.
type Config struct {
	DefaultSource string          `yaml:"default_source"`
	DefaultLevel  string          `yaml:"default_level"`
	Storage       StorageConfig   `yaml:"storage"`
	Metrics       []MetricConfig  `yaml:"metrics"`
	Anomalies     []AnomalyConfig `yaml:"anomalies"`
}

// Load reads and parses the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalidConfig, path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
	}
	return &cfg, nil
}

// Save writes cfg as YAML to path, creating parent directories as needed.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: marshaling config: %v", ErrInvalidConfig, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: creating directory for %s: %v", ErrInvalidConfig, path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

// Default returns the example configuration written by `loglens config
// init`, mirroring loglens.utils.config.create_default_config: a storage
// section, and one example metric per family (error rate, warning rate,
// events-by-source) plus a matching anomaly detector.
func Default() *Config {
	return &Config{
		DefaultSource: "application",
		DefaultLevel:  "INFO",
		Storage: StorageConfig{
			DBPath:        "loglens.db",
			RetentionDays: 30,
		},
		Metrics: []MetricConfig{
			{
				Name:        "error_rate",
				Filter:      "event.level in [\"ERROR\", \"CRITICAL\", \"FATAL\"]",
				Aggregation: "RATE",
				Window:      "5m",
				Description: "Errors per second over the last 5 minutes",
			},
			{
				Name:        "warning_rate",
				Filter:      "event.level == \"WARNING\"",
				Aggregation: "RATE",
				Window:      "5m",
				Description: "Warnings per second over the last 5 minutes",
			},
			{
				Name:        "events_by_source",
				Aggregation: "COUNT",
				Window:      "5m",
				GroupBy:     "event.source",
				Description: "Event volume per source over the last 5 minutes",
			},
		},
		Anomalies: []AnomalyConfig{
			{MetricName: "error_rate", WindowSize: 20, Threshold: 2.0, MinSamples: 5, Enabled: true},
		},
	}
}

// ToMetricDefs compiles every metrics[] entry into a metrics.MetricDef,
// resolving the aggregation string and compiling any filter/group_by/
// value_extractor expressions via expr-lang/expr.
func (c *Config) ToMetricDefs() ([]metrics.MetricDef, error) {
	defs := make([]metrics.MetricDef, 0, len(c.Metrics))
	for _, m := range c.Metrics {
		window, err := metrics.ParseWindow(m.Window)
		if err != nil {
			return nil, err
		}

		agg, err := resolveAggregation(m.Aggregation, m.Percentile)
		if err != nil {
			return nil, err
		}

		def := metrics.MetricDef{Name: m.Name, Window: window, Aggregation: agg}

		if m.Filter != "" {
			def.Filter, err = compileFilter(m.Filter)
			if err != nil {
				return nil, err
			}
		}
		if m.GroupBy != "" {
			def.GroupBy, err = compileGroupBy(m.GroupBy)
			if err != nil {
				return nil, err
			}
		}
		if m.ValueExtractor != "" {
			def.ValueExtractor, err = compileValueExtractor(m.ValueExtractor)
			if err != nil {
				return nil, err
			}
		}

		if err := def.Validate(); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func resolveAggregation(name string, percentile float64) (metrics.Aggregation, error) {
	switch name {
	case "COUNT":
		return metrics.Count(), nil
	case "RATE":
		return metrics.Rate(), nil
	case "AVERAGE":
		return metrics.Average(), nil
	case "SUM":
		return metrics.Sum(), nil
	case "MIN":
		return metrics.Min(), nil
	case "MAX":
		return metrics.Max(), nil
	case "PERCENTILE":
		return metrics.Percentile(percentile), nil
	case "UNIQUE_COUNT":
		return metrics.UniqueCount(), nil
	default:
		return metrics.Aggregation{}, fmt.Errorf("%w: unknown aggregation %q", ErrInvalidConfig, name)
	}
}

// AnomalyDetectorConfig pairs a metric name with the anomaly.Config to
// run against it.
type AnomalyDetectorConfig struct {
	MetricName string
	Config     anomaly.Config
	Enabled    bool
}

// ToAnomalyDetectorConfigs translates every anomalies[] entry into an
// anomaly.Config, applying anomaly.DefaultConfig for zero-valued fields.
func (c *Config) ToAnomalyDetectorConfigs() []AnomalyDetectorConfig {
	out := make([]AnomalyDetectorConfig, 0, len(c.Anomalies))
	for _, a := range c.Anomalies {
		cfg := anomaly.DefaultConfig()
		if a.WindowSize > 0 {
			cfg.WindowSize = a.WindowSize
		}
		if a.Threshold > 0 {
			cfg.Threshold = a.Threshold
		}
		if a.MinSamples > 0 {
			cfg.MinSamples = a.MinSamples
		}
		out = append(out, AnomalyDetectorConfig{MetricName: a.MetricName, Config: cfg, Enabled: a.Enabled})
	}
	return out
}
