// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the methane service configuration.
//
// Configuration is layered: built-in defaults, then an optional TOML file,
// then OWM_-prefixed environment variables, highest layer winning. The
// merged result is validated as a whole before use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "OWM_"

var configValidate = validator.New()

// Config is the full service configuration.
type Config struct {
	Storage    StorageConfig    `toml:"storage"`
	Analytics  AnalyticsConfig  `toml:"analytics"`
	Compliance ComplianceConfig `toml:"compliance"`
	Ingest     IngestConfig     `toml:"ingest"`
	Alerts     AlertsConfig     `toml:"alerts"`
	Export     ExportConfig     `toml:"export"`
	Server     ServerConfig     `toml:"server"`
	Logging    LoggingConfig    `toml:"logging"`
}

// StorageConfig selects and tunes the durable record backend.
type StorageConfig struct {
	// Backend is "jsonl" (append-only log, the default) or "badger".
	Backend string `toml:"backend" validate:"oneof=jsonl badger"`

	// Path is the log file (jsonl) or database directory (badger).
	Path string `toml:"path" validate:"required"`

	// SyncWrites fsyncs every append. Slower, survives power loss.
	SyncWrites bool `toml:"sync_writes"`
}

// AnalyticsConfig sets anomaly detection and aggregation defaults.
type AnalyticsConfig struct {
	Method              string  `toml:"method" validate:"oneof=robust_z seasonal"`
	ZThreshold          float64 `toml:"z_threshold" validate:"gt=0"`
	SeasonalPeriodHours int     `toml:"seasonal_period_hours" validate:"gt=0"`
	Window              string  `toml:"window" validate:"required"`
}

// ComplianceConfig points at the threshold rule file.
type ComplianceConfig struct {
	RulesPath string `toml:"rules_path"`
}

// IngestConfig tunes file ingestion.
type IngestConfig struct {
	// WatchDir, when set, is polled for dropped CSV/JSON files.
	WatchDir string `toml:"watch_dir"`

	Workers    int `toml:"workers" validate:"gte=1,lte=64"`
	MaxRetries int `toml:"max_retries" validate:"gte=0,lte=10"`
}

// AlertsConfig configures violation delivery.
type AlertsConfig struct {
	// DryRun logs alerts instead of delivering them.
	DryRun bool `toml:"dry_run"`

	SlackWebhookURL string `toml:"slack_webhook_url" validate:"omitempty,url"`

	SMTPHost string `toml:"smtp_host"`
	SMTPPort int    `toml:"smtp_port" validate:"gte=0,lte=65535"`
	SMTPFrom string `toml:"smtp_from" validate:"omitempty,email"`
	SMTPTo   string `toml:"smtp_to" validate:"omitempty,email"`
}

// ExportConfig configures the InfluxDB mirror.
type ExportConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url" validate:"omitempty,url"`
	Token   string `toml:"token"`
	Org     string `toml:"org"`
	Bucket  string `toml:"bucket"`
}

// ServerConfig tunes the HTTP API.
type ServerConfig struct {
	Host string `toml:"host" validate:"required"`
	Port int    `toml:"port" validate:"gte=1,lte=65535"`

	// RateLimitRPS caps requests per second per server; Burst is the
	// token bucket depth. Zero RPS disables limiting.
	RateLimitRPS float64 `toml:"rate_limit_rps" validate:"gte=0"`
	Burst        int     `toml:"burst" validate:"gte=0"`
}

// LoggingConfig tunes the layered logger.
type LoggingConfig struct {
	Level string `toml:"level" validate:"oneof=debug info warn error"`
	Dir   string `toml:"dir"`
	JSON  bool   `toml:"json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Backend:    "jsonl",
			Path:       "data/emissions.jsonl",
			SyncWrites: false,
		},
		Analytics: AnalyticsConfig{
			Method:              "robust_z",
			ZThreshold:          3.0,
			SeasonalPeriodHours: 24,
			Window:              "1h",
		},
		Ingest: IngestConfig{
			Workers:    4,
			MaxRetries: 3,
		},
		Alerts: AlertsConfig{
			DryRun: true,
		},
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8891,
			RateLimitRPS: 50,
			Burst:        100,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the effective configuration: defaults, then the TOML file at
// path (skipped when path is empty; missing files are an error so typos do
// not silently fall back to defaults), then OWM_ environment overrides.
// The merged result is validated before return.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the merged configuration.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnvOverrides applies OWM_-prefixed environment variables on top of
// the current values. Variable names follow SECTION_FIELD, e.g.
// OWM_SERVER_PORT or OWM_STORAGE_BACKEND.
func applyEnvOverrides(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	var err error
	boolean := func(key string, dst *bool) {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok || err != nil {
			return
		}
		parsed, perr := strconv.ParseBool(strings.TrimSpace(v))
		if perr != nil {
			err = fmt.Errorf("environment override %s%s: %w", EnvPrefix, key, perr)
			return
		}
		*dst = parsed
	}
	integer := func(key string, dst *int) {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok || err != nil {
			return
		}
		parsed, perr := strconv.Atoi(strings.TrimSpace(v))
		if perr != nil {
			err = fmt.Errorf("environment override %s%s: %w", EnvPrefix, key, perr)
			return
		}
		*dst = parsed
	}
	float := func(key string, dst *float64) {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok || err != nil {
			return
		}
		parsed, perr := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if perr != nil {
			err = fmt.Errorf("environment override %s%s: %w", EnvPrefix, key, perr)
			return
		}
		*dst = parsed
	}

	str("STORAGE_BACKEND", &cfg.Storage.Backend)
	str("STORAGE_PATH", &cfg.Storage.Path)
	boolean("STORAGE_SYNC_WRITES", &cfg.Storage.SyncWrites)

	str("ANALYTICS_METHOD", &cfg.Analytics.Method)
	float("ANALYTICS_Z_THRESHOLD", &cfg.Analytics.ZThreshold)
	integer("ANALYTICS_SEASONAL_PERIOD_HOURS", &cfg.Analytics.SeasonalPeriodHours)
	str("ANALYTICS_WINDOW", &cfg.Analytics.Window)

	str("COMPLIANCE_RULES_PATH", &cfg.Compliance.RulesPath)

	str("INGEST_WATCH_DIR", &cfg.Ingest.WatchDir)
	integer("INGEST_WORKERS", &cfg.Ingest.Workers)
	integer("INGEST_MAX_RETRIES", &cfg.Ingest.MaxRetries)

	boolean("ALERTS_DRY_RUN", &cfg.Alerts.DryRun)
	str("ALERTS_SLACK_WEBHOOK_URL", &cfg.Alerts.SlackWebhookURL)
	str("ALERTS_SMTP_HOST", &cfg.Alerts.SMTPHost)
	integer("ALERTS_SMTP_PORT", &cfg.Alerts.SMTPPort)
	str("ALERTS_SMTP_FROM", &cfg.Alerts.SMTPFrom)
	str("ALERTS_SMTP_TO", &cfg.Alerts.SMTPTo)

	boolean("EXPORT_ENABLED", &cfg.Export.Enabled)
	str("EXPORT_URL", &cfg.Export.URL)
	str("EXPORT_TOKEN", &cfg.Export.Token)
	str("EXPORT_ORG", &cfg.Export.Org)
	str("EXPORT_BUCKET", &cfg.Export.Bucket)

	str("SERVER_HOST", &cfg.Server.Host)
	integer("SERVER_PORT", &cfg.Server.Port)
	float("SERVER_RATE_LIMIT_RPS", &cfg.Server.RateLimitRPS)
	integer("SERVER_BURST", &cfg.Server.Burst)

	str("LOGGING_LEVEL", &cfg.Logging.Level)
	str("LOGGING_DIR", &cfg.Logging.Dir)
	boolean("LOGGING_JSON", &cfg.Logging.JSON)

	return err
}
