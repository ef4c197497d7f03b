// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

// Package config loads and validates the Kestrel configuration from
// layered sources: built-in defaults, an optional YAML file, then
// environment variables. Precedence: ENV > file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/kestrelwatch/kestrel/internal/baseline"
	"github.com/kestrelwatch/kestrel/internal/detection"
	"github.com/kestrelwatch/kestrel/internal/governance"
	"github.com/kestrelwatch/kestrel/internal/learner"
)

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`

	// Caller includes caller file and line in log lines.
	Caller bool `koanf:"caller"`
}

// StoreConfig configures the key/value store.
type StoreConfig struct {
	// Path is the Badger data directory. Empty selects the in-memory
	// store (tests, ephemeral runs).
	Path string `koanf:"path"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// RateLimitReqs requests per RateLimitWindow per client IP.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// SchedulerConfig configures the background services.
type SchedulerConfig struct {
	// ReportCheckInterval is how often the weekly report service checks
	// whether the previous ISO week still lacks a report.
	ReportCheckInterval time.Duration `koanf:"report_check_interval"`

	// RetentionInterval is how often retention pruning runs.
	RetentionInterval time.Duration `koanf:"retention_interval"`

	// SnoozeReleaseInterval is how often expired snoozes are released.
	SnoozeReleaseInterval time.Duration `koanf:"snooze_release_interval"`
}

// RetentionConfig bounds stored history.
type RetentionConfig struct {
	// MaxEntryAgeDays prunes telemetry entries older than this. Zero
	// disables entry pruning.
	MaxEntryAgeDays int `koanf:"max_entry_age_days"`

	// MaxReports keeps at most this many weekly reports. Zero disables
	// report pruning.
	MaxReports int `koanf:"max_reports"`
}

// Config is the root Kestrel configuration.
type Config struct {
	Logging   LoggingConfig              `koanf:"logging"`
	Store     StoreConfig                `koanf:"store"`
	Server    ServerConfig               `koanf:"server"`
	Baseline  baseline.Config            `koanf:"baseline"`
	Detection detection.EngineConfig     `koanf:"detection"`
	Pool      detection.PoolConfig       `koanf:"pool"`
	Govern    governance.Config          `koanf:"governance"`
	Notifier  governance.NotifierConfig  `koanf:"notifier"`
	Learner   learner.Config             `koanf:"learner"`
	Scheduler SchedulerConfig            `koanf:"scheduler"`
	Retention RetentionConfig            `koanf:"retention"`
}

// defaultConfig returns the full default configuration. Defaults are
// layered first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Store: StoreConfig{
			Path: "/data/kestrel",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8470,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Baseline:  baseline.DefaultConfig(),
		Detection: detection.DefaultEngineConfig(),
		Pool:      detection.DefaultPoolConfig(),
		Govern:    governance.DefaultConfig(),
		Notifier:  governance.DefaultNotifierConfig(),
		Learner:   learner.DefaultConfig(),
		Scheduler: SchedulerConfig{
			ReportCheckInterval:   time.Hour,
			RetentionInterval:     6 * time.Hour,
			SnoozeReleaseInterval: 5 * time.Minute,
		},
		Retention: RetentionConfig{
			MaxEntryAgeDays: 365,
			MaxReports:      104,
		},
	}
}

// Validate checks the configuration for internally inconsistent or out
// of range values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive")
	}
	if c.Baseline.LookbackDays <= 0 {
		return fmt.Errorf("baseline.lookback_days must be positive")
	}
	if c.Baseline.ShortWindowDays <= 0 || c.Baseline.ShortWindowDays >= c.Baseline.LookbackDays {
		return fmt.Errorf("baseline.short_window_days must be positive and below lookback_days")
	}
	if c.Baseline.MinSessions < 1 {
		return fmt.Errorf("baseline.min_sessions must be at least 1")
	}
	if c.Detection.ShiftSensitivity <= 0 || c.Detection.ShiftSensitivity > 1 {
		return fmt.Errorf("detection.shift_sensitivity must be in (0, 1]")
	}
	for kind, threshold := range c.Detection.BaseThresholds {
		if threshold < 0 || threshold > 1 {
			return fmt.Errorf("detection.base_thresholds[%s] must be in [0, 1], got %v", kind, threshold)
		}
	}
	if c.Detection.WatchdogTimeout <= 0 {
		return fmt.Errorf("detection.watchdog_timeout must be positive")
	}
	if c.Pool.Workers < 0 {
		return fmt.Errorf("pool.workers must be non-negative")
	}
	if c.Govern.DedupWindow < 0 {
		return fmt.Errorf("governance.dedup_window must be non-negative")
	}
	if c.Govern.QuietHours.Enabled {
		if _, err := parseWallClock(c.Govern.QuietHours.Start); err != nil {
			return fmt.Errorf("governance.quiet_hours.start: %w", err)
		}
		if _, err := parseWallClock(c.Govern.QuietHours.End); err != nil {
			return fmt.Errorf("governance.quiet_hours.end: %w", err)
		}
	}
	if _, err := time.LoadLocation(c.Govern.DefaultTimezone); err != nil {
		return fmt.Errorf("governance.default_timezone: %w", err)
	}
	if c.Learner.TargetPPV <= 0 || c.Learner.TargetPPV >= 1 {
		return fmt.Errorf("learner.target_ppv must be in (0, 1)")
	}
	if c.Learner.MaxStep <= 0 || c.Learner.MaxStep > c.Learner.MaxAdjustment {
		return fmt.Errorf("learner.max_step must be positive and at most max_adjustment")
	}
	if c.Scheduler.ReportCheckInterval <= 0 {
		return fmt.Errorf("scheduler.report_check_interval must be positive")
	}
	if c.Retention.MaxEntryAgeDays < 0 || c.Retention.MaxReports < 0 {
		return fmt.Errorf("retention values must be non-negative")
	}
	return nil
}

// parseWallClock validates an "HH:MM" string.
func parseWallClock(s string) (time.Time, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid wall-clock time %q (want HH:MM)", s)
	}
	return t, nil
}
