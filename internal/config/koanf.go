// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/kestrel/config.yaml",
	"/etc/kestrel/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "KESTREL_CONFIG_PATH"

// envPrefix namespaces Kestrel environment variables.
const envPrefix = "KESTREL_"

// Load builds the configuration from layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if one exists)
//  3. Environment variables: KESTREL_* overrides any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps KESTREL_* environment variables to koanf config
// paths.
//
// Examples:
//   - KESTREL_LOG_LEVEL       -> logging.level
//   - KESTREL_HTTP_PORT       -> server.port
//   - KESTREL_STORE_PATH      -> store.path
//   - KESTREL_QUIET_START     -> governance.quiet_hours.start
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	envMappings := map[string]string{
		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",

		// Store
		"store_path": "store.path",

		// Server
		"http_host":         "server.host",
		"http_port":         "server.port",
		"http_timeout":      "server.timeout",
		"rate_limit_reqs":   "server.rate_limit_reqs",
		"rate_limit_window": "server.rate_limit_window",

		// Baseline
		"baseline_lookback_days":     "baseline.lookback_days",
		"baseline_short_window_days": "baseline.short_window_days",
		"baseline_min_sessions":      "baseline.min_sessions",
		"baseline_min_distinct_days": "baseline.min_distinct_days",
		"baseline_outlier_z":         "baseline.outlier_z",
		"baseline_shift_threshold":   "baseline.shift_threshold",

		// Detection
		"detection_shift_sensitivity": "detection.shift_sensitivity",
		"detection_sparkline_cap":     "detection.sparkline_cap",
		"detection_watchdog_timeout":  "detection.watchdog_timeout",

		// Pool
		"pool_workers":         "pool.workers",
		"pool_queue_size":      "pool.queue_size",
		"pool_runs_per_second": "pool.runs_per_second",

		// Governance
		"quiet_enabled":         "governance.quiet_hours.enabled",
		"quiet_start":           "governance.quiet_hours.start",
		"quiet_end":             "governance.quiet_hours.end",
		"quiet_days":            "governance.quiet_hours.days",
		"quiet_bypass_severity": "governance.quiet_hours.bypass_severity",
		"dedup_window":          "governance.dedup_window",
		"default_timezone":      "governance.default_timezone",
		"snooze_duration":       "governance.snooze_duration",
		"throttle_quiet_period": "governance.throttle.quiet_period",

		// Notifier
		"notifier_publishes_per_second": "notifier.publishes_per_second",
		"notifier_breaker_failures":     "notifier.breaker_max_failures",
		"notifier_breaker_interval":     "notifier.breaker_open_interval",

		// Learner
		"learner_target_ppv":       "learner.target_ppv",
		"learner_min_samples":      "learner.min_samples",
		"learner_max_step":         "learner.max_step",
		"learner_max_adjustment":   "learner.max_adjustment",
		"learner_lower_ppv_slack":  "learner.lower_ppv_slack",
		"learner_low_volume_count": "learner.low_volume_count",

		// Scheduler
		"report_check_interval":   "scheduler.report_check_interval",
		"retention_interval":      "scheduler.retention_interval",
		"snooze_release_interval": "scheduler.snooze_release_interval",

		// Retention
		"max_entry_age_days": "retention.max_entry_age_days",
		"max_reports":        "retention.max_reports",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	// Unmapped keys are skipped so unrelated env vars never pollute the
	// config.
	return ""
}

// sliceConfigPaths are parsed from comma-separated env strings.
var sliceConfigPaths = []string{
	"governance.quiet_hours.days",
}

// processSliceFields converts comma-separated string values into slices
// for known slice fields. Env vars arrive as strings; YAML values are
// already slices and are left alone.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}

// WatchConfigFile watches the config file and invokes callback on each
// change. The caller handles reload and its own locking.
func WatchConfigFile(path string, callback func()) error {
	provider := file.Provider(path)
	return provider.Watch(func(event interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}
