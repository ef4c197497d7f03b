// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

// Package metrics provides Prometheus instrumentation for the detection
// pipeline, governance policy and telemetry service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Detection engine metrics
	DetectionRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_detection_runs_total",
			Help: "Total number of detection runs started",
		},
	)

	DetectionRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kestrel_detection_run_duration_seconds",
			Help:    "Duration of detection runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DetectionRunErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_detection_run_errors_total",
			Help: "Total number of detection runs abandoned or failed",
		},
	)

	DetectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_detector_errors_total",
			Help: "Total number of detector failures excluded from aggregation",
		},
		[]string{"detector"},
	)

	AlertsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_alerts_generated_total",
			Help: "Total number of alert events produced by the engine",
		},
		[]string{"severity"},
	)

	// Governance metrics
	GovernanceDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_governance_decisions_total",
			Help: "Total number of governance decisions by policy and outcome",
		},
		[]string{"policy", "decision"},
	)

	AlertsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_alerts_published_total",
			Help: "Total number of admitted alerts published to the notification channel",
		},
	)

	PublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_publish_errors_total",
			Help: "Total number of notification publish failures",
		},
	)

	// Telemetry metrics
	TelemetryAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_telemetry_appends_total",
			Help: "Total number of telemetry entries appended or updated",
		},
		[]string{"event"},
	)

	WeeklyReportRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_weekly_report_runs_total",
			Help: "Total number of weekly report generation runs",
		},
	)

	RetentionPrunes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_retention_pruned_total",
			Help: "Total number of records removed by retention cleanup",
		},
		[]string{"collection"},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_api_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
