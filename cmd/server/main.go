// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

// Package main is the entry point for the Kestrel server.
//
// Kestrel watches behavioral observation streams for meaningful change:
// streaming baselines per subject, pluggable change detectors, a
// governance layer that decides which alerts actually surface, and
// telemetry that calibrates the whole system against reviewer feedback.
//
// The server initializes components in the following order:
//
//  1. Configuration: Koanf v2 layered sources (defaults, YAML, env)
//  2. Store: BadgerDB key/value store (in-memory when no path set)
//  3. Baselines, detection engine and worker pool
//  4. Governance: policy, alert store, audit log, notifier
//  5. Telemetry, weekly reporter and threshold learner
//  6. Supervisor tree: scheduling loops plus the HTTP API
//
// Graceful shutdown on SIGINT/SIGTERM drains the audit log and closes
// the store after the supervisor tree stops.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/kestrelwatch/kestrel/internal/api"
	"github.com/kestrelwatch/kestrel/internal/baseline"
	"github.com/kestrelwatch/kestrel/internal/config"
	"github.com/kestrelwatch/kestrel/internal/detection"
	"github.com/kestrelwatch/kestrel/internal/governance"
	"github.com/kestrelwatch/kestrel/internal/kvstore"
	"github.com/kestrelwatch/kestrel/internal/learner"
	"github.com/kestrelwatch/kestrel/internal/logging"
	"github.com/kestrelwatch/kestrel/internal/supervisor"
	"github.com/kestrelwatch/kestrel/internal/supervisor/services"
	"github.com/kestrelwatch/kestrel/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("store_path", cfg.Store.Path).
		Int("port", cfg.Server.Port).
		Msg("Starting Kestrel")

	// Store: badger when a path is configured, in-memory otherwise.
	var store kvstore.Store
	var badgerStore *kvstore.BadgerStore
	if cfg.Store.Path != "" {
		badgerStore, err = kvstore.OpenBadger(cfg.Store.Path)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to open store")
		}
		store = badgerStore
	} else {
		logging.Warn().Msg("No store path configured, using in-memory store")
		store = kvstore.NewMemoryStore()
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Threshold learner doubles as the engine's override provider.
	thresholdLearner := learner.New(cfg.Learner, cfg.Detection.BaseThresholds, store, nil)
	if err := thresholdLearner.Load(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to load threshold overrides")
	}

	baselines := baseline.NewService(cfg.Baseline, store, nil)

	engine := detection.NewEngine(cfg.Detection, thresholdLearner, nil)
	engine.RegisterDefaultDetectors()
	pool := detection.NewPool(engine, cfg.Pool)
	defer pool.Close()

	// Governance: audit log, alert store, notifier, policy.
	auditLog := governance.NewAuditLog(store, 0)
	defer auditLog.Close()
	alertStore := governance.NewAlertStore(store, nil)

	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewStdLogger(false, false))
	defer func() {
		if err := pubsub.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing pubsub")
		}
	}()
	notifier := governance.NewNotifier(pubsub, cfg.Notifier)

	policy := governance.NewPolicy(cfg.Govern, store, alertStore, auditLog, notifier, nil)

	// Telemetry and reporting.
	telemetrySvc := telemetry.NewService(store, nil)
	reporter := telemetry.NewReporter(telemetrySvc, store, nil)

	// HTTP API.
	handler := api.NewHandler(api.HandlerDeps{
		Baselines:      baselines,
		Pool:           pool,
		Policy:         policy,
		Alerts:         alertStore,
		Audit:          auditLog,
		Telemetry:      telemetrySvc,
		Reporter:       reporter,
		Learner:        thresholdLearner,
		SnoozeDuration: cfg.Govern.SnoozeDuration,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		RateLimitReqs:   cfg.Server.RateLimitReqs,
		RateLimitWindow: cfg.Server.RateLimitWindow,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	// Supervisor tree: scheduling loops plus the API.
	tree := supervisor.NewTree(slog.Default(), supervisor.DefaultTreeConfig())

	tree.AddSchedulingService(services.NewWeeklyReportService(reporter, cfg.Scheduler.ReportCheckInterval, nil))
	tree.AddSchedulingService(services.NewRetentionService(services.RetentionConfig{
		Interval:        cfg.Scheduler.RetentionInterval,
		MaxEntryAgeDays: cfg.Retention.MaxEntryAgeDays,
		MaxReports:      cfg.Retention.MaxReports,
	}, telemetrySvc, reporter, gcFor(badgerStore)))
	tree.AddSchedulingService(services.NewSnoozeReleaseService(alertStore, cfg.Scheduler.SnoozeReleaseInterval))
	tree.AddSchedulingService(services.NewLearnerService(telemetrySvc, thresholdLearner, 24*time.Hour))
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Str("addr", server.Addr).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Kestrel stopped gracefully")
}

// gcFor returns the badger store as a garbage collector, or nil for
// the in-memory store. A typed nil inside a non-nil interface would
// defeat the retention service's nil check.
func gcFor(store *kvstore.BadgerStore) services.GarbageCollector {
	if store == nil {
		return nil
	}
	return store
}
