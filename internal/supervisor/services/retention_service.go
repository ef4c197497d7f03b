// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package services

import (
	"context"
	"time"

	"github.com/kestrelwatch/kestrel/internal/logging"
)

// EntryPruner prunes telemetry entries older than maxAgeDays.
// Satisfied by *telemetry.Service.
type EntryPruner interface {
	PruneEntries(ctx context.Context, maxAgeDays int) (int, error)
}

// ReportPruner keeps the newest maxReports weekly reports.
// Satisfied by *telemetry.Reporter.
type ReportPruner interface {
	PruneReports(ctx context.Context, maxReports int) (int, error)
}

// GarbageCollector runs one round of store garbage collection.
// Satisfied by *kvstore.BadgerStore; a nil collector skips GC.
type GarbageCollector interface {
	RunGC(discardRatio float64) error
}

// RetentionConfig bounds what the retention loop keeps.
type RetentionConfig struct {
	Interval        time.Duration
	MaxEntryAgeDays int
	MaxReports      int
	GCDiscardRatio  float64
}

// RetentionService periodically prunes telemetry entries and weekly
// reports, then runs store garbage collection.
type RetentionService struct {
	entries RetentionConfig
	pruner  EntryPruner
	reports ReportPruner
	gc      GarbageCollector
	name    string
}

// NewRetentionService creates the retention loop. gc may be nil.
func NewRetentionService(config RetentionConfig, pruner EntryPruner, reports ReportPruner, gc GarbageCollector) *RetentionService {
	if config.Interval <= 0 {
		config.Interval = 6 * time.Hour
	}
	if config.GCDiscardRatio <= 0 {
		config.GCDiscardRatio = 0.5
	}
	return &RetentionService{
		entries: config,
		pruner:  pruner,
		reports: reports,
		gc:      gc,
		name:    "retention",
	}
}

// Serve implements suture.Service.
func (s *RetentionService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.entries.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.prune(ctx)
		}
	}
}

func (s *RetentionService) prune(ctx context.Context) {
	if s.entries.MaxEntryAgeDays > 0 {
		removed, err := s.pruner.PruneEntries(ctx, s.entries.MaxEntryAgeDays)
		if err != nil {
			logging.Err(err).Msg("telemetry entry pruning failed")
		} else if removed > 0 {
			logging.Info().Int("removed", removed).Msg("pruned telemetry entries")
		}
	}
	if s.entries.MaxReports > 0 {
		removed, err := s.reports.PruneReports(ctx, s.entries.MaxReports)
		if err != nil {
			logging.Err(err).Msg("report pruning failed")
		} else if removed > 0 {
			logging.Info().Int("removed", removed).Msg("pruned weekly reports")
		}
	}
	if s.gc != nil {
		// badger returns ErrNoRewrite when there is nothing to collect;
		// that is not a failure.
		if err := s.gc.RunGC(s.entries.GCDiscardRatio); err != nil {
			logging.Debug().Err(err).Msg("store gc round skipped")
		}
	}
}

// String implements fmt.Stringer for suture's log messages.
func (s *RetentionService) String() string {
	return s.name
}
