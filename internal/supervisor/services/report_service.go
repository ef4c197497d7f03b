// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package services

import (
	"context"
	"errors"
	"time"

	"github.com/kestrelwatch/kestrel/internal/logging"
	"github.com/kestrelwatch/kestrel/internal/telemetry"
)

// ReportGenerator matches the telemetry reporter methods the weekly
// report loop needs. Satisfied by *telemetry.Reporter.
type ReportGenerator interface {
	Report(ctx context.Context, anchor time.Time) (*telemetry.WeeklyReport, error)
	Generate(ctx context.Context, anchor time.Time) (*telemetry.WeeklyReport, error)
}

// WeeklyReportService periodically checks whether the previous ISO week
// has a report and generates it if missing. Generation is idempotent,
// so a crash-restart at worst regenerates the same week.
type WeeklyReportService struct {
	reporter ReportGenerator
	interval time.Duration
	now      func() time.Time
	name     string
}

// NewWeeklyReportService creates the weekly report loop. interval <= 0
// defaults to one hour; now may be nil.
func NewWeeklyReportService(reporter ReportGenerator, interval time.Duration, now func() time.Time) *WeeklyReportService {
	if interval <= 0 {
		interval = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &WeeklyReportService{
		reporter: reporter,
		interval: interval,
		now:      now,
		name:     "weekly-report",
	}
}

// Serve implements suture.Service.
func (s *WeeklyReportService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Check once at startup so a missed week is covered immediately
	// after a restart.
	s.check(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

// check generates the previous ISO week's report if absent.
func (s *WeeklyReportService) check(ctx context.Context) {
	previousWeek := s.now().AddDate(0, 0, -7)
	_, err := s.reporter.Report(ctx, previousWeek)
	if err == nil {
		return
	}
	if !errors.Is(err, telemetry.ErrReportNotFound) {
		logging.Err(err).Msg("weekly report lookup failed")
		return
	}
	if _, err := s.reporter.Generate(ctx, previousWeek); err != nil {
		logging.Err(err).Msg("weekly report generation failed")
	}
}

// String implements fmt.Stringer for suture's log messages.
func (s *WeeklyReportService) String() string {
	return s.name
}
