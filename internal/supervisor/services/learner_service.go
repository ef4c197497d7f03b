// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package services

import (
	"context"
	"time"

	"github.com/kestrelwatch/kestrel/internal/learner"
	"github.com/kestrelwatch/kestrel/internal/logging"
	"github.com/kestrelwatch/kestrel/internal/telemetry"
)

// EntrySource yields the telemetry entries threshold learning runs
// over. Satisfied by *telemetry.Service.
type EntrySource interface {
	Entries(ctx context.Context) ([]telemetry.Entry, error)
}

// ThresholdLearner derives overrides from telemetry. Satisfied by
// *learner.Learner.
type ThresholdLearner interface {
	Learn(ctx context.Context, entries []telemetry.Entry) ([]learner.Override, error)
}

// LearnerService periodically re-derives threshold overrides from
// accumulated telemetry.
type LearnerService struct {
	entries  EntrySource
	learner  ThresholdLearner
	interval time.Duration
	name     string
}

// NewLearnerService creates the learning loop. interval <= 0 defaults
// to 24 hours.
func NewLearnerService(entries EntrySource, l ThresholdLearner, interval time.Duration) *LearnerService {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &LearnerService{
		entries:  entries,
		learner:  l,
		interval: interval,
		name:     "threshold-learner",
	}
}

// Serve implements suture.Service.
func (s *LearnerService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.learn(ctx)
		}
	}
}

func (s *LearnerService) learn(ctx context.Context) {
	entries, err := s.entries.Entries(ctx)
	if err != nil {
		logging.Err(err).Msg("telemetry load for learning failed")
		return
	}
	proposed, err := s.learner.Learn(ctx, entries)
	if err != nil {
		logging.Err(err).Msg("threshold learning failed")
		return
	}
	if len(proposed) > 0 {
		logging.Info().Int("overrides", len(proposed)).Msg("threshold overrides refreshed")
	}
}

// String implements fmt.Stringer for suture's log messages.
func (s *LearnerService) String() string {
	return s.name
}
