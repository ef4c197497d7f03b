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

// SnoozeReleaser re-enters expired snoozes into New. Satisfied by
// *governance.AlertStore.
type SnoozeReleaser interface {
	ReleaseAllSnoozed(ctx context.Context) ([]string, error)
}

// SnoozeReleaseService periodically releases expired snoozes so they
// re-surface to reviewers. Releasing is idempotent per alert.
type SnoozeReleaseService struct {
	releaser SnoozeReleaser
	interval time.Duration
	name     string
}

// NewSnoozeReleaseService creates the snooze release loop. interval <= 0
// defaults to five minutes.
func NewSnoozeReleaseService(releaser SnoozeReleaser, interval time.Duration) *SnoozeReleaseService {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SnoozeReleaseService{
		releaser: releaser,
		interval: interval,
		name:     "snooze-release",
	}
}

// Serve implements suture.Service.
func (s *SnoozeReleaseService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			released, err := s.releaser.ReleaseAllSnoozed(ctx)
			if err != nil {
				logging.Err(err).Msg("snooze release sweep failed")
				continue
			}
			if len(released) > 0 {
				logging.Info().Int("released", len(released)).Msg("expired snoozes released")
			}
		}
	}
}

// String implements fmt.Stringer for suture's log messages.
func (s *SnoozeReleaseService) String() string {
	return s.name
}
