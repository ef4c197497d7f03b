// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/kestrelwatch/kestrel/internal/detection"
	"github.com/kestrelwatch/kestrel/internal/kvstore"
	"github.com/kestrelwatch/kestrel/internal/metrics"
	"github.com/kestrelwatch/kestrel/internal/scoring"
)

// ErrEntryNotFound is returned when no telemetry entry exists for an
// alert id.
var ErrEntryNotFound = errors.New("telemetry: entry not found")

// Service appends and updates telemetry entries. Lifecycle updates look
// entries up by alert id; writes to one entry are serialized.
type Service struct {
	store kvstore.Store
	now   func() time.Time

	// mu serializes read-modify-write cycles on entries. Entry updates
	// are per-alert, low-rate reviewer actions; one lock suffices.
	mu sync.Mutex
}

// NewService creates a telemetry service. now may be nil to use time.Now.
func NewService(store kvstore.Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, now: now}
}

func entryKey(alertID string) string {
	return kvstore.PrefixTelem + alertID
}

// LogAlertCreated appends the telemetry entry for a freshly admitted
// alert. The subject id is hashed before storage; the raw id is never
// written.
func (s *Service) LogAlertCreated(ctx context.Context, alert *detection.AlertEvent, group Group) error {
	if alert == nil {
		return fmt.Errorf("telemetry: nil alert")
	}

	entry := Entry{
		AlertID:              alert.ID,
		StudentHash:          HashSubjectID(alert.SubjectID),
		Group:                group,
		CreatedAt:            alert.CreatedAt,
		PredictedRelevance:   scoring.SafeScore(alert.Confidence),
		Severity:             string(alert.Severity),
		ThresholdAdjustments: alert.Metadata.Thresholds,
	}
	for _, src := range alert.Sources {
		entry.DetectorTypes = append(entry.DetectorTypes, src.DetectorType)
	}
	if alert.Metadata.Experiment != nil {
		entry.ExperimentKey = alert.Metadata.Experiment.Key
		entry.ExperimentVariant = alert.Metadata.Experiment.Variant
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	metrics.TelemetryAppends.WithLabelValues("created").Inc()
	return s.put(ctx, &entry)
}

// LogAlertAcknowledged stamps the acknowledgement time.
func (s *Service) LogAlertAcknowledged(ctx context.Context, alertID string) error {
	return s.update(ctx, alertID, "acknowledged", func(e *Entry) {
		t := s.now()
		e.AcknowledgedAt = &t
	})
}

// LogAlertResolved stamps the resolution time.
func (s *Service) LogAlertResolved(ctx context.Context, alertID string) error {
	return s.update(ctx, alertID, "resolved", func(e *Entry) {
		t := s.now()
		e.ResolvedAt = &t
	})
}

// LogAlertSnoozed stamps the snooze time.
func (s *Service) LogAlertSnoozed(ctx context.Context, alertID string) error {
	return s.update(ctx, alertID, "snoozed", func(e *Entry) {
		t := s.now()
		e.SnoozedAt = &t
	})
}

// LogFeedback attaches reviewer feedback to the entry.
func (s *Service) LogFeedback(ctx context.Context, alertID string, feedback Feedback) error {
	if feedback.Rating != 0 && (feedback.Rating < 1 || feedback.Rating > 5) {
		return fmt.Errorf("telemetry: rating must be 1-5, got %d", feedback.Rating)
	}
	return s.update(ctx, alertID, "feedback", func(e *Entry) {
		e.Feedback = &feedback
	})
}

// Entry returns one entry by alert id.
func (s *Service) Entry(ctx context.Context, alertID string) (*Entry, error) {
	data, err := s.store.Get(ctx, entryKey(alertID))
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode telemetry entry: %w", err)
	}
	return &entry, nil
}

// Entries returns every stored entry in key order.
func (s *Service) Entries(ctx context.Context) ([]Entry, error) {
	pairs, err := s.store.ScanPrefix(ctx, kvstore.PrefixTelem, 0)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(pairs))
	for _, pair := range pairs {
		var entry Entry
		if err := json.Unmarshal(pair.Value, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// update applies a mutation to an existing entry under the lock.
func (s *Service) update(ctx context.Context, alertID, event string, mutate func(*Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.Entry(ctx, alertID)
	if err != nil {
		return err
	}
	mutate(entry)
	metrics.TelemetryAppends.WithLabelValues(event).Inc()
	return s.put(ctx, entry)
}

func (s *Service) put(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode telemetry entry: %w", err)
	}
	return s.store.Set(ctx, entryKey(entry.AlertID), data)
}

// PruneEntries removes entries created more than maxAgeDays ago.
// Returns the number removed.
func (s *Service) PruneEntries(ctx context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().AddDate(0, 0, -maxAgeDays)

	entries, err := s.Entries(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := range entries {
		if entries[i].CreatedAt.Before(cutoff) {
			if err := s.store.Delete(ctx, entryKey(entries[i].AlertID)); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		metrics.RetentionPrunes.WithLabelValues("telemetry").Add(float64(removed))
	}
	return removed, nil
}
