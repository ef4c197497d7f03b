// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/kestrelwatch/kestrel/internal/detection"
	"github.com/kestrelwatch/kestrel/internal/kvstore"
	"github.com/kestrelwatch/kestrel/internal/logging"
	"github.com/kestrelwatch/kestrel/internal/validation"
)

// ErrAlertNotFound is returned when an alert id does not exist.
var ErrAlertNotFound = errors.New("governance: alert not found")

// ErrInvalidTransition is returned for a status move the lifecycle
// state machine does not permit.
var ErrInvalidTransition = errors.New("governance: invalid status transition")

// AlertStore persists alert events in the key/value store under
// alert:<subjectID>:<alertID>. Structural validation runs when loading
// persisted data (the trust boundary), not in the hot detection path.
type AlertStore struct {
	store kvstore.Store
	now   func() time.Time
}

// NewAlertStore creates an alert store. now may be nil to use time.Now.
func NewAlertStore(store kvstore.Store, now func() time.Time) *AlertStore {
	if now == nil {
		now = time.Now
	}
	return &AlertStore{store: store, now: now}
}

func alertKey(subjectID, alertID string) string {
	return kvstore.PrefixAlert + subjectID + ":" + alertID
}

// Save persists an alert.
func (s *AlertStore) Save(ctx context.Context, alert *detection.AlertEvent) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return s.store.Set(ctx, alertKey(alert.SubjectID, alert.ID), data)
}

// Get loads and validates one alert.
func (s *AlertStore) Get(ctx context.Context, subjectID, alertID string) (*detection.AlertEvent, error) {
	data, err := s.store.Get(ctx, alertKey(subjectID, alertID))
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeAlert(data)
}

// List returns all alerts for a subject in key order. Records that fail
// structural validation are skipped and logged, never returned.
func (s *AlertStore) List(ctx context.Context, subjectID string) ([]detection.AlertEvent, error) {
	pairs, err := s.store.ScanPrefix(ctx, kvstore.PrefixAlert+subjectID+":", 0)
	if err != nil {
		return nil, err
	}
	alerts := make([]detection.AlertEvent, 0, len(pairs))
	for _, pair := range pairs {
		alert, err := decodeAlert(pair.Value)
		if err != nil {
			logging.Err(err).Str("key", pair.Key).Msg("skipping invalid persisted alert")
			continue
		}
		alerts = append(alerts, *alert)
	}
	return alerts, nil
}

// decodeAlert unmarshals and structurally validates a persisted alert.
func decodeAlert(data []byte) (*detection.AlertEvent, error) {
	var alert detection.AlertEvent
	if err := json.Unmarshal(data, &alert); err != nil {
		return nil, fmt.Errorf("decode alert: %w", err)
	}
	if err := validation.ValidateStruct(&alert); err != nil {
		return nil, fmt.Errorf("validate alert: %w", err)
	}
	return &alert, nil
}

// MarkDuplicates sets HasDuplicates on an existing alert.
func (s *AlertStore) MarkDuplicates(ctx context.Context, subjectID, alertID string) error {
	alert, err := s.Get(ctx, subjectID, alertID)
	if err != nil {
		return err
	}
	if alert.HasDuplicates {
		return nil
	}
	alert.HasDuplicates = true
	return s.Save(ctx, alert)
}

// Transition moves an alert to the next lifecycle status, enforcing the
// state machine. Reviewer actions are the only mutation path for status.
func (s *AlertStore) Transition(ctx context.Context, subjectID, alertID string, next detection.AlertStatus) (*detection.AlertEvent, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	alert, err := s.Get(ctx, subjectID, alertID)
	if err != nil {
		return nil, err
	}
	if !alert.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, alert.Status, next)
	}
	alert.Status = next
	if next != detection.StatusSnoozed {
		alert.SnoozedUntil = nil
	}
	if err := s.Save(ctx, alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// Snooze moves an alert to Snoozed until the given time.
func (s *AlertStore) Snooze(ctx context.Context, subjectID, alertID string, until time.Time) (*detection.AlertEvent, error) {
	alert, err := s.Transition(ctx, subjectID, alertID, detection.StatusSnoozed)
	if err != nil {
		return nil, err
	}
	alert.SnoozedUntil = &until
	if err := s.Save(ctx, alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// ReleaseSnoozed re-enters expired snoozes into New for one subject.
// Returns the released alert ids. Scheduled callers make this safe to
// re-run: releasing is idempotent per alert.
func (s *AlertStore) ReleaseSnoozed(ctx context.Context, subjectID string) ([]string, error) {
	alerts, err := s.List(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	released := make([]string, 0)
	for i := range alerts {
		alert := &alerts[i]
		if alert.Status != detection.StatusSnoozed || alert.SnoozedUntil == nil {
			continue
		}
		if alert.SnoozedUntil.After(now) {
			continue
		}
		alert.Status = detection.StatusNew
		alert.SnoozedUntil = nil
		if err := s.Save(ctx, alert); err != nil {
			return released, err
		}
		released = append(released, alert.ID)
	}
	return released, nil
}

// ReleaseAllSnoozed re-enters expired snoozes into New across every
// subject. Returns the released alert ids.
func (s *AlertStore) ReleaseAllSnoozed(ctx context.Context) ([]string, error) {
	pairs, err := s.store.ScanPrefix(ctx, kvstore.PrefixAlert, 0)
	if err != nil {
		return nil, err
	}
	now := s.now()
	released := make([]string, 0)
	for _, pair := range pairs {
		alert, err := decodeAlert(pair.Value)
		if err != nil {
			logging.Err(err).Str("key", pair.Key).Msg("skipping invalid persisted alert")
			continue
		}
		if alert.Status != detection.StatusSnoozed || alert.SnoozedUntil == nil {
			continue
		}
		if alert.SnoozedUntil.After(now) {
			continue
		}
		alert.Status = detection.StatusNew
		alert.SnoozedUntil = nil
		if err := s.Save(ctx, alert); err != nil {
			return released, err
		}
		released = append(released, alert.ID)
	}
	return released, nil
}
