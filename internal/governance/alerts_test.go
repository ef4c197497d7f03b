// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kestrelwatch/kestrel/internal/detection"
	"github.com/kestrelwatch/kestrel/internal/kvstore"
	"github.com/kestrelwatch/kestrel/internal/scoring"
)

func alertStoreFixture(t *testing.T, now time.Time) (*AlertStore, context.Context) {
	t.Helper()
	return NewAlertStore(kvstore.NewMemoryStore(), func() time.Time { return now }), context.Background()
}

func TestAlertStoreRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	store, ctx := alertStoreFixture(t, now)

	alert := govAlert("a1", "s1", "m", scoring.SeverityModerate, now)
	if err := store.Save(ctx, alert); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, "s1", "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "a1" || got.Severity != scoring.SeverityModerate {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if _, err := store.Get(ctx, "s1", "missing"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("Get missing err = %v, want ErrAlertNotFound", err)
	}
	if _, err := store.Get(ctx, "other", "a1"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("alerts must be scoped per subject")
	}
}

func TestAlertStoreListSkipsInvalidRecords(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	kv := kvstore.NewMemoryStore()
	store := NewAlertStore(kv, func() time.Time { return now })
	ctx := context.Background()

	if err := store.Save(ctx, govAlert("a1", "s1", "m", scoring.SeverityLow, now)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Unparseable record and a structurally invalid one (missing id).
	if err := kv.Set(ctx, kvstore.PrefixAlert+"s1:bad", []byte("{broken")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := kv.Set(ctx, kvstore.PrefixAlert+"s1:empty", []byte(`{"subject_id":"s1"}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	alerts, err := store.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(alerts) != 1 || alerts[0].ID != "a1" {
		t.Errorf("List = %+v, want only a1", alerts)
	}
}

func TestAlertStoreTransitions(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		path []detection.AlertStatus
		ok   bool
	}{
		{"full lifecycle", []detection.AlertStatus{detection.StatusAcknowledged, detection.StatusInProgress, detection.StatusResolved}, true},
		{"ack then resolve", []detection.AlertStatus{detection.StatusAcknowledged, detection.StatusResolved}, true},
		{"dismiss from new", []detection.AlertStatus{detection.StatusDismissed}, true},
		{"new cannot resolve directly", []detection.AlertStatus{detection.StatusResolved}, false},
		{"new cannot enter progress", []detection.AlertStatus{detection.StatusInProgress}, false},
		{"resolved is terminal", []detection.AlertStatus{detection.StatusAcknowledged, detection.StatusResolved, detection.StatusAcknowledged}, false},
		{"dismissed is terminal", []detection.AlertStatus{detection.StatusDismissed, detection.StatusNew}, false},
		{"unknown status rejected", []detection.AlertStatus{detection.AlertStatus("archived")}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store, ctx := alertStoreFixture(t, now)
			if err := store.Save(ctx, govAlert("a1", "s1", "m", scoring.SeverityModerate, now)); err != nil {
				t.Fatalf("Save: %v", err)
			}

			var err error
			for _, next := range tt.path {
				_, err = store.Transition(ctx, "s1", "a1", next)
				if err != nil {
					break
				}
			}
			if tt.ok && err != nil {
				t.Errorf("path %v failed: %v", tt.path, err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("path %v err = %v, want ErrInvalidTransition", tt.path, err)
			}
		})
	}
}

func TestAlertStoreSnoozeAndRelease(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	clock := now
	kv := kvstore.NewMemoryStore()
	store := NewAlertStore(kv, func() time.Time { return clock })
	ctx := context.Background()

	if err := store.Save(ctx, govAlert("a1", "s1", "m", scoring.SeverityModerate, now)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	until := now.Add(4 * time.Hour)
	snoozed, err := store.Snooze(ctx, "s1", "a1", until)
	if err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	if snoozed.Status != detection.StatusSnoozed || snoozed.SnoozedUntil == nil || !snoozed.SnoozedUntil.Equal(until) {
		t.Errorf("snoozed alert = %+v", snoozed)
	}

	// Before expiry nothing releases.
	released, err := store.ReleaseSnoozed(ctx, "s1")
	if err != nil {
		t.Fatalf("ReleaseSnoozed: %v", err)
	}
	if len(released) != 0 {
		t.Errorf("released before expiry: %v", released)
	}

	clock = until.Add(time.Minute)
	released, err = store.ReleaseSnoozed(ctx, "s1")
	if err != nil {
		t.Fatalf("ReleaseSnoozed: %v", err)
	}
	if len(released) != 1 || released[0] != "a1" {
		t.Fatalf("released = %v, want [a1]", released)
	}

	got, err := store.Get(ctx, "s1", "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != detection.StatusNew || got.SnoozedUntil != nil {
		t.Errorf("released alert = %+v, want status new with no snooze", got)
	}

	// Releasing again is a no-op.
	released, err = store.ReleaseSnoozed(ctx, "s1")
	if err != nil || len(released) != 0 {
		t.Errorf("second release = (%v, %v), want empty", released, err)
	}
}

func TestAlertStoreReleaseAllSnoozedSpansSubjects(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	clock := now
	store := NewAlertStore(kvstore.NewMemoryStore(), func() time.Time { return clock })
	ctx := context.Background()

	for _, subject := range []string{"s1", "s2"} {
		alert := govAlert("a-"+subject, subject, "m", scoring.SeverityModerate, now)
		if err := store.Save(ctx, alert); err != nil {
			t.Fatalf("Save %s: %v", subject, err)
		}
		if _, err := store.Snooze(ctx, subject, alert.ID, now.Add(time.Hour)); err != nil {
			t.Fatalf("Snooze %s: %v", subject, err)
		}
	}
	// A third subject stays active.
	if err := store.Save(ctx, govAlert("a-s3", "s3", "m", scoring.SeverityModerate, now)); err != nil {
		t.Fatalf("Save s3: %v", err)
	}

	clock = now.Add(2 * time.Hour)
	released, err := store.ReleaseAllSnoozed(ctx)
	if err != nil {
		t.Fatalf("ReleaseAllSnoozed: %v", err)
	}
	if len(released) != 2 {
		t.Fatalf("released = %v, want both snoozed alerts", released)
	}
}

func TestAlertStoreMarkDuplicatesIdempotent(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	store, ctx := alertStoreFixture(t, now)

	if err := store.Save(ctx, govAlert("a1", "s1", "m", scoring.SeverityModerate, now)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := store.MarkDuplicates(ctx, "s1", "a1"); err != nil {
			t.Fatalf("MarkDuplicates #%d: %v", i+1, err)
		}
	}
	got, _ := store.Get(ctx, "s1", "a1")
	if !got.HasDuplicates {
		t.Error("HasDuplicates not set")
	}

	if err := store.MarkDuplicates(ctx, "s1", "missing"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("MarkDuplicates(missing) err = %v, want ErrAlertNotFound", err)
	}
}

func TestTransitionClearsSnoozedUntil(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	store, ctx := alertStoreFixture(t, now)

	if err := store.Save(ctx, govAlert("a1", "s1", "m", scoring.SeverityModerate, now)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := store.Snooze(ctx, "s1", "a1", now.Add(time.Hour)); err != nil {
		t.Fatalf("Snooze: %v", err)
	}

	got, err := store.Transition(ctx, "s1", "a1", detection.StatusDismissed)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.SnoozedUntil != nil {
		t.Error("leaving snoozed must clear SnoozedUntil")
	}
}
