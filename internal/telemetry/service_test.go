// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kestrelwatch/kestrel/internal/detection"
	"github.com/kestrelwatch/kestrel/internal/kvstore"
	"github.com/kestrelwatch/kestrel/internal/scoring"
)

func testAlert(id, subjectID string) *detection.AlertEvent {
	return &detection.AlertEvent{
		ID:         id,
		SubjectID:  subjectID,
		Kind:       detection.AlertKindEmotionChange,
		Severity:   scoring.SeverityModerate,
		Confidence: 0.72,
		Score:      0.6,
		CreatedAt:  time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Status:     detection.StatusNew,
		DedupeKey:  subjectID + "|emotion_change|emotion:intensity",
		Sources: []scoring.SourceRef{
			{DetectorType: "cusum", Score: 0.8, Confidence: 0.7, Rank: "S1"},
		},
	}
}

func TestLogAlertCreatedNeverStoresRawSubjectID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	svc := NewService(store, nil)

	alert := testAlert("a1", "student-raw-id")
	if err := svc.LogAlertCreated(ctx, alert, Group{Grade: "5", ClassPeriod: "2"}); err != nil {
		t.Fatalf("LogAlertCreated: %v", err)
	}

	pairs, err := store.ScanPrefix(ctx, kvstore.PrefixTelem, 0)
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("stored %d entries, want 1", len(pairs))
	}
	if strings.Contains(string(pairs[0].Value), "student-raw-id") {
		t.Error("persisted telemetry contains the raw subject id")
	}

	entry, err := svc.Entry(ctx, "a1")
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if entry.StudentHash != HashSubjectID("student-raw-id") {
		t.Error("student hash mismatch")
	}
	if len(entry.StudentHash) != 64 {
		t.Errorf("student hash length = %d, want 64", len(entry.StudentHash))
	}
	if entry.PredictedRelevance != 0.72 {
		t.Errorf("predicted relevance = %v, want 0.72", entry.PredictedRelevance)
	}
	if len(entry.DetectorTypes) != 1 || entry.DetectorTypes[0] != "cusum" {
		t.Errorf("detector types = %v, want [cusum]", entry.DetectorTypes)
	}
}

func TestLifecycleUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	svc := NewService(kvstore.NewMemoryStore(), func() time.Time { return now })

	if err := svc.LogAlertCreated(ctx, testAlert("a1", "s1"), Group{}); err != nil {
		t.Fatalf("LogAlertCreated: %v", err)
	}

	if err := svc.LogAlertAcknowledged(ctx, "a1"); err != nil {
		t.Fatalf("LogAlertAcknowledged: %v", err)
	}
	if err := svc.LogAlertResolved(ctx, "a1"); err != nil {
		t.Fatalf("LogAlertResolved: %v", err)
	}
	if err := svc.LogAlertSnoozed(ctx, "a1"); err != nil {
		t.Fatalf("LogAlertSnoozed: %v", err)
	}

	entry, err := svc.Entry(ctx, "a1")
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	for name, ts := range map[string]*time.Time{
		"acknowledged": entry.AcknowledgedAt,
		"resolved":     entry.ResolvedAt,
		"snoozed":      entry.SnoozedAt,
	} {
		if ts == nil || !ts.Equal(now) {
			t.Errorf("%s timestamp = %v, want %v", name, ts, now)
		}
	}
}

func TestLifecycleUpdateUnknownAlert(t *testing.T) {
	t.Parallel()

	svc := NewService(kvstore.NewMemoryStore(), nil)
	err := svc.LogAlertAcknowledged(context.Background(), "nope")
	if !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("err = %v, want ErrEntryNotFound", err)
	}
}

func TestLogFeedback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := NewService(kvstore.NewMemoryStore(), nil)
	if err := svc.LogAlertCreated(ctx, testAlert("a1", "s1"), Group{}); err != nil {
		t.Fatalf("LogAlertCreated: %v", err)
	}

	relevant := true
	if err := svc.LogFeedback(ctx, "a1", Feedback{Relevant: &relevant, Rating: 4, Comment: "useful"}); err != nil {
		t.Fatalf("LogFeedback: %v", err)
	}

	entry, _ := svc.Entry(ctx, "a1")
	if !entry.Labelled() {
		t.Error("entry should be labelled after relevance feedback")
	}
	if entry.Feedback.Rating != 4 {
		t.Errorf("rating = %d, want 4", entry.Feedback.Rating)
	}

	if err := svc.LogFeedback(ctx, "a1", Feedback{Rating: 9}); err == nil {
		t.Error("out-of-range rating should be rejected")
	}
}

func TestPruneEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	store := kvstore.NewMemoryStore()
	svc := NewService(store, func() time.Time { return now })

	old := testAlert("old", "s1")
	old.CreatedAt = now.AddDate(0, 0, -400)
	fresh := testAlert("fresh", "s1")
	fresh.CreatedAt = now.AddDate(0, 0, -10)

	for _, a := range []*detection.AlertEvent{old, fresh} {
		if err := svc.LogAlertCreated(ctx, a, Group{}); err != nil {
			t.Fatalf("LogAlertCreated: %v", err)
		}
	}

	removed, err := svc.PruneEntries(ctx, 365)
	if err != nil {
		t.Fatalf("PruneEntries: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := svc.Entry(ctx, "old"); !errors.Is(err, ErrEntryNotFound) {
		t.Error("old entry should be gone")
	}
	if _, err := svc.Entry(ctx, "fresh"); err != nil {
		t.Errorf("fresh entry should survive: %v", err)
	}

	// Zero disables pruning.
	removed, err = svc.PruneEntries(ctx, 0)
	if err != nil || removed != 0 {
		t.Errorf("disabled pruning: removed %d err %v", removed, err)
	}
}
