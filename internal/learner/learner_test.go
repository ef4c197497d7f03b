// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package learner

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/kestrelwatch/kestrel/internal/detection"
	"github.com/kestrelwatch/kestrel/internal/kvstore"
	"github.com/kestrelwatch/kestrel/internal/telemetry"
)

var learnNow = time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)

func learnerFixture(t *testing.T) (*Learner, kvstore.Store, *time.Time) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	clock := learnNow
	base := detection.DefaultEngineConfig().BaseThresholds
	l := New(DefaultConfig(), base, store, func() time.Time { return clock })
	return l, store, &clock
}

// outcomeEntries builds telemetry entries for one detector kind:
// labelled entries with the given relevant count, plus unlabelled ones.
func outcomeEntries(kind detection.DetectorKind, labelled, relevant, unlabelled int) []telemetry.Entry {
	entries := make([]telemetry.Entry, 0, labelled+unlabelled)
	for i := 0; i < labelled; i++ {
		rel := i < relevant
		entries = append(entries, telemetry.Entry{
			AlertID:       "a",
			DetectorTypes: []string{string(kind)},
			Feedback:      &telemetry.Feedback{Relevant: &rel},
		})
	}
	for i := 0; i < unlabelled; i++ {
		entries = append(entries, telemetry.Entry{
			AlertID:       "b",
			DetectorTypes: []string{string(kind)},
		})
	}
	return entries
}

func TestLearnRaisesThresholdOnLowPPV(t *testing.T) {
	t.Parallel()

	l, _, _ := learnerFixture(t)
	ctx := context.Background()

	// 6 of 20 relevant: PPV 0.30, shortfall 0.30 of the 0.60 target,
	// so the step is half of MaxStep.
	proposed, err := l.Learn(ctx, outcomeEntries(detection.KindCUSUM, 20, 6, 0))
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if len(proposed) != 1 {
		t.Fatalf("proposed %d overrides, want 1", len(proposed))
	}
	o := proposed[0]
	if math.Abs(o.Adjustment-0.025) > 1e-9 {
		t.Errorf("adjustment = %v, want 0.025", o.Adjustment)
	}
	if o.PPV != 0.3 {
		t.Errorf("ppv = %v, want 0.3", o.PPV)
	}
	if o.FalseRate != 0.7 {
		t.Errorf("false rate = %v, want 0.7", o.FalseRate)
	}
	if o.SampleSize != 20 {
		t.Errorf("sample size = %d, want 20", o.SampleSize)
	}
	if o.Confidence != 0.25 {
		t.Errorf("confidence = %v, want 0.25 (20 of 80)", o.Confidence)
	}
	if o.BaselineThreshold != 0.50 {
		t.Errorf("baseline threshold = %v, want the configured cusum base 0.50", o.BaselineThreshold)
	}
	if got := l.Adjustment(detection.KindCUSUM); math.Abs(got-0.025) > 1e-9 {
		t.Errorf("Adjustment = %v, want the proposal installed", got)
	}
}

func TestLearnStepCappedAtMaxStep(t *testing.T) {
	t.Parallel()

	l, _, _ := learnerFixture(t)

	// Zero relevance is the worst shortfall; the step tops out at
	// MaxStep rather than scaling past it.
	proposed, err := l.Learn(context.Background(), outcomeEntries(detection.KindEWMA, 20, 0, 0))
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if len(proposed) != 1 {
		t.Fatalf("proposed %d overrides, want 1", len(proposed))
	}
	if math.Abs(proposed[0].Adjustment-0.05) > 1e-9 {
		t.Errorf("adjustment = %v, want 0.05", proposed[0].Adjustment)
	}
}

func TestLearnLowersForPreciseLowVolumeDetector(t *testing.T) {
	t.Parallel()

	l, _, _ := learnerFixture(t)

	// All 20 relevant and under the low-volume mark: lower at half
	// step to admit more alerts.
	proposed, err := l.Learn(context.Background(), outcomeEntries(detection.KindZScore, 20, 20, 0))
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if len(proposed) != 1 {
		t.Fatalf("proposed %d overrides, want 1", len(proposed))
	}
	if math.Abs(proposed[0].Adjustment-(-0.025)) > 1e-9 {
		t.Errorf("adjustment = %v, want -0.025", proposed[0].Adjustment)
	}
}

func TestLearnHoldsForPreciseHighVolumeDetector(t *testing.T) {
	t.Parallel()

	l, _, _ := learnerFixture(t)

	// Same perfect precision but 40 total alerts: the detector is not
	// low-volume, so the threshold holds.
	proposed, err := l.Learn(context.Background(), outcomeEntries(detection.KindZScore, 20, 20, 20))
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if len(proposed) != 1 {
		t.Fatalf("proposed %d overrides, want 1 (stats still recorded)", len(proposed))
	}
	if proposed[0].Adjustment != 0 {
		t.Errorf("adjustment = %v, want 0", proposed[0].Adjustment)
	}
}

func TestLearnSkipsBelowMinSamples(t *testing.T) {
	t.Parallel()

	l, _, _ := learnerFixture(t)

	proposed, err := l.Learn(context.Background(), outcomeEntries(detection.KindCUSUM, 19, 0, 0))
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if len(proposed) != 0 {
		t.Errorf("proposed %d overrides from 19 labels, want 0", len(proposed))
	}
	if got := l.Adjustment(detection.KindCUSUM); got != 0 {
		t.Errorf("Adjustment = %v, want 0", got)
	}
}

func TestLearnClampsCumulativeAdjustment(t *testing.T) {
	t.Parallel()

	l, _, clock := learnerFixture(t)
	ctx := context.Background()
	entries := outcomeEntries(detection.KindCUSUM, 20, 0, 0)

	// Four bad rounds walk the adjustment up in MaxStep increments to
	// the cumulative bound.
	for i := 0; i < 4; i++ {
		*clock = learnNow.Add(time.Duration(i) * time.Hour)
		if _, err := l.Learn(ctx, entries); err != nil {
			t.Fatalf("Learn round %d: %v", i, err)
		}
	}
	if got := l.Adjustment(detection.KindCUSUM); math.Abs(got-0.20) > 1e-9 {
		t.Fatalf("Adjustment after 4 rounds = %v, want 0.20", got)
	}

	// A fifth round would exceed the bound; nothing changes, so no
	// record is written.
	*clock = learnNow.Add(4 * time.Hour)
	proposed, err := l.Learn(ctx, entries)
	if err != nil {
		t.Fatalf("Learn round 5: %v", err)
	}
	if len(proposed) != 0 {
		t.Errorf("proposed %d overrides at the clamp, want 0", len(proposed))
	}
	if got := l.Adjustment(detection.KindCUSUM); math.Abs(got-0.20) > 1e-9 {
		t.Errorf("Adjustment = %v, want to stay at 0.20", got)
	}
}

func TestLoadKeepsLatestPerDetector(t *testing.T) {
	t.Parallel()

	l, store, clock := learnerFixture(t)
	ctx := context.Background()

	if _, err := l.Learn(ctx, outcomeEntries(detection.KindCUSUM, 20, 6, 0)); err != nil {
		t.Fatalf("first Learn: %v", err)
	}
	*clock = learnNow.Add(time.Hour)
	if _, err := l.Learn(ctx, outcomeEntries(detection.KindCUSUM, 30, 9, 0)); err != nil {
		t.Fatalf("second Learn: %v", err)
	}

	// A fresh learner over the same store sees only the latest record.
	fresh := New(DefaultConfig(), detection.DefaultEngineConfig().BaseThresholds, store, func() time.Time { return learnNow })
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	overrides := fresh.Overrides()
	if len(overrides) != 1 {
		t.Fatalf("loaded %d overrides, want 1", len(overrides))
	}
	got := overrides[detection.KindCUSUM]
	if got.SampleSize != 30 {
		t.Errorf("loaded sample size = %d, want the later record's 30", got.SampleSize)
	}
	if got.BaselineThreshold != 0.50 {
		t.Errorf("loaded baseline threshold = %v, want 0.50 persisted with the record", got.BaselineThreshold)
	}
	if math.Abs(got.Adjustment-0.05) > 1e-9 {
		t.Errorf("loaded adjustment = %v, want 0.05", got.Adjustment)
	}
}

func TestLoadSkipsCorruptRecords(t *testing.T) {
	t.Parallel()

	l, store, _ := learnerFixture(t)
	ctx := context.Background()

	if err := store.Set(ctx, kvstore.PrefixOverride+"cusum:00000000000000000001", []byte("{broken")); err != nil {
		t.Fatalf("seed corrupt record: %v", err)
	}
	if _, err := l.Learn(ctx, outcomeEntries(detection.KindEWMA, 20, 6, 0)); err != nil {
		t.Fatalf("Learn: %v", err)
	}

	if err := l.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	overrides := l.Overrides()
	if len(overrides) != 1 {
		t.Errorf("loaded %d overrides, want the 1 valid record", len(overrides))
	}
	if _, ok := overrides[detection.KindEWMA]; !ok {
		t.Error("valid ewma override dropped")
	}
}

func TestHistoryReturnsVersionsOldestFirst(t *testing.T) {
	t.Parallel()

	l, _, clock := learnerFixture(t)
	ctx := context.Background()

	if _, err := l.Learn(ctx, outcomeEntries(detection.KindCUSUM, 20, 6, 0)); err != nil {
		t.Fatalf("first Learn: %v", err)
	}
	*clock = learnNow.Add(time.Hour)
	if _, err := l.Learn(ctx, outcomeEntries(detection.KindCUSUM, 30, 9, 0)); err != nil {
		t.Fatalf("second Learn: %v", err)
	}
	// A different detector must not leak into the history.
	if _, err := l.Learn(ctx, outcomeEntries(detection.KindEWMA, 20, 6, 0)); err != nil {
		t.Fatalf("ewma Learn: %v", err)
	}

	history, err := l.History(ctx, detection.KindCUSUM)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if !history[0].LastUpdatedAt.Before(history[1].LastUpdatedAt) {
		t.Errorf("history out of order: %v then %v", history[0].LastUpdatedAt, history[1].LastUpdatedAt)
	}
	if history[0].SampleSize != 20 || history[1].SampleSize != 30 {
		t.Errorf("history samples = %d,%d, want 20,30", history[0].SampleSize, history[1].SampleSize)
	}
}

func TestAdjustmentUnknownKindIsZero(t *testing.T) {
	t.Parallel()

	l, _, _ := learnerFixture(t)
	if got := l.Adjustment(detection.KindCooccurrence); got != 0 {
		t.Errorf("Adjustment = %v, want 0 with no overrides", got)
	}
}
