// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package detection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/kestrelwatch/kestrel/internal/baseline"
	"github.com/kestrelwatch/kestrel/internal/scoring"
)

// CooccurrenceConfig configures environment-behavior co-occurrence scoring.
type CooccurrenceConfig struct {
	// PairWindowMinutes is how close an environmental entry and an
	// emotion entry must be to count as co-occurring.
	PairWindowMinutes int `json:"pair_window_minutes"`

	// HighNoiseLevel is the noise level (1-5) considered high-stimulus.
	HighNoiseLevel int `json:"high_noise_level"`

	// HighIntensity is the emotion intensity (1-5) considered elevated.
	HighIntensity int `json:"high_intensity"`

	// MinPairs is the minimum co-occurring pair count to score.
	MinPairs int `json:"min_pairs"`

	// LiftCap is the lift value mapped to a full score of 1.0.
	LiftCap float64 `json:"lift_cap"`
}

// DefaultCooccurrenceConfig returns sensible defaults.
func DefaultCooccurrenceConfig() CooccurrenceConfig {
	return CooccurrenceConfig{
		PairWindowMinutes: 60,
		HighNoiseLevel:    4,
		HighIntensity:     4,
		MinPairs:          3,
		LiftCap:           3.0,
	}
}

// CooccurrenceDetector scores the lift between high-stimulus environments
// and elevated emotional responses: how much more likely an elevated
// emotion is near a high-stimulus environmental entry than at base rate.
type CooccurrenceDetector struct {
	config  CooccurrenceConfig
	enabled bool
	mu      sync.RWMutex
}

// NewCooccurrenceDetector creates a co-occurrence detector with defaults.
func NewCooccurrenceDetector() *CooccurrenceDetector {
	return &CooccurrenceDetector{config: DefaultCooccurrenceConfig(), enabled: true}
}

// Kind returns the detector family.
func (d *CooccurrenceDetector) Kind() DetectorKind {
	return KindCooccurrence
}

// Detect analyzes the snapshot attached to the window; the numeric series
// itself is unused since co-occurrence spans entry kinds.
func (d *CooccurrenceDetector) Detect(ctx context.Context, win Window, base *baseline.SubjectBaseline) (*Result, error) {
	d.mu.RLock()
	config := d.config
	enabled := d.enabled
	d.mu.RUnlock()
	if !enabled || win.Snapshot == nil {
		return nil, nil
	}

	snap := win.Snapshot
	if len(snap.Environmental) == 0 || len(snap.Emotions) == 0 {
		return nil, nil
	}

	// Base rate of elevated emotion across the whole snapshot.
	var elevated int
	for _, e := range snap.Emotions {
		if e.Intensity >= config.HighIntensity {
			elevated++
		}
	}
	baseRate := float64(elevated) / float64(len(snap.Emotions))
	if baseRate <= 0 {
		return nil, nil
	}

	// Conditional rate of elevated emotion near high-stimulus entries.
	pairWindow := time.Duration(config.PairWindowMinutes) * time.Minute
	var pairs, elevatedPairs int
	for _, env := range snap.Environmental {
		if env.NoiseLevel < config.HighNoiseLevel {
			continue
		}
		for _, emo := range snap.Emotions {
			delta := emo.Timestamp.Sub(env.Timestamp)
			if delta < -pairWindow || delta > pairWindow {
				continue
			}
			pairs++
			if emo.Intensity >= config.HighIntensity {
				elevatedPairs++
			}
		}
	}
	if pairs < config.MinPairs {
		return nil, nil
	}

	conditionalRate := float64(elevatedPairs) / float64(pairs)
	lift := conditionalRate / baseRate
	if lift <= 1.0 {
		return nil, nil
	}

	score := scoring.SafeScore((lift - 1.0) / (config.LiftCap - 1.0))
	confidence := scoring.Clamp01(float64(pairs) / 20.0)

	params, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("cooccurrence: marshal parameters: %w", err)
	}

	return &Result{
		Score:      score,
		Confidence: confidence,
		Sources: []scoring.SourceRef{{
			DetectorType: string(KindCooccurrence),
			Score:        score,
			Confidence:   confidence,
			Parameters:   string(params),
		}},
		Analysis: fmt.Sprintf("elevated emotion rate %.0f%% near high-stimulus environments vs %.0f%% base rate (lift %.2f over %d pairs)",
			conditionalRate*100, baseRate*100, lift, pairs),
	}, nil
}

// Configure updates the detector configuration.
func (d *CooccurrenceDetector) Configure(config json.RawMessage) error {
	var next CooccurrenceConfig
	if err := json.Unmarshal(config, &next); err != nil {
		return fmt.Errorf("cooccurrence: invalid configuration: %w", err)
	}
	if next.PairWindowMinutes <= 0 {
		return fmt.Errorf("cooccurrence: pair_window_minutes must be positive")
	}
	if next.MinPairs < 1 {
		return fmt.Errorf("cooccurrence: min_pairs must be at least 1")
	}
	if next.LiftCap <= 1 {
		return fmt.Errorf("cooccurrence: lift_cap must exceed 1")
	}

	d.mu.Lock()
	d.config = next
	d.mu.Unlock()
	return nil
}

// Enabled reports whether this detector participates in runs.
func (d *CooccurrenceDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *CooccurrenceDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
