// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package detection

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/goccy/go-json"

	"github.com/kestrelwatch/kestrel/internal/baseline"
	"github.com/kestrelwatch/kestrel/internal/observation"
	"github.com/kestrelwatch/kestrel/internal/scoring"
)

// ZScoreConfig configures the baseline anomaly detector.
type ZScoreConfig struct {
	// RecentCount is how many trailing samples form the recent level.
	RecentCount int `json:"recent_count"`

	// ZCap is the robust z-score mapped to a full score of 1.0.
	ZCap float64 `json:"z_cap"`

	// MinZ is the robust z-score below which the window is unremarkable.
	MinZ float64 `json:"min_z"`

	// MinSamples is the minimum window length to analyze.
	MinSamples int `json:"min_samples"`
}

// DefaultZScoreConfig returns sensible defaults.
func DefaultZScoreConfig() ZScoreConfig {
	return ZScoreConfig{
		RecentCount: 5,
		ZCap:        5.0,
		MinZ:        2.0,
		MinSamples:  5,
	}
}

// ZScoreDetector scores the deviation of the recent level from the
// subject's baseline using a robust (median/IQR) z-score.
type ZScoreDetector struct {
	config  ZScoreConfig
	enabled bool
	mu      sync.RWMutex
}

// NewZScoreDetector creates a z-score detector with default configuration.
func NewZScoreDetector() *ZScoreDetector {
	return &ZScoreDetector{config: DefaultZScoreConfig(), enabled: true}
}

// Kind returns the detector family.
func (d *ZScoreDetector) Kind() DetectorKind {
	return KindZScore
}

// Detect compares the trailing samples against the baseline median.
func (d *ZScoreDetector) Detect(ctx context.Context, win Window, base *baseline.SubjectBaseline) (*Result, error) {
	d.mu.RLock()
	config := d.config
	enabled := d.enabled
	d.mu.RUnlock()
	if !enabled {
		return nil, nil
	}

	values := observation.FiniteValues(win.Values)
	if len(values) < config.MinSamples {
		return nil, nil
	}

	ref, sigma, fromBaseline := referenceLevel(values, win.MetricKey, base)
	if sigma <= 0 {
		return nil, nil
	}

	recent := values
	if len(recent) > config.RecentCount {
		recent = recent[len(recent)-config.RecentCount:]
	}
	recentMean, _ := scoring.MeanStd(recent)

	// Standard error of the recent mean against the reference spread.
	z := math.Abs(recentMean-ref) / (sigma / math.Sqrt(float64(len(recent))))
	if z < config.MinZ {
		return nil, nil
	}
	score := scoring.SafeScore(z / config.ZCap)
	confidence := sampleConfidence(len(values), fromBaseline)

	params, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("zscore: marshal parameters: %w", err)
	}

	return &Result{
		Score:      score,
		Confidence: confidence,
		Sources: []scoring.SourceRef{{
			DetectorType: string(KindZScore),
			Score:        score,
			Confidence:   confidence,
			Parameters:   string(params),
		}},
		Analysis: fmt.Sprintf("recent level %.2f deviates from baseline %.2f (robust z %.2f)",
			recentMean, ref, z),
	}, nil
}

// Configure updates the detector configuration.
func (d *ZScoreDetector) Configure(config json.RawMessage) error {
	var next ZScoreConfig
	if err := json.Unmarshal(config, &next); err != nil {
		return fmt.Errorf("zscore: invalid configuration: %w", err)
	}
	if next.RecentCount < 1 {
		return fmt.Errorf("zscore: recent_count must be at least 1")
	}
	if next.ZCap <= 0 {
		return fmt.Errorf("zscore: z_cap must be positive")
	}
	if next.MinZ < 0 {
		return fmt.Errorf("zscore: min_z cannot be negative")
	}
	if next.MinSamples < 2 {
		return fmt.Errorf("zscore: min_samples must be at least 2")
	}

	d.mu.Lock()
	d.config = next
	d.mu.Unlock()
	return nil
}

// Enabled reports whether this detector participates in runs.
func (d *ZScoreDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *ZScoreDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
