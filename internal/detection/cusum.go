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

// CUSUMConfig configures the sustained change-point detector.
type CUSUMConfig struct {
	// KFactor is the slack per sample in sigma units. Changes smaller
	// than KFactor*sigma accumulate no evidence.
	KFactor float64 `json:"k_factor"`

	// DecisionInterval is the cumulative-sum decision boundary h in
	// sigma units. Crossing h marks a sustained change.
	DecisionInterval float64 `json:"decision_interval"`

	// MinSamples is the minimum window length to analyze.
	MinSamples int `json:"min_samples"`
}

// DefaultCUSUMConfig returns sensible defaults (standard k=0.5, h=4 tuning).
func DefaultCUSUMConfig() CUSUMConfig {
	return CUSUMConfig{
		KFactor:          0.5,
		DecisionInterval: 4.0,
		MinSamples:       8,
	}
}

// CUSUMDetector detects sustained shifts in a metric using one-sided
// cumulative sums in both directions.
type CUSUMDetector struct {
	config  CUSUMConfig
	enabled bool
	mu      sync.RWMutex
}

// NewCUSUMDetector creates a CUSUM detector with default configuration.
func NewCUSUMDetector() *CUSUMDetector {
	return &CUSUMDetector{config: DefaultCUSUMConfig(), enabled: true}
}

// Kind returns the detector family.
func (d *CUSUMDetector) Kind() DetectorKind {
	return KindCUSUM
}

// Detect runs the two-sided CUSUM over the window. The reference level
// and spread come from the baseline when it is sufficient for the
// window's metric, otherwise from the first half of the window itself.
func (d *CUSUMDetector) Detect(ctx context.Context, win Window, base *baseline.SubjectBaseline) (*Result, error) {
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

	slack := config.KFactor * sigma
	boundary := config.DecisionInterval * sigma

	var upper, lower, peak float64
	for _, v := range values {
		upper = math.Max(0, upper+(v-ref-slack))
		lower = math.Max(0, lower+(ref-v-slack))
		peak = math.Max(peak, math.Max(upper, lower))
	}

	// Ratio 1.0 means the decision interval was just crossed; score 0.5
	// there, saturating at twice the interval.
	ratio := peak / boundary
	if ratio < 1.0 {
		return nil, nil
	}
	score := scoring.SafeScore(ratio / 2.0)

	confidence := sampleConfidence(len(values), fromBaseline)
	direction := "upward"
	if lower > upper {
		direction = "downward"
	}

	params, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("cusum: marshal parameters: %w", err)
	}

	return &Result{
		Score:      score,
		Confidence: confidence,
		Sources: []scoring.SourceRef{{
			DetectorType: string(KindCUSUM),
			Score:        score,
			Confidence:   confidence,
			Parameters:   string(params),
		}},
		Analysis: fmt.Sprintf("sustained %s shift: cumulative sum %.2f exceeded decision interval %.2f (reference %.2f)",
			direction, peak, boundary, ref),
	}, nil
}

// Configure updates the detector configuration.
func (d *CUSUMDetector) Configure(config json.RawMessage) error {
	var next CUSUMConfig
	if err := json.Unmarshal(config, &next); err != nil {
		return fmt.Errorf("cusum: invalid configuration: %w", err)
	}
	if next.KFactor < 0 {
		return fmt.Errorf("cusum: k_factor cannot be negative")
	}
	if next.DecisionInterval <= 0 {
		return fmt.Errorf("cusum: decision_interval must be positive")
	}
	if next.MinSamples < 2 {
		return fmt.Errorf("cusum: min_samples must be at least 2")
	}

	d.mu.Lock()
	d.config = next
	d.mu.Unlock()
	return nil
}

// Enabled reports whether this detector participates in runs.
func (d *CUSUMDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *CUSUMDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

// referenceLevel picks the reference value and spread for control-chart
// style detectors. Baseline median/IQR win when the metric is sufficient;
// otherwise the first half of the window stands in.
func referenceLevel(values []float64, metricKey string, base *baseline.SubjectBaseline) (ref, sigma float64, fromBaseline bool) {
	if m := base.Metric(metricKey); m != nil && m.Sufficient && m.IQR > 0 {
		// sigma ~= IQR / 1.349 for a normal distribution
		return m.Median, m.IQR / 1.349, true
	}

	half := values[:len(values)/2]
	if len(half) == 0 {
		half = values
	}
	mean, std := scoring.MeanStd(half)
	if std <= 0 {
		// Flat reference half. Fall back to the whole window's spread so
		// a stable-then-spiking series is still detectable.
		_, std = scoring.MeanStd(values)
	}
	return mean, std, false
}

// sampleConfidence grows with sample count and gets a boost when the
// reference came from a sufficient baseline.
func sampleConfidence(n int, fromBaseline bool) float64 {
	c := scoring.Clamp01(float64(n) / 30.0)
	if fromBaseline {
		c = scoring.Clamp01(c + 0.2)
	}
	return c
}
