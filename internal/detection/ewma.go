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

// EWMAConfig configures the EWMA control-limit detector.
type EWMAConfig struct {
	// Lambda is the smoothing weight for the newest sample (0 < Lambda <= 1).
	Lambda float64 `json:"lambda"`

	// ControlLimit is the L multiplier on the EWMA standard deviation.
	ControlLimit float64 `json:"control_limit"`

	// MinSamples is the minimum window length to analyze.
	MinSamples int `json:"min_samples"`
}

// DefaultEWMAConfig returns sensible defaults (lambda 0.2, 3-sigma limits).
func DefaultEWMAConfig() EWMAConfig {
	return EWMAConfig{
		Lambda:       0.2,
		ControlLimit: 3.0,
		MinSamples:   8,
	}
}

// EWMADetector flags windows whose exponentially weighted moving average
// drifts past its control limit.
type EWMADetector struct {
	config  EWMAConfig
	enabled bool
	mu      sync.RWMutex
}

// NewEWMADetector creates an EWMA detector with default configuration.
func NewEWMADetector() *EWMADetector {
	return &EWMADetector{config: DefaultEWMAConfig(), enabled: true}
}

// Kind returns the detector family.
func (d *EWMADetector) Kind() DetectorKind {
	return KindEWMA
}

// Detect smooths the window and compares the final EWMA value against
// the control limit around the reference level.
func (d *EWMADetector) Detect(ctx context.Context, win Window, base *baseline.SubjectBaseline) (*Result, error) {
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

	lambda := config.Lambda
	z := ref
	peakDeviation := 0.0
	// Asymptotic EWMA standard deviation: sigma * sqrt(lambda/(2-lambda)).
	sigmaZ := sigma * math.Sqrt(lambda/(2-lambda))
	limit := config.ControlLimit * sigmaZ
	if limit <= 0 {
		return nil, nil
	}

	for _, v := range values {
		z = lambda*v + (1-lambda)*z
		if dev := math.Abs(z - ref); dev > peakDeviation {
			peakDeviation = dev
		}
	}

	ratio := peakDeviation / limit
	if ratio < 1.0 {
		return nil, nil
	}
	score := scoring.SafeScore(ratio / 2.0)
	confidence := sampleConfidence(len(values), fromBaseline)

	params, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("ewma: marshal parameters: %w", err)
	}

	return &Result{
		Score:      score,
		Confidence: confidence,
		Sources: []scoring.SourceRef{{
			DetectorType: string(KindEWMA),
			Score:        score,
			Confidence:   confidence,
			Parameters:   string(params),
		}},
		Analysis: fmt.Sprintf("EWMA drifted %.2f from reference %.2f (control limit %.2f)",
			peakDeviation, ref, limit),
	}, nil
}

// Configure updates the detector configuration.
func (d *EWMADetector) Configure(config json.RawMessage) error {
	var next EWMAConfig
	if err := json.Unmarshal(config, &next); err != nil {
		return fmt.Errorf("ewma: invalid configuration: %w", err)
	}
	if next.Lambda <= 0 || next.Lambda > 1 {
		return fmt.Errorf("ewma: lambda must be in (0, 1]")
	}
	if next.ControlLimit <= 0 {
		return fmt.Errorf("ewma: control_limit must be positive")
	}
	if next.MinSamples < 2 {
		return fmt.Errorf("ewma: min_samples must be at least 2")
	}

	d.mu.Lock()
	d.config = next
	d.mu.Unlock()
	return nil
}

// Enabled reports whether this detector participates in runs.
func (d *EWMADetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *EWMADetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
