// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

// Package learner turns telemetry outcomes into per-detector threshold
// adjustments. Overrides are versioned: a new proposal writes a fresh
// record, superseded records are never mutated, and the engine always
// reads the latest. Adjustments are bounded per step so a bad week of
// labels cannot swing thresholds far.
package learner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/kestrelwatch/kestrel/internal/detection"
	"github.com/kestrelwatch/kestrel/internal/kvstore"
	"github.com/kestrelwatch/kestrel/internal/logging"
	"github.com/kestrelwatch/kestrel/internal/telemetry"
)

// Override is one versioned threshold adjustment for a detector kind.
// BaselineThreshold records the configured base the adjustment applies
// to, so a loaded record can be audited against it.
type Override struct {
	DetectorKind      detection.DetectorKind `json:"detector_kind"`
	BaselineThreshold float64                `json:"baseline_threshold"`
	Adjustment        float64                `json:"adjustment"`
	Confidence        float64                `json:"confidence"`
	SampleSize        int                    `json:"sample_size"`
	PPV               float64                `json:"ppv"`
	FalseRate         float64                `json:"false_rate"`
	LastUpdatedAt     time.Time              `json:"last_updated_at"`
}

// Config bounds the learning behavior.
type Config struct {
	// TargetPPV is the precision the learner steers toward.
	TargetPPV float64 `koanf:"target_ppv"`

	// MinSamples is the smallest labelled sample per detector before
	// any adjustment is proposed.
	MinSamples int `koanf:"min_samples"`

	// MaxStep bounds how far one proposal moves the adjustment.
	MaxStep float64 `koanf:"max_step"`

	// MaxAdjustment bounds the cumulative adjustment either direction.
	MaxAdjustment float64 `koanf:"max_adjustment"`

	// LowerPPVSlack is how far above target PPV must sit before the
	// learner cautiously lowers a threshold to admit more alerts.
	LowerPPVSlack float64 `koanf:"lower_ppv_slack"`

	// LowVolumeCount marks a detector as low-volume; only low-volume
	// detectors with high PPV get their thresholds lowered.
	LowVolumeCount int `koanf:"low_volume_count"`
}

// DefaultConfig returns the default learning bounds.
func DefaultConfig() Config {
	return Config{
		TargetPPV:      0.60,
		MinSamples:     20,
		MaxStep:        0.05,
		MaxAdjustment:  0.20,
		LowerPPVSlack:  0.25,
		LowVolumeCount: 40,
	}
}

// Learner proposes and persists threshold overrides and serves the
// current set to the detection engine. It implements
// detection.OverrideProvider.
type Learner struct {
	config Config
	base   map[detection.DetectorKind]float64
	store  kvstore.Store
	now    func() time.Time

	mu      sync.RWMutex
	current map[detection.DetectorKind]Override
}

// New creates a learner. baseThresholds are the engine's configured
// base thresholds, recorded on every proposed override. Call Load
// before serving adjustments so the latest persisted overrides are in
// effect.
func New(config Config, baseThresholds map[detection.DetectorKind]float64, store kvstore.Store, now func() time.Time) *Learner {
	if now == nil {
		now = time.Now
	}
	return &Learner{
		config:  config,
		base:    baseThresholds,
		store:   store,
		now:     now,
		current: make(map[detection.DetectorKind]Override),
	}
}

// Adjustment returns the active adjustment for a detector kind.
func (l *Learner) Adjustment(kind detection.DetectorKind) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current[kind].Adjustment
}

// Overrides returns a copy of the active override set.
func (l *Learner) Overrides() map[detection.DetectorKind]Override {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[detection.DetectorKind]Override, len(l.current))
	for k, v := range l.current {
		out[k] = v
	}
	return out
}

func overrideKey(kind detection.DetectorKind, at time.Time) string {
	return fmt.Sprintf("%s%s:%020d", kvstore.PrefixOverride, kind, at.UnixNano())
}

// Load reads every persisted override and keeps the latest per
// detector kind. Keys embed the write time, so the last record under
// each kind prefix wins.
func (l *Learner) Load(ctx context.Context) error {
	pairs, err := l.store.ScanPrefix(ctx, kvstore.PrefixOverride, 0)
	if err != nil {
		return fmt.Errorf("load overrides: %w", err)
	}

	latest := make(map[detection.DetectorKind]Override)
	for _, pair := range pairs {
		var o Override
		if err := json.Unmarshal(pair.Value, &o); err != nil {
			logging.Err(err).Str("key", pair.Key).Msg("skipping corrupt override record")
			continue
		}
		latest[o.DetectorKind] = o
	}

	l.mu.Lock()
	l.current = latest
	l.mu.Unlock()
	return nil
}

// detectorOutcomes aggregates labelled telemetry per detector type.
type detectorOutcomes struct {
	labelled int
	relevant int
	total    int
}

// Learn derives new overrides from telemetry entries and persists one
// versioned record per detector whose adjustment changed.
func (l *Learner) Learn(ctx context.Context, entries []telemetry.Entry) ([]Override, error) {
	outcomes := make(map[detection.DetectorKind]*detectorOutcomes)
	for i := range entries {
		e := &entries[i]
		for _, dt := range e.DetectorTypes {
			kind := detection.DetectorKind(dt)
			o := outcomes[kind]
			if o == nil {
				o = &detectorOutcomes{}
				outcomes[kind] = o
			}
			o.total++
			if e.Labelled() {
				o.labelled++
				if *e.Feedback.Relevant {
					o.relevant++
				}
			}
		}
	}

	var proposed []Override
	for kind, o := range outcomes {
		next, changed := l.propose(kind, o)
		if !changed {
			continue
		}
		if err := l.save(ctx, next); err != nil {
			return proposed, err
		}
		proposed = append(proposed, next)
		logging.Info().
			Str("detector", string(kind)).
			Float64("adjustment", next.Adjustment).
			Float64("ppv", next.PPV).
			Int("samples", next.SampleSize).
			Msg("threshold override updated")
	}
	return proposed, nil
}

// propose computes the next override for one detector. Thresholds rise
// when precision runs below target and drop cautiously only for
// low-volume detectors whose precision runs well above target.
func (l *Learner) propose(kind detection.DetectorKind, o *detectorOutcomes) (Override, bool) {
	current := Override{DetectorKind: kind}
	l.mu.RLock()
	if existing, ok := l.current[kind]; ok {
		current = existing
	}
	l.mu.RUnlock()

	if o.labelled < l.config.MinSamples {
		return current, false
	}
	ppv := float64(o.relevant) / float64(o.labelled)
	falseRate := 1 - ppv

	step := 0.0
	switch {
	case ppv < l.config.TargetPPV:
		// Too many false alerts: raise the threshold proportionally to
		// the shortfall, capped per step.
		step = (l.config.TargetPPV - ppv) * l.config.MaxStep / l.config.TargetPPV
		if step > l.config.MaxStep {
			step = l.config.MaxStep
		}
	case ppv > l.config.TargetPPV+l.config.LowerPPVSlack && o.total < l.config.LowVolumeCount:
		// Very precise and quiet: lower cautiously at half step.
		step = -l.config.MaxStep / 2
	default:
		step = 0
	}

	next := current
	next.BaselineThreshold = l.base[kind]
	next.Adjustment = clampAdjustment(current.Adjustment+step, l.config.MaxAdjustment)
	next.Confidence = sampleRatio(o.labelled, l.config.MinSamples*4)
	next.SampleSize = o.labelled
	next.PPV = ppv
	next.FalseRate = falseRate
	next.LastUpdatedAt = l.now().UTC()

	changed := next.Adjustment != current.Adjustment ||
		next.PPV != current.PPV || next.SampleSize != current.SampleSize
	return next, changed
}

func clampAdjustment(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// sampleRatio maps a labelled count onto [0,1] against a saturation
// point.
func sampleRatio(n, saturation int) float64 {
	if saturation <= 0 || n >= saturation {
		return 1
	}
	return float64(n) / float64(saturation)
}

// save persists a versioned override record and installs it as current.
func (l *Learner) save(ctx context.Context, o Override) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode override: %w", err)
	}
	if err := l.store.Set(ctx, overrideKey(o.DetectorKind, o.LastUpdatedAt), data); err != nil {
		return fmt.Errorf("persist override: %w", err)
	}

	l.mu.Lock()
	l.current[o.DetectorKind] = o
	l.mu.Unlock()
	return nil
}

// History returns every persisted override for one detector, oldest
// first.
func (l *Learner) History(ctx context.Context, kind detection.DetectorKind) ([]Override, error) {
	pairs, err := l.store.ScanPrefix(ctx, kvstore.PrefixOverride+string(kind)+":", 0)
	if err != nil {
		return nil, err
	}
	out := make([]Override, 0, len(pairs))
	for _, pair := range pairs {
		var o Override
		if err := json.Unmarshal(pair.Value, &o); err != nil {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}
