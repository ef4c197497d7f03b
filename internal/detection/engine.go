// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package detection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelwatch/kestrel/internal/baseline"
	"github.com/kestrelwatch/kestrel/internal/logging"
	"github.com/kestrelwatch/kestrel/internal/metrics"
	"github.com/kestrelwatch/kestrel/internal/observation"
	"github.com/kestrelwatch/kestrel/internal/scoring"
)

// ErrRunTimeout is returned when a detection run exceeds the watchdog
// timeout. The run is abandoned and reported as a transient failure.
var ErrRunTimeout = errors.New("detection: run exceeded watchdog timeout")

// OverrideProvider supplies learned threshold adjustments per detector
// kind. The threshold learner implements it; a nil provider means no
// adjustment.
type OverrideProvider interface {
	Adjustment(kind DetectorKind) float64
}

// EngineConfig configures the detection engine.
type EngineConfig struct {
	// BaseThresholds are the per-detector candidate thresholds before
	// scaling and overrides.
	BaseThresholds map[DetectorKind]float64 `koanf:"base_thresholds"`

	// ShiftSensitivity multiplies thresholds when the subject baseline
	// is flagged shifted (values < 1 make detection more sensitive).
	ShiftSensitivity float64 `koanf:"shift_sensitivity"`

	// SparklineCap bounds the sample set stored on alert metadata.
	SparklineCap int `koanf:"sparkline_cap"`

	// WatchdogTimeout bounds a single detection run.
	WatchdogTimeout time.Duration `koanf:"watchdog_timeout"`

	// KindTiers maps alert kinds to the tier scoring component.
	KindTiers map[AlertKind]float64 `koanf:"kind_tiers"`

	// ExperimentAdjustments maps experiment variants to per-detector
	// threshold adjustments.
	ExperimentAdjustments map[string]map[DetectorKind]float64 `koanf:"experiment_adjustments"`
}

// DefaultEngineConfig returns sensible defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BaseThresholds: map[DetectorKind]float64{
			KindCUSUM:        0.50,
			KindEWMA:         0.50,
			KindZScore:       0.45,
			KindCooccurrence: 0.40,
		},
		ShiftSensitivity: 0.85,
		SparklineCap:     90,
		WatchdogTimeout:  10 * time.Second,
		KindTiers: map[AlertKind]float64{
			AlertKindEmotionChange:   0.80,
			AlertKindTrackingChange:  0.70,
			AlertKindSensoryPattern:  0.60,
			AlertKindEnvCooccurrence: 0.50,
		},
		ExperimentAdjustments: map[string]map[DetectorKind]float64{},
	}
}

// Engine orchestrates baseline-informed detector runs into scored,
// ranked AlertEvents. RunDetection is a pure computation over its input
// snapshot: no shared mutable state is touched, so subjects can be
// processed fully in parallel.
type Engine struct {
	config    EngineConfig
	overrides OverrideProvider
	now       func() time.Time

	mu        sync.RWMutex
	detectors map[DetectorKind]Detector
}

// NewEngine creates a detection engine. overrides may be nil; now may be
// nil to use time.Now.
func NewEngine(config EngineConfig, overrides OverrideProvider, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	if config.SparklineCap <= 0 {
		config.SparklineCap = 90
	}
	if config.WatchdogTimeout <= 0 {
		config.WatchdogTimeout = 10 * time.Second
	}
	return &Engine{
		config:    config,
		overrides: overrides,
		now:       now,
		detectors: make(map[DetectorKind]Detector),
	}
}

// RegisterDetector adds a detector to the engine.
func (e *Engine) RegisterDetector(d Detector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detectors[d.Kind()] = d
	logging.Info().Str("detector", string(d.Kind())).Msg("registered detector")
}

// RegisterDefaultDetectors registers the four reference detectors.
func (e *Engine) RegisterDefaultDetectors() {
	e.RegisterDetector(NewCUSUMDetector())
	e.RegisterDetector(NewEWMADetector())
	e.RegisterDetector(NewZScoreDetector())
	e.RegisterDetector(NewCooccurrenceDetector())
}

// Detector returns a registered detector by kind.
func (e *Engine) Detector(kind DetectorKind) (Detector, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.detectors[kind]
	return d, ok
}

// RunDetection evaluates the input snapshot and returns an ordered list
// of alert events (highest score first). It always returns a non-nil
// slice and tolerates pathological input; a run that exceeds the
// watchdog timeout is abandoned with ErrRunTimeout.
func (e *Engine) RunDetection(ctx context.Context, input RunInput) ([]AlertEvent, error) {
	start := time.Now()
	metrics.DetectionRuns.Inc()

	runCtx, cancel := context.WithTimeout(ctx, e.config.WatchdogTimeout)
	defer cancel()

	type outcome struct {
		alerts []AlertEvent
	}
	done := make(chan outcome, 1)
	go func() {
		done <- outcome{alerts: e.run(runCtx, input)}
	}()

	select {
	case out := <-done:
		metrics.DetectionRunDuration.Observe(time.Since(start).Seconds())
		return out.alerts, nil
	case <-runCtx.Done():
		metrics.DetectionRunErrors.Inc()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			logging.Warn().Str("subject", subjectOf(input)).Dur("timeout", e.config.WatchdogTimeout).Msg("detection run abandoned by watchdog")
			return []AlertEvent{}, ErrRunTimeout
		}
		return []AlertEvent{}, runCtx.Err()
	}
}

func subjectOf(input RunInput) string {
	if input.Snapshot != nil {
		return input.Snapshot.SubjectID
	}
	return ""
}

// run is the synchronous detection pass.
func (e *Engine) run(ctx context.Context, input RunInput) []AlertEvent {
	alerts := make([]AlertEvent, 0)
	if input.Snapshot == nil || input.Snapshot.SubjectID == "" {
		return alerts
	}

	now := input.Now
	if now.IsZero() {
		now = e.now()
	}

	thresholds, traces := e.resolveThresholds(input)
	windows := e.buildWindows(input.Snapshot)

	for _, win := range windows {
		alert := e.evaluateWindow(ctx, win, input, thresholds, traces, now)
		if alert != nil {
			alerts = append(alerts, *alert)
		}
	}

	// Ordered output: score descending, dedupe key as deterministic
	// tie-break.
	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].Score != alerts[j].Score {
			return alerts[i].Score > alerts[j].Score
		}
		return alerts[i].DedupeKey < alerts[j].DedupeKey
	})
	return alerts
}

// kindWindow pairs a detector window with the alert kind it produces.
type kindWindow struct {
	win  Window
	kind AlertKind
}

// buildWindows derives the per-metric analysis windows from a snapshot.
// Values are chronological; NaN values are filtered before detectors see
// them.
func (e *Engine) buildWindows(snap *observation.Snapshot) []kindWindow {
	windows := make([]kindWindow, 0)

	// Emotion intensity, chronological.
	emotions := make([]observation.EmotionEntry, len(snap.Emotions))
	copy(emotions, snap.Emotions)
	sort.SliceStable(emotions, func(i, j int) bool { return emotions[i].Timestamp.Before(emotions[j].Timestamp) })
	if len(emotions) > 0 {
		values := make([]float64, 0, len(emotions))
		times := make([]time.Time, 0, len(emotions))
		for _, en := range emotions {
			values = append(values, float64(en.Intensity))
			times = append(times, en.Timestamp)
		}
		windows = append(windows, kindWindow{
			kind: AlertKindEmotionChange,
			win: Window{
				SubjectID: snap.SubjectID,
				MetricKey: baseline.MetricEmotionIntensity,
				Values:    values,
				Times:     times,
				Snapshot:  snap,
			},
		})
	}

	// Sensory intensity, chronological.
	sensory := make([]observation.SensoryEntry, len(snap.Sensory))
	copy(sensory, snap.Sensory)
	sort.SliceStable(sensory, func(i, j int) bool { return sensory[i].Timestamp.Before(sensory[j].Timestamp) })
	if len(sensory) > 0 {
		values := make([]float64, 0, len(sensory))
		times := make([]time.Time, 0, len(sensory))
		for _, en := range sensory {
			values = append(values, float64(en.Intensity))
			times = append(times, en.Timestamp)
		}
		windows = append(windows, kindWindow{
			kind: AlertKindSensoryPattern,
			win: Window{
				SubjectID: snap.SubjectID,
				MetricKey: baseline.MetricSensoryPrefix + "intensity",
				Values:    values,
				Times:     times,
				Snapshot:  snap,
			},
		})
	}

	// One window per tracked metric.
	metricsSeen := make(map[string]struct{})
	for _, t := range snap.Tracking {
		if _, ok := metricsSeen[t.Metric]; ok {
			continue
		}
		metricsSeen[t.Metric] = struct{}{}

		entries := snap.TrackingFor(t.Metric)
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
		values := make([]float64, 0, len(entries))
		times := make([]time.Time, 0, len(entries))
		for _, en := range entries {
			values = append(values, en.Value)
			times = append(times, en.Timestamp)
		}
		windows = append(windows, kindWindow{
			kind: AlertKindTrackingChange,
			win: Window{
				SubjectID: snap.SubjectID,
				MetricKey: baseline.MetricTrackingPrefix + t.Metric,
				Values:    values,
				Times:     times,
				Snapshot:  snap,
			},
		})
	}

	// Environment co-occurrence spans entry kinds; snapshot-only window.
	if len(snap.Environmental) > 0 && len(snap.Emotions) > 0 {
		windows = append(windows, kindWindow{
			kind: AlertKindEnvCooccurrence,
			win: Window{
				SubjectID: snap.SubjectID,
				MetricKey: "environment:cooccurrence",
				Snapshot:  snap,
			},
		})
	}

	return windows
}

// resolveThresholds derives per-detector applied thresholds: base value,
// scaled for baseline shift, plus experiment-variant and learned
// override adjustments. The full derivation is recorded per detector
// kind for explainability.
func (e *Engine) resolveThresholds(input RunInput) (map[DetectorKind]float64, []ThresholdTrace) {
	applied := make(map[DetectorKind]float64, len(e.config.BaseThresholds))
	traces := make([]ThresholdTrace, 0, len(e.config.BaseThresholds))

	var variantAdj map[DetectorKind]float64
	if input.Experiment != nil {
		variantAdj = e.config.ExperimentAdjustments[input.Experiment.Variant]
	}

	kinds := make([]DetectorKind, 0, len(e.config.BaseThresholds))
	for kind := range e.config.BaseThresholds {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	for _, kind := range kinds {
		base := e.config.BaseThresholds[kind]
		value := base
		if input.Baseline.AnyShifted() && e.config.ShiftSensitivity > 0 {
			value *= e.config.ShiftSensitivity
		}

		var adjustment float64
		if variantAdj != nil {
			adjustment += variantAdj[kind]
		}
		if e.overrides != nil {
			adjustment += e.overrides.Adjustment(kind)
		}
		value = scoring.Clamp01(value + adjustment)

		applied[kind] = value
		traces = append(traces, ThresholdTrace{
			DetectorKind:      kind,
			BaselineThreshold: base,
			Adjustment:        adjustment,
			AppliedThreshold:  value,
		})
	}
	return applied, traces
}

// detectorsFor returns the detector kinds applicable to an alert kind.
func detectorsFor(kind AlertKind) []DetectorKind {
	if kind == AlertKindEnvCooccurrence {
		return []DetectorKind{KindCooccurrence}
	}
	return []DetectorKind{KindCUSUM, KindEWMA, KindZScore}
}

// evaluateWindow runs the applicable detectors over one window and folds
// above-threshold results into a single alert event. Detector failures
// are logged and excluded; they never abort the run.
func (e *Engine) evaluateWindow(ctx context.Context, kw kindWindow, input RunInput,
	thresholds map[DetectorKind]float64, traces []ThresholdTrace, now time.Time) *AlertEvent {

	var candidates []*Result
	var sources []scoring.SourceRef

	for _, kind := range detectorsFor(kw.kind) {
		e.mu.RLock()
		detector, ok := e.detectors[kind]
		e.mu.RUnlock()
		if !ok || !detector.Enabled() {
			continue
		}

		result, err := e.safeDetect(ctx, detector, kw.win, input.Baseline)
		if err != nil {
			metrics.DetectorErrors.WithLabelValues(string(kind)).Inc()
			logging.Err(err).
				Str("detector", string(kind)).
				Str("subject", kw.win.SubjectID).
				Str("metric", kw.win.MetricKey).
				Msg("detector failed, excluded from aggregation")
			continue
		}
		if result == nil {
			continue
		}

		threshold := thresholds[kind]
		result.ThresholdApplied = threshold
		if scoring.SafeScore(result.Score) < threshold {
			continue
		}
		candidates = append(candidates, result)
		sources = append(sources, result.Sources...)
	}

	if len(candidates) == 0 {
		return nil
	}

	// Impact is the strongest candidate; confidence is the score-weighted
	// mean so weak detectors cannot dilute a strong signal.
	var impact, confSum, weightSum float64
	for _, c := range candidates {
		s := scoring.SafeScore(c.Score)
		if s > impact {
			impact = s
		}
		confSum += s * scoring.SafeScore(c.Confidence)
		weightSum += s
	}
	confidence := 0.0
	if weightSum > 0 {
		confidence = confSum / weightSum
	}

	latest := kw.win.Latest()
	if latest.IsZero() {
		latest = kw.win.Snapshot.LatestTimestamp()
	}
	recency := scoring.RecencyWeight(latest, now)
	tier := e.config.KindTiers[kw.kind]

	breakdown := scoring.AggregateScore(impact, confidence, recency, tier)
	severity := scoring.SeverityFromScore(breakdown.Total)

	meta := Metadata{
		Version:    MetadataVersion,
		Sparkline:  tailSparkline(kw.win.Values, e.config.SparklineCap),
		Breakdown:  breakdown,
		Experiment: input.Experiment,
		Thresholds: traces,
		MetricKey:  kw.win.MetricKey,
	}
	if kw.kind == AlertKindTrackingChange {
		meta.TauU = e.tauUFor(kw.win.MetricKey, input)
	}

	alert := &AlertEvent{
		ID:         uuid.New().String(),
		SubjectID:  kw.win.SubjectID,
		Kind:       kw.kind,
		Severity:   severity,
		Confidence: scoring.SafeScore(confidence),
		Score:      breakdown.Total,
		Title:      alertTitle(kw.kind, kw.win.MetricKey),
		Message:    candidates[0].Analysis,
		CreatedAt:  now,
		Status:     StatusNew,
		DedupeKey:  DedupeKey(kw.win.SubjectID, kw.kind, kw.win.MetricKey),
		Sources:    scoring.RankSources(sources),
		Metadata:   meta,
	}

	metrics.AlertsGenerated.WithLabelValues(string(severity)).Inc()
	return alert
}

// safeDetect isolates detector panics as errors.
func (e *Engine) safeDetect(ctx context.Context, d Detector, win Window, base *baseline.SubjectBaseline) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return d.Detect(ctx, win, base)
}

// tauUFor computes intervention effect metadata for a tracking metric
// when a matching goal, an intervention and sufficient pre/post phase
// data exist.
func (e *Engine) tauUFor(metricKey string, input RunInput) *TauUResult {
	metric := metricKey[len(baseline.MetricTrackingPrefix):]

	var goal *observation.GoalRecord
	for i := range input.Goals {
		if input.Goals[i].Metric == metric {
			goal = &input.Goals[i]
			break
		}
	}
	if goal == nil {
		return nil
	}

	var intervention *observation.InterventionRecord
	for i := range input.Interventions {
		if input.Interventions[i].GoalID == goal.ID {
			intervention = &input.Interventions[i]
			break
		}
	}
	if intervention == nil {
		return nil
	}

	entries := input.Snapshot.TrackingFor(metric)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })

	var pre, post []float64
	for _, en := range entries {
		if en.Timestamp.Before(intervention.StartedAt) {
			pre = append(pre, en.Value)
		} else {
			post = append(post, en.Value)
		}
	}
	pre = observation.FiniteValues(pre)
	post = observation.FiniteValues(post)

	result, err := ComputeTauU(pre, post)
	if err != nil {
		logging.Debug().Err(err).Str("goal", goal.ID).Msg("tau-u skipped")
		return nil
	}
	result.GoalID = goal.ID
	result.Intervention = intervention.Name
	return result
}

// tailSparkline keeps at most limit trailing values.
func tailSparkline(values []float64, limit int) []float64 {
	values = observation.FiniteValues(values)
	if len(values) > limit {
		values = values[len(values)-limit:]
	}
	out := make([]float64, len(values))
	copy(out, values)
	return out
}

// alertTitle builds the reviewer-facing title for an alert kind.
func alertTitle(kind AlertKind, metricKey string) string {
	switch kind {
	case AlertKindEmotionChange:
		return "Change in emotional pattern"
	case AlertKindSensoryPattern:
		return "Change in sensory response pattern"
	case AlertKindTrackingChange:
		return fmt.Sprintf("Change in tracked metric %q", metricKey[len(baseline.MetricTrackingPrefix):])
	case AlertKindEnvCooccurrence:
		return "Environment linked to behavioral response"
	default:
		return "Behavioral change detected"
	}
}
