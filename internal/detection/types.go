// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/kestrelwatch/kestrel/internal/baseline"
	"github.com/kestrelwatch/kestrel/internal/observation"
	"github.com/kestrelwatch/kestrel/internal/scoring"
)

// DetectorKind identifies a detector family.
type DetectorKind string

const (
	// KindCUSUM is sustained change-point detection (cumulative sums with
	// a k-factor slack and decision interval).
	KindCUSUM DetectorKind = "cusum"

	// KindEWMA is exponentially weighted moving average control-limit
	// crossing.
	KindEWMA DetectorKind = "ewma"

	// KindZScore is baseline z-score anomaly scoring.
	KindZScore DetectorKind = "zscore"

	// KindCooccurrence is environment-behavior co-occurrence scoring.
	KindCooccurrence DetectorKind = "cooccurrence"
)

// AlertKind classifies the underlying condition an alert describes.
type AlertKind string

const (
	AlertKindEmotionChange     AlertKind = "emotion_change"
	AlertKindSensoryPattern    AlertKind = "sensory_pattern"
	AlertKindTrackingChange    AlertKind = "tracking_change"
	AlertKindEnvCooccurrence   AlertKind = "environment_cooccurrence"
	AlertKindInterventionShift AlertKind = "intervention_shift"
)

// AlertStatus is the reviewer-driven lifecycle state of an alert.
type AlertStatus string

const (
	StatusNew          AlertStatus = "new"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusInProgress   AlertStatus = "in_progress"
	StatusResolved     AlertStatus = "resolved"
	StatusSnoozed      AlertStatus = "snoozed"
	StatusDismissed    AlertStatus = "dismissed"
)

// statusTransitions lists the permitted status moves. Resolved and
// Dismissed are terminal; Snoozed re-enters New at expiry.
var statusTransitions = map[AlertStatus][]AlertStatus{
	StatusNew:          {StatusAcknowledged, StatusSnoozed, StatusDismissed},
	StatusAcknowledged: {StatusInProgress, StatusResolved, StatusSnoozed, StatusDismissed},
	StatusInProgress:   {StatusResolved, StatusSnoozed, StatusDismissed},
	StatusSnoozed:      {StatusNew, StatusDismissed},
	StatusResolved:     {},
	StatusDismissed:    {},
}

// CanTransition reports whether moving from s to next is permitted.
func (s AlertStatus) CanTransition(next AlertStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status value.
func (s AlertStatus) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// Window is the series a detector analyzes: one metric's chronological
// values plus the snapshot for detectors that need cross-entry context.
type Window struct {
	SubjectID string
	MetricKey string
	Values    []float64
	Times     []time.Time
	Snapshot  *observation.Snapshot
}

// Latest returns the most recent timestamp in the window, or zero.
func (w *Window) Latest() time.Time {
	var latest time.Time
	for _, t := range w.Times {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}

// Result is a detector's risk estimate for one window. Produced fresh
// per run, never persisted directly.
type Result struct {
	Score            float64             `json:"score" validate:"unit"`
	Confidence       float64             `json:"confidence" validate:"unit"`
	Sources          []scoring.SourceRef `json:"sources" validate:"min=1,dive"`
	ThresholdApplied float64             `json:"threshold_applied,omitempty"`
	Analysis         string              `json:"analysis,omitempty"`
}

// Detector is the contract every analyzer implements. A detector that
// returns an error is logged and excluded from aggregation; it never
// aborts the run.
type Detector interface {
	// Kind returns the detector family.
	Kind() DetectorKind

	// Detect analyzes a window against an optional baseline and returns
	// a risk estimate, or nil when the window is unremarkable.
	Detect(ctx context.Context, win Window, base *baseline.SubjectBaseline) (*Result, error)

	// Configure updates the detector configuration from JSON.
	Configure(config json.RawMessage) error

	// Enabled reports whether this detector participates in runs.
	Enabled() bool

	// SetEnabled enables or disables the detector.
	SetEnabled(enabled bool)
}

// ThresholdTrace records how a detector's threshold was derived for one
// run, kept for explainability.
type ThresholdTrace struct {
	DetectorKind      DetectorKind `json:"detector_kind"`
	BaselineThreshold float64      `json:"baseline_threshold"`
	Adjustment        float64      `json:"adjustment"`
	AppliedThreshold  float64      `json:"applied_threshold"`
}

// ExperimentAssignment identifies the experiment variant active for a run.
type ExperimentAssignment struct {
	Key     string `json:"key"`
	Variant string `json:"variant"`
}

// TauUResult is the intervention effect-size metadata attached to
// tracking alerts when sufficient pre/post phase data exists.
type TauUResult struct {
	GoalID                 string   `json:"goal_id"`
	Intervention           string   `json:"intervention,omitempty"`
	TauU                   float64  `json:"tau_u"`
	PValue                 float64  `json:"p_value"` // normal approximation
	ImprovementProbability float64  `json:"improvement_probability"`
	PrePhaseCount          int      `json:"pre_phase_count"`
	PostPhaseCount         int      `json:"post_phase_count"`
	Recommendations        []string `json:"recommendations,omitempty"`
}

// Metadata is the tagged, versioned extension structure on an alert.
// Optional fields are explicitly named per alert kind; unknown future
// fields survive round-trips through Extra.
type Metadata struct {
	Version    int                   `json:"version"`
	Sparkline  []float64             `json:"sparkline,omitempty"`
	Breakdown  scoring.Breakdown     `json:"breakdown"`
	Experiment *ExperimentAssignment `json:"experiment,omitempty"`
	Thresholds []ThresholdTrace      `json:"thresholds,omitempty"`
	TauU       *TauUResult           `json:"tau_u,omitempty"`
	MetricKey  string                `json:"metric_key,omitempty"`
	Extra      json.RawMessage       `json:"extra,omitempty"`
}

// MetadataVersion is the current Metadata schema version.
const MetadataVersion = 1

// AlertEvent is a scored, ranked detection outcome. ID, Kind, SubjectID
// and CreatedAt are immutable after creation; Status is mutated only by
// reviewer actions through the governance layer.
type AlertEvent struct {
	ID            string              `json:"id" validate:"required"`
	SubjectID     string              `json:"subject_id" validate:"required"`
	Kind          AlertKind           `json:"kind" validate:"required"`
	Severity      scoring.Severity    `json:"severity" validate:"severity"`
	Confidence    float64             `json:"confidence" validate:"unit"`
	Score         float64             `json:"score" validate:"unit"`
	Title         string              `json:"title"`
	Message       string              `json:"message"`
	CreatedAt     time.Time           `json:"created_at" validate:"required"`
	Status        AlertStatus         `json:"status" validate:"alertstatus"`
	SnoozedUntil  *time.Time          `json:"snoozed_until,omitempty"`
	DedupeKey     string              `json:"dedupe_key" validate:"required"`
	HasDuplicates bool                `json:"has_duplicates"`
	Sources       []scoring.SourceRef `json:"sources" validate:"max=3,dive"`
	Metadata      Metadata            `json:"metadata"`
}

// DedupeKey derives the identifier for "the same underlying alert
// condition": subject, alert kind and the contextual discriminator
// (typically the metric key).
func DedupeKey(subjectID string, kind AlertKind, discriminator string) string {
	return fmt.Sprintf("%s|%s|%s", subjectID, kind, discriminator)
}

// RunInput is the immutable input snapshot for one detection run.
type RunInput struct {
	Snapshot      *observation.Snapshot
	Baseline      *baseline.SubjectBaseline
	Goals         []observation.GoalRecord
	Interventions []observation.InterventionRecord
	Experiment    *ExperimentAssignment

	// Now overrides the engine clock for deterministic tests.
	Now time.Time
}
