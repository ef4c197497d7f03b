// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

// Package scoring provides the pure, stateless numeric kernels used by
// the detection engine: recency decay, severity mapping, aggregate score
// composition and source ranking. Nothing here holds state or touches a
// clock; callers pass explicit times.
package scoring

import (
	"math"
	"sort"
	"time"
)

// Severity grades an alert. Ordering: Low < Moderate < Important < Critical.
type Severity string

const (
	SeverityLow       Severity = "low"
	SeverityModerate  Severity = "moderate"
	SeverityImportant Severity = "important"
	SeverityCritical  Severity = "critical"
)

// severityRank maps severities to a comparable order.
var severityRank = map[Severity]int{
	SeverityLow:       0,
	SeverityModerate:  1,
	SeverityImportant: 2,
	SeverityCritical:  3,
}

// AtLeast reports whether s is at or above the given severity.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Valid reports whether s is a known severity value.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Severity thresholds, boundaries inclusive.
const (
	criticalThreshold  = 0.85
	importantThreshold = 0.70
	moderateThreshold  = 0.55
)

// SeverityFromScore maps an aggregate score in [0,1] to a severity grade.
func SeverityFromScore(score float64) Severity {
	score = SafeScore(score)
	switch {
	case score >= criticalThreshold:
		return SeverityCritical
	case score >= importantThreshold:
		return SeverityImportant
	case score >= moderateThreshold:
		return SeverityModerate
	default:
		return SeverityLow
	}
}

// Clamp01 clamps v to the [0,1] interval.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// SafeScore converts NaN and infinities to 0 and clamps to [0,1].
// Pathological numeric input must never propagate as a NaN severity.
func SafeScore(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return Clamp01(v)
}

// RecencyWeight returns exp(-ageHours/24) for the time elapsed between
// the most recent contributing observation and now. An observation at now
// weighs 1.0, at 24h ≈0.37, at 48h ≈0.14. A zero observation time yields
// weight 0 (an unknown time never boosts recency); a future time yields
// 1.0.
func RecencyWeight(observed, now time.Time) float64 {
	if observed.IsZero() {
		return 0
	}
	ageHours := now.Sub(observed).Hours()
	if ageHours <= 0 {
		return 1.0
	}
	return math.Exp(-ageHours / 24.0)
}

// Aggregate score component weights.
const (
	weightImpact     = 0.40
	weightConfidence = 0.25
	weightRecency    = 0.20
	weightTier       = 0.15
)

// Breakdown records the components of an aggregate score for
// explainability. Stored on every emitted alert.
type Breakdown struct {
	Impact     float64 `json:"impact"`
	Confidence float64 `json:"confidence"`
	Recency    float64 `json:"recency"`
	Tier       float64 `json:"tier"`
	Total      float64 `json:"total"`
}

// AggregateScore combines the four scoring components with fixed weights
// 0.4/0.25/0.2/0.15, clamping every input and the total to [0,1].
func AggregateScore(impact, confidence, recency, tier float64) Breakdown {
	b := Breakdown{
		Impact:     SafeScore(impact),
		Confidence: SafeScore(confidence),
		Recency:    SafeScore(recency),
		Tier:       SafeScore(tier),
	}
	b.Total = Clamp01(weightImpact*b.Impact +
		weightConfidence*b.Confidence +
		weightRecency*b.Recency +
		weightTier*b.Tier)
	return b
}

// SourceRef records the provenance of a detector contribution.
type SourceRef struct {
	DetectorType string  `json:"detector_type"`
	Score        float64 `json:"score"`
	Confidence   float64 `json:"confidence"`
	Parameters   string  `json:"parameters,omitempty"`
	Rank         string  `json:"rank,omitempty"` // S1..S3 after ranking
}

// Weight is the ranking weight of a source: score × confidence.
func (s SourceRef) Weight() float64 {
	return SafeScore(s.Score) * SafeScore(s.Confidence)
}

// RankSources orders sources by weight descending, keeps the top three
// and labels them S1, S2, S3. Ties keep input order (stable sort).
func RankSources(sources []SourceRef) []SourceRef {
	ranked := make([]SourceRef, len(sources))
	copy(ranked, sources)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Weight() > ranked[j].Weight()
	})
	if len(ranked) > 3 {
		ranked = ranked[:3]
	}
	labels := [...]string{"S1", "S2", "S3"}
	for i := range ranked {
		ranked[i].Rank = labels[i]
	}
	return ranked
}
