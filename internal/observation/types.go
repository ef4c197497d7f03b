// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

// Package observation defines the canonical observation model consumed by
// the baseline service and detection engine. Entries are immutable value
// types; a Snapshot groups one subject's entries for a single run.
package observation

import (
	"math"
	"time"
)

// SensoryResponse describes how a subject responded to sensory input.
type SensoryResponse string

const (
	ResponseSeeking  SensoryResponse = "seeking"
	ResponseAvoiding SensoryResponse = "avoiding"
	ResponseNeutral  SensoryResponse = "neutral"
)

// EmotionEntry is a single recorded emotion observation.
type EmotionEntry struct {
	Label           string    `json:"label"`
	Intensity       int       `json:"intensity"` // 1-5
	Timestamp       time.Time `json:"timestamp"`
	Trigger         string    `json:"trigger,omitempty"`
	DurationMinutes int       `json:"duration_minutes,omitempty"`
}

// SensoryEntry is a single recorded sensory observation.
type SensoryEntry struct {
	Sense       string          `json:"sense"`
	Description string          `json:"description,omitempty"`
	Response    SensoryResponse `json:"response"`
	Intensity   int             `json:"intensity"` // 1-5
	Timestamp   time.Time       `json:"timestamp"`
}

// EnvironmentalEntry is a single recorded environment observation.
type EnvironmentalEntry struct {
	Location   string    `json:"location"`
	NoiseLevel int       `json:"noise_level"` // 1-5
	Lighting   string    `json:"lighting,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TrackingEntry is a single numeric data point for a tracked metric
// (e.g. goal progress, frequency counts).
type TrackingEntry struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// GoalRecord identifies a goal whose tracked metric can be evaluated for
// intervention effect.
type GoalRecord struct {
	ID     string `json:"id"`
	Metric string `json:"metric"`
	Title  string `json:"title,omitempty"`
}

// InterventionRecord marks the start of an intervention for a goal.
// Tracking entries before StartedAt form the pre phase, entries after
// form the post phase.
type InterventionRecord struct {
	GoalID    string    `json:"goal_id"`
	Name      string    `json:"name,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot groups one subject's observation history for a single
// detection or baseline run. Snapshots are read-only input; the engine
// never mutates them.
type Snapshot struct {
	SubjectID     string               `json:"subject_id"`
	Emotions      []EmotionEntry       `json:"emotions"`
	Sensory       []SensoryEntry       `json:"sensory"`
	Environmental []EnvironmentalEntry `json:"environmental"`
	Tracking      []TrackingEntry      `json:"tracking"`
}

// EmotionsSince returns emotion entries with timestamps at or after cutoff.
func (s *Snapshot) EmotionsSince(cutoff time.Time) []EmotionEntry {
	out := make([]EmotionEntry, 0)
	for _, e := range s.Emotions {
		if !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// SensorySince returns sensory entries with timestamps at or after cutoff.
func (s *Snapshot) SensorySince(cutoff time.Time) []SensoryEntry {
	out := make([]SensoryEntry, 0)
	for _, e := range s.Sensory {
		if !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// TrackingFor returns tracking entries for one metric, in input order.
func (s *Snapshot) TrackingFor(metric string) []TrackingEntry {
	out := make([]TrackingEntry, 0)
	for _, e := range s.Tracking {
		if e.Metric == metric {
			out = append(out, e)
		}
	}
	return out
}

// LatestTimestamp returns the most recent timestamp across all entry
// kinds, or the zero time for an empty snapshot.
func (s *Snapshot) LatestTimestamp() time.Time {
	var latest time.Time
	for _, e := range s.Emotions {
		if e.Timestamp.After(latest) {
			latest = e.Timestamp
		}
	}
	for _, e := range s.Sensory {
		if e.Timestamp.After(latest) {
			latest = e.Timestamp
		}
	}
	for _, e := range s.Environmental {
		if e.Timestamp.After(latest) {
			latest = e.Timestamp
		}
	}
	for _, e := range s.Tracking {
		if e.Timestamp.After(latest) {
			latest = e.Timestamp
		}
	}
	return latest
}

// DistinctDays counts the number of distinct calendar days (UTC) covered
// by the given timestamps.
func DistinctDays(timestamps []time.Time) int {
	days := make(map[string]struct{}, len(timestamps))
	for _, ts := range timestamps {
		if ts.IsZero() {
			continue
		}
		days[ts.UTC().Format("2006-01-02")] = struct{}{}
	}
	return len(days)
}

// AllTimestamps collects every entry timestamp in the snapshot.
func (s *Snapshot) AllTimestamps() []time.Time {
	out := make([]time.Time, 0, len(s.Emotions)+len(s.Sensory)+len(s.Environmental)+len(s.Tracking))
	for _, e := range s.Emotions {
		out = append(out, e.Timestamp)
	}
	for _, e := range s.Sensory {
		out = append(out, e.Timestamp)
	}
	for _, e := range s.Environmental {
		out = append(out, e.Timestamp)
	}
	for _, e := range s.Tracking {
		out = append(out, e.Timestamp)
	}
	return out
}

// FiniteValues filters NaN and infinite values from a series. Pathological
// inputs are dropped here so they never reach the scoring path.
func FiniteValues(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}
