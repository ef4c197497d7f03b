// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

// Package telemetry records the alert lifecycle and reviewer feedback,
// and computes the calibration, fairness and experiment statistics that
// drive threshold learning. Entries are append-only and subject ids are
// one-way hashed before storage; the raw id never persists.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/kestrelwatch/kestrel/internal/detection"
)

// Feedback is a reviewer's judgement of one alert.
type Feedback struct {
	Relevant *bool  `json:"relevant,omitempty"`
	Rating   int    `json:"rating,omitempty"` // 1-5
	Comment  string `json:"comment,omitempty"`
}

// Group carries the subgroup keys fairness metrics slice by.
type Group struct {
	Grade       string `json:"grade,omitempty"`
	ClassPeriod string `json:"class_period,omitempty"`
}

// Key renders the group as a single fairness key.
func (g Group) Key() string {
	if g.Grade == "" && g.ClassPeriod == "" {
		return "unknown"
	}
	return g.Grade + "/" + g.ClassPeriod
}

// Entry is one append-only telemetry record, keyed by alert id.
type Entry struct {
	AlertID     string `json:"alert_id"`
	StudentHash string `json:"student_hash"`
	Group       Group  `json:"group"`

	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	SnoozedAt      *time.Time `json:"snoozed_at,omitempty"`

	Feedback *Feedback `json:"feedback,omitempty"`

	PredictedRelevance   float64                    `json:"predicted_relevance"`
	DetectorTypes        []string                   `json:"detector_types,omitempty"`
	Severity             string                     `json:"severity,omitempty"`
	ExperimentKey        string                     `json:"experiment_key,omitempty"`
	ExperimentVariant    string                     `json:"experiment_variant,omitempty"`
	ThresholdAdjustments []detection.ThresholdTrace `json:"threshold_adjustments,omitempty"`
}

// Labelled reports whether the entry carries a relevance judgement.
func (e *Entry) Labelled() bool {
	return e.Feedback != nil && e.Feedback.Relevant != nil
}

// HashSubjectID one-way hashes a subject id for storage. SHA-256, hex
// encoded; 64 characters.
func HashSubjectID(subjectID string) string {
	sum := sha256.Sum256([]byte("kestrel-subject:" + subjectID))
	return hex.EncodeToString(sum[:])
}
