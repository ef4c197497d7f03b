// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package governance

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/kestrelwatch/kestrel/internal/detection"
	"github.com/kestrelwatch/kestrel/internal/kvstore"
	"github.com/kestrelwatch/kestrel/internal/logging"
	"github.com/kestrelwatch/kestrel/internal/scoring"
)

// dedupEntry records the last admitted alert for a dedupe key.
type dedupEntry struct {
	AlertID string    `json:"alert_id"`
	At      time.Time `json:"at"`
}

// throttleEntry records repeat pressure for an alert kind.
type throttleEntry struct {
	Occurrences int       `json:"occurrences"`
	LastAt      time.Time `json:"last_at"`
}

// subjectState is the persisted per-subject governance state. The
// counters persist across process restarts; the emission annotation
// (Status) does not.
type subjectState struct {
	SubjectID string                                 `json:"subject_id"`
	LocalDate string                                 `json:"local_date"` // YYYY-MM-DD in subject-local time
	Counts    map[scoring.Severity]int               `json:"counts"`
	Dedup     map[string]dedupEntry                  `json:"dedup"`
	Throttle  map[detection.AlertKind]*throttleEntry `json:"throttle"`
}

func newSubjectState(subjectID string) *subjectState {
	return &subjectState{
		SubjectID: subjectID,
		Counts:    make(map[scoring.Severity]int),
		Dedup:     make(map[string]dedupEntry),
		Throttle:  make(map[detection.AlertKind]*throttleEntry),
	}
}

// rollover resets the daily counters when the subject-local date changed.
func (s *subjectState) rollover(now time.Time) {
	date := now.Format("2006-01-02")
	if s.LocalDate != date {
		s.LocalDate = date
		s.Counts = make(map[scoring.Severity]int)
	}
}

// dedupHit returns the existing alert id when the key was admitted
// inside the dedup window, empty otherwise.
func (s *subjectState) dedupHit(key string, now time.Time, window time.Duration) string {
	entry, ok := s.Dedup[key]
	if !ok {
		return ""
	}
	if now.Sub(entry.At) > window {
		return ""
	}
	return entry.AlertID
}

// throttled reports whether the kind is inside its backoff delay and,
// when it is, when it becomes eligible again. A quiet period without
// repeats resets the occurrence counter.
func (s *subjectState) throttled(kind detection.AlertKind, severity scoring.Severity, now time.Time, cfg ThrottleConfig) (bool, time.Time) {
	entry, ok := s.Throttle[kind]
	if !ok {
		return false, time.Time{}
	}
	if cfg.QuietPeriod > 0 && now.Sub(entry.LastAt) >= cfg.QuietPeriod {
		entry.Occurrences = 0
		return false, time.Time{}
	}

	delay := throttleDelay(severity, entry.Occurrences, cfg)
	if delay == 0 {
		return false, time.Time{}
	}
	next := entry.LastAt.Add(delay)
	if now.Before(next) {
		return true, next
	}
	return false, time.Time{}
}

// recordAdmission updates counters after an alert passes every policy.
func (s *subjectState) recordAdmission(alert *detection.AlertEvent, now time.Time) {
	s.Counts[alert.Severity]++
	s.Dedup[alert.DedupeKey] = dedupEntry{AlertID: alert.ID, At: now}

	entry, ok := s.Throttle[alert.Kind]
	if !ok {
		entry = &throttleEntry{}
		s.Throttle[alert.Kind] = entry
	}
	entry.Occurrences++
	entry.LastAt = now
}

// loadState fetches (or initializes) a subject's governance state.
func (p *Policy) loadState(ctx context.Context, subjectID string) (*subjectState, error) {
	data, err := p.store.Get(ctx, kvstore.PrefixGovState+subjectID)
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return newSubjectState(subjectID), nil
	}
	if err != nil {
		return nil, err
	}
	var state subjectState
	if err := json.Unmarshal(data, &state); err != nil {
		logging.Err(err).Str("subject", subjectID).Msg("corrupt governance state, reinitializing")
		return newSubjectState(subjectID), nil
	}
	if state.Counts == nil {
		state.Counts = make(map[scoring.Severity]int)
	}
	if state.Dedup == nil {
		state.Dedup = make(map[string]dedupEntry)
	}
	if state.Throttle == nil {
		state.Throttle = make(map[detection.AlertKind]*throttleEntry)
	}
	return &state, nil
}

// saveState persists a subject's governance state. Fail-soft: a store
// failure loses durability, not correctness of the current decision.
func (p *Policy) saveState(ctx context.Context, state *subjectState) {
	data, err := json.Marshal(state)
	if err != nil {
		logging.Err(err).Str("subject", state.SubjectID).Msg("encode governance state")
		return
	}
	if err := p.store.Set(ctx, kvstore.PrefixGovState+state.SubjectID, data); err != nil {
		logging.Err(err).Str("subject", state.SubjectID).Msg("persist governance state")
	}
}
