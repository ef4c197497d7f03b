// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

// Package governance is the stateful suppression layer between the
// detection engine and the outside world. It decides whether and when an
// alert is actually surfaced: deduplication, exponential throttling,
// quiet hours and per-severity daily caps, with every decision appended
// to an audit trail. State is per subject with single-writer-per-key
// discipline; cross-subject operations never contend.
package governance

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kestrelwatch/kestrel/internal/detection"
	"github.com/kestrelwatch/kestrel/internal/kvstore"
	"github.com/kestrelwatch/kestrel/internal/logging"
	"github.com/kestrelwatch/kestrel/internal/metrics"
	"github.com/kestrelwatch/kestrel/internal/scoring"
)

// Policy names used in decisions and the audit trail.
const (
	PolicyQuietHours = "quiet_hours"
	PolicyDailyCap   = "daily_cap"
	PolicyDedup      = "dedup"
	PolicyThrottle   = "throttle"
	PolicyAdmit      = "admit"
)

// QuietHoursConfig is a do-not-disturb window in subject-local time.
type QuietHoursConfig struct {
	Enabled bool `koanf:"enabled"`

	// Start and End are "HH:MM" wall-clock times. A window that ends
	// before it starts spans midnight.
	Start string `koanf:"start"`
	End   string `koanf:"end"`

	// Days are the applicable weekdays (time.Weekday strings). Empty
	// means every day.
	Days []string `koanf:"days"`

	// BypassSeverity and above are surfaced even during quiet hours.
	BypassSeverity scoring.Severity `koanf:"bypass_severity"`
}

// ThrottleConfig controls exponential repeat backoff per alert kind.
type ThrottleConfig struct {
	// Base is the per-severity exponent base in minutes; the delay after
	// n occurrences is base^n minutes.
	Base map[scoring.Severity]float64 `koanf:"base"`

	// MaxDelay caps the computed delay per severity.
	MaxDelay map[scoring.Severity]time.Duration `koanf:"max_delay"`

	// QuietPeriod without repeats resets the occurrence counter.
	QuietPeriod time.Duration `koanf:"quiet_period"`
}

// Config configures the governance policy.
type Config struct {
	QuietHours QuietHoursConfig `koanf:"quiet_hours"`

	// DailyCaps bounds surfaced alerts per severity per subject-local
	// day. Zero means uncapped.
	DailyCaps map[scoring.Severity]int `koanf:"daily_caps"`

	// DedupWindow is how long a dedupe key suppresses repeats.
	DedupWindow time.Duration `koanf:"dedup_window"`

	Throttle ThrottleConfig `koanf:"throttle"`

	// DefaultTimezone applies when a subject has no timezone of its own.
	DefaultTimezone string `koanf:"default_timezone"`

	// SnoozeDuration is the default re-surface delay for snoozed alerts.
	SnoozeDuration time.Duration `koanf:"snooze_duration"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QuietHours: QuietHoursConfig{
			Enabled:        true,
			Start:          "21:00",
			End:            "07:00",
			BypassSeverity: scoring.SeverityCritical,
		},
		DailyCaps: map[scoring.Severity]int{
			scoring.SeverityLow:       3,
			scoring.SeverityModerate:  5,
			scoring.SeverityImportant: 8,
			scoring.SeverityCritical:  0, // uncapped
		},
		DedupWindow: 6 * time.Hour,
		Throttle: ThrottleConfig{
			Base: map[scoring.Severity]float64{
				scoring.SeverityLow:       4,
				scoring.SeverityModerate:  3,
				scoring.SeverityImportant: 2,
				scoring.SeverityCritical:  2,
			},
			MaxDelay: map[scoring.Severity]time.Duration{
				scoring.SeverityLow:       24 * time.Hour,
				scoring.SeverityModerate:  12 * time.Hour,
				scoring.SeverityImportant: 4 * time.Hour,
				scoring.SeverityCritical:  1 * time.Hour,
			},
			QuietPeriod: 48 * time.Hour,
		},
		DefaultTimezone: "UTC",
		SnoozeDuration:  4 * time.Hour,
	}
}

// Status is the ephemeral governance annotation attached to an alert at
// emission. The underlying counters persist; the annotation does not.
type Status struct {
	Suppressed     bool       `json:"suppressed"`
	Throttled      bool       `json:"throttled"`
	Deduplicated   bool       `json:"deduplicated"`
	Snoozed        bool       `json:"snoozed"`
	QuietHours     bool       `json:"quiet_hours"`
	CapExceeded    bool       `json:"cap_exceeded"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
}

// Policy is the governance suppression state machine.
type Policy struct {
	config    Config
	store     kvstore.Store
	alerts    *AlertStore
	audit     *AuditLog
	publisher *Notifier
	now       func() time.Time

	// Per-subject locks: single writer per subject key.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewPolicy creates a governance policy. publisher and audit may be nil
// (decisions still apply, without notification or audit persistence);
// now may be nil to use time.Now.
func NewPolicy(config Config, store kvstore.Store, alerts *AlertStore, audit *AuditLog, publisher *Notifier, now func() time.Time) *Policy {
	if now == nil {
		now = time.Now
	}
	return &Policy{
		config:    config,
		store:     store,
		alerts:    alerts,
		audit:     audit,
		publisher: publisher,
		now:       now,
		locks:     make(map[string]*sync.Mutex),
	}
}

// subjectLock returns the mutex for one subject, creating it on first use.
func (p *Policy) subjectLock(subjectID string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	l, ok := p.locks[subjectID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[subjectID] = l
	}
	return l
}

// Admit evaluates one alert against every suppression policy, persists
// it, publishes it when admitted and returns the governance annotation.
// location may be nil to use the configured default timezone.
func (p *Policy) Admit(ctx context.Context, alert *detection.AlertEvent, location *time.Location) (Status, error) {
	if alert == nil {
		return Status{}, fmt.Errorf("governance: nil alert")
	}
	if location == nil {
		location = p.location()
	}

	lock := p.subjectLock(alert.SubjectID)
	lock.Lock()
	defer lock.Unlock()

	now := p.now().In(location)

	state, err := p.loadState(ctx, alert.SubjectID)
	if err != nil {
		return Status{}, err
	}
	state.rollover(now)

	var status Status

	// Dedup: a repeat of the same condition inside the window marks the
	// existing alert and suppresses the new one.
	if existing := state.dedupHit(alert.DedupeKey, now, p.config.DedupWindow); existing != "" {
		status.Suppressed = true
		status.Deduplicated = true
		p.decide(ctx, PolicyDedup, "suppressed", alert)
		if markErr := p.alerts.MarkDuplicates(ctx, alert.SubjectID, existing); markErr != nil {
			logging.Err(markErr).Str("alert", existing).Msg("failed to mark duplicate flag")
		}
		p.saveState(ctx, state)
		return status, nil
	}

	// Throttle: repeats of the same kind back off exponentially.
	if throttled, next := state.throttled(alert.Kind, alert.Severity, now, p.config.Throttle); throttled {
		status.Suppressed = true
		status.Throttled = true
		status.NextEligibleAt = &next
		p.decide(ctx, PolicyThrottle, "suppressed", alert)
		p.saveState(ctx, state)
		return status, nil
	}

	// Quiet hours: suppress below the bypass severity inside the window.
	if p.inQuietHours(now) && !alert.Severity.AtLeast(p.config.QuietHours.BypassSeverity) {
		status.Suppressed = true
		status.QuietHours = true
		next := p.quietHoursEnd(now)
		status.NextEligibleAt = &next
		p.decide(ctx, PolicyQuietHours, "suppressed", alert)
		p.saveState(ctx, state)
		return status, nil
	}

	// Daily cap per severity, reset at subject-local midnight.
	if limit, ok := p.config.DailyCaps[alert.Severity]; ok && limit > 0 && state.Counts[alert.Severity] >= limit {
		status.Suppressed = true
		status.CapExceeded = true
		next := localMidnight(now).AddDate(0, 0, 1)
		status.NextEligibleAt = &next
		p.decide(ctx, PolicyDailyCap, "suppressed", alert)
		p.saveState(ctx, state)
		return status, nil
	}

	// Admitted: record state, persist, publish.
	state.recordAdmission(alert, now)
	p.saveState(ctx, state)

	if err := p.alerts.Save(ctx, alert); err != nil {
		// Fail-soft: the caller still gets the admission decision.
		logging.Err(err).Str("alert", alert.ID).Msg("alert persistence failed")
	}
	p.decide(ctx, PolicyAdmit, "passed", alert)

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, alert); err != nil {
			logging.Err(err).Str("alert", alert.ID).Msg("notification publish failed")
		}
	}
	return status, nil
}

// AdmitBatch runs Admit over an engine run's output in order, returning
// the annotation per alert.
func (p *Policy) AdmitBatch(ctx context.Context, alerts []detection.AlertEvent, location *time.Location) ([]Status, error) {
	statuses := make([]Status, 0, len(alerts))
	for i := range alerts {
		status, err := p.Admit(ctx, &alerts[i], location)
		if err != nil {
			return statuses, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// decide counts and audits one policy decision.
func (p *Policy) decide(ctx context.Context, policy, decision string, alert *detection.AlertEvent) {
	metrics.GovernanceDecisions.WithLabelValues(policy, decision).Inc()
	if p.audit != nil {
		p.audit.Append(ctx, Decision{
			Policy:    policy,
			Decision:  decision,
			AlertID:   alert.ID,
			SubjectID: alert.SubjectID,
			Severity:  alert.Severity,
			Timestamp: p.now(),
		})
	}
}

// location resolves the configured default timezone, falling back to UTC.
func (p *Policy) location() *time.Location {
	loc, err := time.LoadLocation(p.config.DefaultTimezone)
	if err != nil {
		logging.Warn().Str("timezone", p.config.DefaultTimezone).Msg("unknown timezone, using UTC")
		return time.UTC
	}
	return loc
}

// inQuietHours reports whether local time t falls inside the quiet
// window on an applicable day.
func (p *Policy) inQuietHours(t time.Time) bool {
	qh := p.config.QuietHours
	if !qh.Enabled {
		return false
	}
	if len(qh.Days) > 0 {
		day := t.Weekday().String()
		found := false
		for _, d := range qh.Days {
			if d == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	start, okStart := parseWallClock(qh.Start)
	end, okEnd := parseWallClock(qh.End)
	if !okStart || !okEnd {
		return false
	}

	minutes := t.Hour()*60 + t.Minute()
	if start <= end {
		return minutes >= start && minutes < end
	}
	// Window spans midnight.
	return minutes >= start || minutes < end
}

// quietHoursEnd returns the next quiet-window end after t.
func (p *Policy) quietHoursEnd(t time.Time) time.Time {
	end, ok := parseWallClock(p.config.QuietHours.End)
	if !ok {
		return t
	}
	candidate := localMidnight(t).Add(time.Duration(end) * time.Minute)
	if !candidate.After(t) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// parseWallClock parses "HH:MM" into minutes since midnight.
func parseWallClock(s string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// localMidnight truncates t to its local midnight.
func localMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// throttleDelay computes min(maxDelay, base^occurrences) in minutes.
func throttleDelay(severity scoring.Severity, occurrences int, cfg ThrottleConfig) time.Duration {
	base, ok := cfg.Base[severity]
	if !ok || base <= 1 || occurrences <= 0 {
		return 0
	}
	delay := time.Duration(math.Pow(base, float64(occurrences))) * time.Minute
	if max, ok := cfg.MaxDelay[severity]; ok && delay > max {
		delay = max
	}
	return delay
}
