// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

// Package baseline computes per-subject statistical baselines from
// observation history. Baselines use robust statistics (median/IQR after
// z-score outlier filtering, Huber trend slopes, Jeffreys beta posteriors
// for sensory response rates) and are always recomputed wholesale, never
// partially mutated.
package baseline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"

	"github.com/kestrelwatch/kestrel/internal/kvstore"
	"github.com/kestrelwatch/kestrel/internal/logging"
	"github.com/kestrelwatch/kestrel/internal/observation"
	"github.com/kestrelwatch/kestrel/internal/scoring"
)

// Metric key prefixes within a subject baseline.
const (
	MetricEmotionIntensity = "emotion:intensity"         // overall emotion intensity
	MetricEmotionPrefix    = "emotion:"                  // emotion:<label>:intensity
	MetricSensoryPrefix    = "sensory:"                  // sensory:<sense>:seek_rate
	MetricTrackingPrefix   = "tracking:"                 // tracking:<metric>
	MetricSensorySeekRate  = "sensory:overall:seek_rate" // all senses combined
)

// Interval is a confidence interval around a central tendency.
type Interval struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// BetaPosterior is the posterior of a rate metric under a Jeffreys prior
// (alpha = beta = 0.5).
type BetaPosterior struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Mean  float64 `json:"mean"`
}

// MetricStats summarizes one tracked metric for a subject.
type MetricStats struct {
	Key             string         `json:"key"`
	Median          float64        `json:"median"`
	IQR             float64        `json:"iqr"`
	CI              Interval       `json:"ci"`
	TrendSlope      float64        `json:"trend_slope"`
	Posterior       *BetaPosterior `json:"posterior,omitempty"`
	SampleCount     int            `json:"sample_count"`
	DistinctDays    int            `json:"distinct_days"`
	OutliersRemoved int            `json:"outliers_removed"`
	Sufficient      bool           `json:"sufficient"`
	Shifted         bool           `json:"shifted"`
	ShiftScore      float64        `json:"shift_score"`
}

// SubjectBaseline is the wholesale-recomputed baseline for one subject.
type SubjectBaseline struct {
	SubjectID  string                 `json:"subject_id"`
	ComputedAt time.Time              `json:"computed_at"`
	Metrics    map[string]MetricStats `json:"metrics"`
}

// Metric returns the stats for a metric key, or nil when untracked.
func (b *SubjectBaseline) Metric(key string) *MetricStats {
	if b == nil {
		return nil
	}
	if m, ok := b.Metrics[key]; ok {
		return &m
	}
	return nil
}

// AnyShifted reports whether any sufficient metric is flagged shifted.
// Detectors use this to scale sensitivity.
func (b *SubjectBaseline) AnyShifted() bool {
	if b == nil {
		return false
	}
	for _, m := range b.Metrics {
		if m.Sufficient && m.Shifted {
			return true
		}
	}
	return false
}

// Config controls baseline computation.
type Config struct {
	// LookbackDays is the long window for central tendency and trend.
	LookbackDays int `koanf:"lookback_days"`

	// ShortWindowDays is the recent window compared against the long
	// window for shift detection.
	ShortWindowDays int `koanf:"short_window_days"`

	// MinSessions is the minimum entry count for sufficiency.
	MinSessions int `koanf:"min_sessions"`

	// MinDistinctDays is the minimum distinct-day count for sufficiency.
	MinDistinctDays int `koanf:"min_distinct_days"`

	// OutlierZ is the z-score above which values are excluded from
	// central tendency (still counted for quality reporting).
	OutlierZ float64 `koanf:"outlier_z"`

	// ShiftThreshold is the shift score at or above which a metric is
	// flagged shifted.
	ShiftThreshold float64 `koanf:"shift_threshold"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LookbackDays:    30,
		ShortWindowDays: 7,
		MinSessions:     10,
		MinDistinctDays: 5,
		OutlierZ:        3.0,
		ShiftThreshold:  0.6,
	}
}

// Service computes and persists subject baselines.
type Service struct {
	config Config
	store  kvstore.Store // optional; nil disables persistence
	now    func() time.Time
}

// NewService creates a baseline service. store may be nil for pure
// computation; now may be nil to use time.Now.
func NewService(config Config, store kvstore.Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{config: config, store: store, now: now}
}

// Update recomputes the baseline for the snapshot's subject from scratch
// and persists it when a store is configured. Persistence failure is
// fail-soft: the computed baseline is still returned.
func (s *Service) Update(ctx context.Context, snap *observation.Snapshot) (*SubjectBaseline, error) {
	if snap == nil || snap.SubjectID == "" {
		return nil, fmt.Errorf("baseline: snapshot with subject id required")
	}

	now := s.now()
	cutoff := now.AddDate(0, 0, -s.config.LookbackDays)
	shortCutoff := now.AddDate(0, 0, -s.config.ShortWindowDays)

	b := &SubjectBaseline{
		SubjectID:  snap.SubjectID,
		ComputedAt: now,
		Metrics:    make(map[string]MetricStats),
	}

	s.computeEmotionMetrics(b, snap, cutoff, shortCutoff)
	s.computeSensoryMetrics(b, snap, cutoff)
	s.computeTrackingMetrics(b, snap, cutoff, shortCutoff)

	if s.store != nil {
		if err := s.save(ctx, b); err != nil {
			logging.Err(err).Str("subject", snap.SubjectID).Msg("baseline persistence failed, returning computed baseline")
		}
	}

	return b, nil
}

// Load retrieves the persisted baseline for a subject, or nil when none
// exists.
func (s *Service) Load(ctx context.Context, subjectID string) (*SubjectBaseline, error) {
	if s.store == nil {
		return nil, nil
	}
	data, err := s.store.Get(ctx, kvstore.PrefixBaseline+subjectID)
	if err != nil {
		if err == kvstore.ErrKeyNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	var b SubjectBaseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode baseline: %w", err)
	}
	return &b, nil
}

func (s *Service) save(ctx context.Context, b *SubjectBaseline) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode baseline: %w", err)
	}
	return s.store.Set(ctx, kvstore.PrefixBaseline+b.SubjectID, data)
}

// computeEmotionMetrics fills per-label and overall intensity metrics.
func (s *Service) computeEmotionMetrics(b *SubjectBaseline, snap *observation.Snapshot, cutoff, shortCutoff time.Time) {
	window := snap.EmotionsSince(cutoff)

	byLabel := make(map[string][]observation.EmotionEntry)
	all := make([]float64, 0, len(window))
	allTimes := make([]time.Time, 0, len(window))
	short := make([]float64, 0)

	for _, e := range window {
		v := float64(e.Intensity)
		if math.IsNaN(v) || v <= 0 {
			continue
		}
		byLabel[e.Label] = append(byLabel[e.Label], e)
		all = append(all, v)
		allTimes = append(allTimes, e.Timestamp)
		if !e.Timestamp.Before(shortCutoff) {
			short = append(short, v)
		}
	}

	b.Metrics[MetricEmotionIntensity] = s.numericStats(MetricEmotionIntensity, all, allTimes, short)

	for label, entries := range byLabel {
		key := MetricEmotionPrefix + label + ":intensity"
		values := make([]float64, 0, len(entries))
		times := make([]time.Time, 0, len(entries))
		shortVals := make([]float64, 0)
		for _, e := range entries {
			values = append(values, float64(e.Intensity))
			times = append(times, e.Timestamp)
			if !e.Timestamp.Before(shortCutoff) {
				shortVals = append(shortVals, float64(e.Intensity))
			}
		}
		b.Metrics[key] = s.numericStats(key, values, times, shortVals)
	}
}

// computeSensoryMetrics fills seek/avoid rate posteriors per sense and
// overall, using a Jeffreys prior.
func (s *Service) computeSensoryMetrics(b *SubjectBaseline, snap *observation.Snapshot, cutoff time.Time) {
	window := snap.SensorySince(cutoff)

	type tally struct {
		seeks, avoids, total int
		times                []time.Time
	}
	bySense := make(map[string]*tally)
	overall := &tally{}

	for _, e := range window {
		t, ok := bySense[e.Sense]
		if !ok {
			t = &tally{}
			bySense[e.Sense] = t
		}
		for _, target := range []*tally{t, overall} {
			target.total++
			target.times = append(target.times, e.Timestamp)
			switch e.Response {
			case observation.ResponseSeeking:
				target.seeks++
			case observation.ResponseAvoiding:
				target.avoids++
			}
		}
	}

	record := func(key string, successes, total int, times []time.Time) {
		stats := s.rateStats(key, successes, total, times)
		b.Metrics[key] = stats
	}

	record(MetricSensorySeekRate, overall.seeks, overall.total, overall.times)
	for sense, t := range bySense {
		record(MetricSensoryPrefix+sense+":seek_rate", t.seeks, t.total, t.times)
		record(MetricSensoryPrefix+sense+":avoid_rate", t.avoids, t.total, t.times)
	}
}

// computeTrackingMetrics fills per-metric stats from tracking entries.
func (s *Service) computeTrackingMetrics(b *SubjectBaseline, snap *observation.Snapshot, cutoff, shortCutoff time.Time) {
	byMetric := make(map[string][]observation.TrackingEntry)
	for _, e := range snap.Tracking {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		if math.IsNaN(e.Value) || math.IsInf(e.Value, 0) {
			continue
		}
		byMetric[e.Metric] = append(byMetric[e.Metric], e)
	}

	for metric, entries := range byMetric {
		key := MetricTrackingPrefix + metric
		values := make([]float64, 0, len(entries))
		times := make([]time.Time, 0, len(entries))
		short := make([]float64, 0)
		for _, e := range entries {
			values = append(values, e.Value)
			times = append(times, e.Timestamp)
			if !e.Timestamp.Before(shortCutoff) {
				short = append(short, e.Value)
			}
		}
		b.Metrics[key] = s.numericStats(key, values, times, short)
	}
}

// numericStats computes robust stats for a numeric series.
// Outliers are z-score-filtered from central tendency but counted.
func (s *Service) numericStats(key string, values []float64, times []time.Time, shortWindow []float64) MetricStats {
	values = observation.FiniteValues(values)
	kept, removed := scoring.FilterOutliersZScore(values, s.config.OutlierZ)

	stats := MetricStats{
		Key:             key,
		SampleCount:     len(values),
		DistinctDays:    observation.DistinctDays(times),
		OutliersRemoved: removed,
	}

	stats.Median = scoring.Median(kept)
	stats.IQR = scoring.IQR(kept)
	stats.CI = notchedInterval(stats.Median, stats.IQR, len(kept))
	stats.TrendSlope = scoring.HuberSlope(kept, 0)
	stats.Sufficient = stats.SampleCount >= s.config.MinSessions &&
		stats.DistinctDays >= s.config.MinDistinctDays

	if stats.Sufficient && len(shortWindow) >= 3 {
		stats.ShiftScore = shiftScore(kept, shortWindow, stats.IQR, stats.TrendSlope)
		stats.Shifted = stats.ShiftScore >= s.config.ShiftThreshold
	}
	return stats
}

// rateStats computes a beta-posterior rate metric under a Jeffreys prior.
func (s *Service) rateStats(key string, successes, total int, times []time.Time) MetricStats {
	const jeffreys = 0.5
	alpha := jeffreys + float64(successes)
	beta := jeffreys + float64(total-successes)
	mean := alpha / (alpha + beta)

	// Beta posterior standard deviation for the interval.
	variance := (alpha * beta) / ((alpha + beta) * (alpha + beta) * (alpha + beta + 1))
	sd := math.Sqrt(variance)

	stats := MetricStats{
		Key:          key,
		Median:       mean,
		SampleCount:  total,
		DistinctDays: observation.DistinctDays(times),
		Posterior:    &BetaPosterior{Alpha: alpha, Beta: beta, Mean: mean},
		CI: Interval{
			Low:  scoring.Clamp01(mean - 1.96*sd),
			High: scoring.Clamp01(mean + 1.96*sd),
		},
	}
	stats.Sufficient = total >= s.config.MinSessions &&
		stats.DistinctDays >= s.config.MinDistinctDays
	return stats
}

// notchedInterval is the McGill notched-boxplot interval:
// median ± 1.57·IQR/√n. Degenerates to a point for n == 0.
func notchedInterval(median, iqr float64, n int) Interval {
	if n == 0 {
		return Interval{Low: median, High: median}
	}
	half := 1.57 * iqr / math.Sqrt(float64(n))
	return Interval{Low: median - half, High: median + half}
}

// shiftScore compares the recent window against the long window. It
// blends normalized median displacement with trend divergence; a score
// at or above the configured threshold flags the metric as shifted.
func shiftScore(long, short []float64, longIQR, longSlope float64) float64 {
	shortMedian := scoring.Median(short)
	longMedian := scoring.Median(long)
	shortSlope := scoring.HuberSlope(short, 0)

	spread := longIQR
	if spread < 1e-9 {
		spread = 1e-9
	}
	displacement := math.Abs(shortMedian-longMedian) / spread
	divergence := math.Abs(shortSlope - longSlope)

	return scoring.SafeScore(0.7*displacement + 0.3*divergence)
}
