// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package telemetry

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/kestrelwatch/kestrel/internal/kvstore"
	"github.com/kestrelwatch/kestrel/internal/logging"
	"github.com/kestrelwatch/kestrel/internal/metrics"
)

// ErrReportNotFound is returned when no report exists for a week.
var ErrReportNotFound = errors.New("telemetry: report not found")

// minVariantSamples is the smallest labelled sample per variant before
// an experiment winner is declared.
const minVariantSamples = 10

// minWinnerMargin is the PPV gap a variant must show over the control
// to be declared the winner.
const minWinnerMargin = 0.05

// VariantSummary aggregates outcomes for one experiment variant.
type VariantSummary struct {
	Variant       string  `json:"variant"`
	AlertCount    int     `json:"alert_count"`
	LabelledCount int     `json:"labelled_count"`
	PPV           float64 `json:"ppv"`
}

// FairnessSummary aggregates outcomes for one subgroup.
type FairnessSummary struct {
	Group             string  `json:"group"`
	AlertCount        int     `json:"alert_count"`
	LabelledCount     int     `json:"labelled_count"`
	PPV               float64 `json:"ppv"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
	AckRate           float64 `json:"ack_rate"`
	HelpfulnessAvg    float64 `json:"helpfulness_avg"`
}

// groupAccumulator collects per-subgroup tallies before rates are
// derived.
type groupAccumulator struct {
	alerts      int
	acks        int
	labelled    int
	relevant    int
	ratingSum   int
	ratingCount int
}

// WeeklyReport is the persisted weekly accuracy and fairness summary.
// Reports are keyed by the ISO week-start Monday and are idempotent:
// regenerating a week overwrites the previous report for that week.
type WeeklyReport struct {
	WeekStart time.Time `json:"week_start"`
	WeekEnd   time.Time `json:"week_end"`

	TotalCreated      int `json:"total_created"`
	TotalAcknowledged int `json:"total_acknowledged"`
	TotalResolved     int `json:"total_resolved"`
	TotalSnoozed      int `json:"total_snoozed"`
	TotalLabelled     int `json:"total_labelled"`

	// PPVEstimate is true positives over all labelled alerts.
	PPVEstimate float64 `json:"ppv_estimate"`

	// FalsePositiveRate is labelled-irrelevant alerts over all labelled
	// alerts.
	FalsePositiveRate float64 `json:"false_positive_rate"`

	// FalseAlertsPerStudentDay is labelled-irrelevant alerts divided by
	// distinct (student, day) pairs in the week.
	FalseAlertsPerStudentDay float64 `json:"false_alerts_per_student_day"`

	// HelpfulnessAvg is the mean 1-5 feedback rating.
	HelpfulnessAvg float64 `json:"helpfulness_avg"`

	// MedianTimeToFirstActionMinutes measures creation to the earliest
	// of acknowledgement, resolution or snooze.
	MedianTimeToFirstActionMinutes float64 `json:"median_time_to_first_action_minutes"`

	Calibration CalibrationMetrics `json:"calibration"`

	Variants         []VariantSummary `json:"variants,omitempty"`
	ExperimentWinner string           `json:"experiment_winner,omitempty"`

	Fairness          []FairnessSummary `json:"fairness,omitempty"`
	WidestDisparity   float64           `json:"widest_disparity"`
	DisparityGroupLow string            `json:"disparity_group_low,omitempty"`

	// ThresholdSnapshot records the per-detector adjustments seen on
	// alerts this week, latest wins.
	ThresholdSnapshot map[string]float64 `json:"threshold_snapshot,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
}

// WeekStart returns the Monday 00:00 UTC starting the ISO week of t.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	day := t.AddDate(0, 0, -(weekday - 1))
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
}

func reportKey(weekStart time.Time) string {
	return kvstore.PrefixReport + weekStart.Format("2006-01-02")
}

// Reporter builds, stores and exports weekly reports.
type Reporter struct {
	service *Service
	store   kvstore.Store
	now     func() time.Time
}

// NewReporter creates a reporter over the telemetry service.
func NewReporter(service *Service, store kvstore.Store, now func() time.Time) *Reporter {
	if now == nil {
		now = time.Now
	}
	return &Reporter{service: service, store: store, now: now}
}

// Generate builds and persists the report for the ISO week containing
// anchor. Regenerating the same week replaces the stored report.
func (r *Reporter) Generate(ctx context.Context, anchor time.Time) (*WeeklyReport, error) {
	weekStart := WeekStart(anchor)
	weekEnd := weekStart.AddDate(0, 0, 7)

	entries, err := r.service.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("load telemetry entries: %w", err)
	}

	var week []Entry
	for _, e := range entries {
		if !e.CreatedAt.Before(weekStart) && e.CreatedAt.Before(weekEnd) {
			week = append(week, e)
		}
	}

	report := r.build(weekStart, weekEnd, week)

	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("encode weekly report: %w", err)
	}
	if err := r.store.Set(ctx, reportKey(weekStart), data); err != nil {
		return nil, fmt.Errorf("persist weekly report: %w", err)
	}
	metrics.WeeklyReportRuns.Inc()
	logging.Info().
		Str("week_start", weekStart.Format("2006-01-02")).
		Int("alerts", report.TotalCreated).
		Float64("ppv", report.PPVEstimate).
		Msg("weekly report generated")
	return report, nil
}

func (r *Reporter) build(weekStart, weekEnd time.Time, entries []Entry) *WeeklyReport {
	report := &WeeklyReport{
		WeekStart:    weekStart,
		WeekEnd:      weekEnd,
		TotalCreated: len(entries),
		Calibration:  ComputeCalibrationMetrics(entries),
		GeneratedAt:  r.now().UTC(),
	}

	var (
		truePositives  int
		falsePositives int
		ratingSum      int
		ratingCount    int
		actionMinutes  []float64
	)
	studentDays := map[string]struct{}{}
	variants := map[string]*VariantSummary{}
	groups := map[string]*groupAccumulator{}
	thresholds := map[string]float64{}

	for i := range entries {
		e := &entries[i]
		studentDays[e.StudentHash+"|"+e.CreatedAt.UTC().Format("2006-01-02")] = struct{}{}

		if e.AcknowledgedAt != nil {
			report.TotalAcknowledged++
		}
		if e.ResolvedAt != nil {
			report.TotalResolved++
		}
		if e.SnoozedAt != nil {
			report.TotalSnoozed++
		}
		if m, ok := firstActionMinutes(e); ok {
			actionMinutes = append(actionMinutes, m)
		}
		if e.Feedback != nil && e.Feedback.Rating >= 1 && e.Feedback.Rating <= 5 {
			ratingSum += e.Feedback.Rating
			ratingCount++
		}
		for _, trace := range e.ThresholdAdjustments {
			thresholds[string(trace.DetectorKind)] = trace.AppliedThreshold
		}

		labelled := e.Labelled()
		relevant := labelled && *e.Feedback.Relevant
		if labelled {
			report.TotalLabelled++
			if relevant {
				truePositives++
			} else {
				falsePositives++
			}
		}

		if e.ExperimentKey != "" {
			v := variants[e.ExperimentVariant]
			if v == nil {
				v = &VariantSummary{Variant: e.ExperimentVariant}
				variants[e.ExperimentVariant] = v
			}
			v.AlertCount++
			if labelled {
				v.LabelledCount++
				if relevant {
					v.PPV++ // accumulate positives, divide below
				}
			}
		}

		key := e.Group.Key()
		g := groups[key]
		if g == nil {
			g = &groupAccumulator{}
			groups[key] = g
		}
		g.alerts++
		if e.AcknowledgedAt != nil {
			g.acks++
		}
		if e.Feedback != nil && e.Feedback.Rating >= 1 && e.Feedback.Rating <= 5 {
			g.ratingSum += e.Feedback.Rating
			g.ratingCount++
		}
		if labelled {
			g.labelled++
			if relevant {
				g.relevant++
			}
		}
	}

	if report.TotalLabelled > 0 {
		report.PPVEstimate = float64(truePositives) / float64(report.TotalLabelled)
		report.FalsePositiveRate = float64(falsePositives) / float64(report.TotalLabelled)
	}
	if len(studentDays) > 0 {
		report.FalseAlertsPerStudentDay = float64(falsePositives) / float64(len(studentDays))
	}
	if ratingCount > 0 {
		report.HelpfulnessAvg = float64(ratingSum) / float64(ratingCount)
	}
	if len(actionMinutes) > 0 {
		sort.Float64s(actionMinutes)
		report.MedianTimeToFirstActionMinutes = medianSorted(actionMinutes)
	}
	if len(thresholds) > 0 {
		report.ThresholdSnapshot = thresholds
	}

	report.Variants = finalizeVariants(variants)
	report.ExperimentWinner = pickWinner(report.Variants)
	report.Fairness, report.WidestDisparity, report.DisparityGroupLow = finalizeFairness(groups)
	return report
}

func firstActionMinutes(e *Entry) (float64, bool) {
	var first *time.Time
	for _, t := range []*time.Time{e.AcknowledgedAt, e.ResolvedAt, e.SnoozedAt} {
		if t == nil {
			continue
		}
		if first == nil || t.Before(*first) {
			first = t
		}
	}
	if first == nil || first.Before(e.CreatedAt) {
		return 0, false
	}
	return first.Sub(e.CreatedAt).Minutes(), true
}

func medianSorted(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func finalizeVariants(variants map[string]*VariantSummary) []VariantSummary {
	out := make([]VariantSummary, 0, len(variants))
	for _, v := range variants {
		if v.LabelledCount > 0 {
			v.PPV /= float64(v.LabelledCount)
		}
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Variant < out[j].Variant })
	return out
}

// pickWinner declares an experiment winner when a variant beats the
// control's PPV by a clear margin with enough labelled samples. The
// variant named "control" anchors the comparison; with no control the
// best variant must beat the runner-up by the same margin.
func pickWinner(variants []VariantSummary) string {
	if len(variants) < 2 {
		return ""
	}
	for _, v := range variants {
		if v.LabelledCount < minVariantSamples {
			return ""
		}
	}

	var control *VariantSummary
	for i := range variants {
		if variants[i].Variant == "control" {
			control = &variants[i]
			break
		}
	}

	best, second := -1, -1
	for i := range variants {
		if best < 0 || variants[i].PPV > variants[best].PPV {
			second = best
			best = i
		} else if second < 0 || variants[i].PPV > variants[second].PPV {
			second = i
		}
	}

	baseline := variants[second].PPV
	if control != nil {
		if variants[best].Variant == control.Variant {
			return ""
		}
		baseline = control.PPV
	}
	if variants[best].PPV-baseline >= minWinnerMargin {
		return variants[best].Variant
	}
	return ""
}

func finalizeFairness(groups map[string]*groupAccumulator) ([]FairnessSummary, float64, string) {
	out := make([]FairnessSummary, 0, len(groups))
	for key, g := range groups {
		s := FairnessSummary{
			Group:         key,
			AlertCount:    g.alerts,
			LabelledCount: g.labelled,
		}
		if g.alerts > 0 {
			s.AckRate = float64(g.acks) / float64(g.alerts)
		}
		if g.labelled > 0 {
			s.PPV = float64(g.relevant) / float64(g.labelled)
			s.FalsePositiveRate = float64(g.labelled-g.relevant) / float64(g.labelled)
		}
		if g.ratingCount > 0 {
			s.HelpfulnessAvg = float64(g.ratingSum) / float64(g.ratingCount)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })

	disparity, lowGroup := 0.0, ""
	var lo, hi float64 = math.Inf(1), math.Inf(-1)
	for _, g := range out {
		if g.LabelledCount == 0 {
			continue
		}
		if g.PPV < lo {
			lo = g.PPV
			lowGroup = g.Group
		}
		if g.PPV > hi {
			hi = g.PPV
		}
	}
	if hi > lo {
		disparity = hi - lo
	} else {
		lowGroup = ""
	}
	return out, disparity, lowGroup
}

// Report returns the stored report for the week containing anchor.
func (r *Reporter) Report(ctx context.Context, anchor time.Time) (*WeeklyReport, error) {
	data, err := r.store.Get(ctx, reportKey(WeekStart(anchor)))
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	var report WeeklyReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decode weekly report: %w", err)
	}
	return &report, nil
}

// Reports returns stored reports whose week start falls in [from, to],
// oldest first. Report keys sort chronologically, so a prefix scan
// suffices.
func (r *Reporter) Reports(ctx context.Context, from, to time.Time) ([]WeeklyReport, error) {
	pairs, err := r.store.ScanPrefix(ctx, kvstore.PrefixReport, 0)
	if err != nil {
		return nil, err
	}
	out := make([]WeeklyReport, 0, len(pairs))
	for _, pair := range pairs {
		var report WeeklyReport
		if err := json.Unmarshal(pair.Value, &report); err != nil {
			logging.Err(err).Str("key", pair.Key).Msg("skipping corrupt weekly report")
			continue
		}
		if report.WeekStart.Before(from) || report.WeekStart.After(to) {
			continue
		}
		out = append(out, report)
	}
	return out, nil
}

// PruneReports keeps the newest maxReports reports and deletes the
// rest. Returns the number removed.
func (r *Reporter) PruneReports(ctx context.Context, maxReports int) (int, error) {
	if maxReports <= 0 {
		return 0, nil
	}
	pairs, err := r.store.ScanPrefix(ctx, kvstore.PrefixReport, 0)
	if err != nil {
		return 0, err
	}
	if len(pairs) <= maxReports {
		return 0, nil
	}
	removed := 0
	for _, pair := range pairs[:len(pairs)-maxReports] {
		if err := r.store.Delete(ctx, pair.Key); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		metrics.RetentionPrunes.WithLabelValues("reports").Add(float64(removed))
	}
	return removed, nil
}

// summaryCSVHeader is the fixed column order of the summary export.
var summaryCSVHeader = []string{
	"weekStart", "weekEnd", "totalCreated", "totalAcknowledged",
	"totalResolved", "ppvEstimate", "falseAlertsPerStudentDay",
	"helpfulnessAvg",
}

// entriesCSVHeader is the fixed column order of the entries export.
var entriesCSVHeader = []string{
	"alertId", "studentHash", "createdAt", "acknowledgedAt",
	"resolvedAt", "predictedRelevance", "experimentKey",
	"experimentVariant",
}

// ExportSummaryCSV renders one report as a single-row CSV document.
func ExportSummaryCSV(report *WeeklyReport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(summaryCSVHeader); err != nil {
		return nil, err
	}
	row := []string{
		report.WeekStart.UTC().Format(time.RFC3339),
		report.WeekEnd.UTC().Format(time.RFC3339),
		strconv.Itoa(report.TotalCreated),
		strconv.Itoa(report.TotalAcknowledged),
		strconv.Itoa(report.TotalResolved),
		formatFloat(report.PPVEstimate),
		formatFloat(report.FalseAlertsPerStudentDay),
		formatFloat(report.HelpfulnessAvg),
	}
	if err := w.Write(row); err != nil {
		return nil, err
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// ExportEntriesCSV renders the week's telemetry entries as CSV, one
// row per alert. Subject ids appear only as hashes.
func (r *Reporter) ExportEntriesCSV(ctx context.Context, anchor time.Time) ([]byte, error) {
	weekStart := WeekStart(anchor)
	weekEnd := weekStart.AddDate(0, 0, 7)

	entries, err := r.service.Entries(ctx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(entriesCSVHeader); err != nil {
		return nil, err
	}
	for i := range entries {
		e := &entries[i]
		if e.CreatedAt.Before(weekStart) || !e.CreatedAt.Before(weekEnd) {
			continue
		}
		row := []string{
			e.AlertID,
			e.StudentHash,
			e.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(e.AcknowledgedAt),
			formatOptionalTime(e.ResolvedAt),
			formatFloat(e.PredictedRelevance),
			e.ExperimentKey,
			e.ExperimentVariant,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// ExportJSON renders one report as indented JSON.
func ExportJSON(report *WeeklyReport) ([]byte, error) {
	return json.MarshalIndent(report, "", "  ")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Health summarizes reporter readiness for the health endpoint.
type Health struct {
	Status      string     `json:"status"` // ok | degraded | empty
	ReportCount int        `json:"report_count"`
	LatestWeek  *time.Time `json:"latest_week,omitempty"`
}

// CheckHealth reports ok when a report exists for the previous or
// current ISO week, degraded when reports exist but are stale, and
// empty when none exist.
func (r *Reporter) CheckHealth(ctx context.Context) (Health, error) {
	pairs, err := r.store.ScanPrefix(ctx, kvstore.PrefixReport, 0)
	if err != nil {
		return Health{}, err
	}
	if len(pairs) == 0 {
		return Health{Status: "empty"}, nil
	}

	var latest WeeklyReport
	if err := json.Unmarshal(pairs[len(pairs)-1].Value, &latest); err != nil {
		return Health{Status: "degraded", ReportCount: len(pairs)}, nil
	}
	h := Health{ReportCount: len(pairs), LatestWeek: &latest.WeekStart}

	currentWeek := WeekStart(r.now())
	if latest.WeekStart.Before(currentWeek.AddDate(0, 0, -7)) {
		h.Status = "degraded"
	} else {
		h.Status = "ok"
	}
	return h, nil
}
