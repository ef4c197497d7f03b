// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/goccy/go-json"

	"github.com/kestrelwatch/kestrel/internal/baseline"
	"github.com/kestrelwatch/kestrel/internal/detection"
	"github.com/kestrelwatch/kestrel/internal/governance"
	"github.com/kestrelwatch/kestrel/internal/learner"
	"github.com/kestrelwatch/kestrel/internal/logging"
	"github.com/kestrelwatch/kestrel/internal/observation"
	"github.com/kestrelwatch/kestrel/internal/telemetry"
)

// maxRequestBody bounds intake payload size at 4 MiB.
const maxRequestBody = 4 << 20

// Handler serves the collaborator API. It orchestrates the full
// pipeline on observation intake: baseline refresh, detection run,
// governance admission, telemetry capture.
type Handler struct {
	baselines *baseline.Service
	pool      *detection.Pool
	policy    *governance.Policy
	alerts    *governance.AlertStore
	audit     *governance.AuditLog
	telemetry *telemetry.Service
	reporter  *telemetry.Reporter
	learner   *learner.Learner

	snoozeDuration time.Duration
}

// HandlerDeps collects the handler's collaborators.
type HandlerDeps struct {
	Baselines      *baseline.Service
	Pool           *detection.Pool
	Policy         *governance.Policy
	Alerts         *governance.AlertStore
	Audit          *governance.AuditLog
	Telemetry      *telemetry.Service
	Reporter       *telemetry.Reporter
	Learner        *learner.Learner
	SnoozeDuration time.Duration
}

// NewHandler creates the API handler.
func NewHandler(deps HandlerDeps) *Handler {
	if deps.SnoozeDuration <= 0 {
		deps.SnoozeDuration = 4 * time.Hour
	}
	return &Handler{
		baselines:      deps.Baselines,
		pool:           deps.Pool,
		policy:         deps.Policy,
		alerts:         deps.Alerts,
		audit:          deps.Audit,
		telemetry:      deps.Telemetry,
		reporter:       deps.Reporter,
		learner:        deps.Learner,
		snoozeDuration: deps.SnoozeDuration,
	}
}

// observationRequest is the intake payload for one subject.
type observationRequest struct {
	Snapshot      observation.Snapshot             `json:"snapshot"`
	Goals         []observation.GoalRecord         `json:"goals,omitempty"`
	Interventions []observation.InterventionRecord `json:"interventions,omitempty"`
	Timezone      string                           `json:"timezone,omitempty"`
	Group         telemetry.Group                  `json:"group,omitempty"`
	Experiment    *detection.ExperimentAssignment  `json:"experiment,omitempty"`
}

// observationResponse summarizes one pipeline run.
type observationResponse struct {
	SubjectID     string                 `json:"subject_id"`
	AlertsRaised  int                    `json:"alerts_raised"`
	Admitted      []detection.AlertEvent `json:"admitted"`
	Suppressed    int                    `json:"suppressed"`
	BaselineReady bool                   `json:"baseline_ready"`
	Statuses      []governance.Status    `json:"statuses"`
}

// SubmitObservations runs the full pipeline for one subject's snapshot.
func (h *Handler) SubmitObservations(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")

	var req observationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON", err)
		return
	}
	if req.Snapshot.SubjectID == "" {
		req.Snapshot.SubjectID = subjectID
	}
	if req.Snapshot.SubjectID != subjectID {
		respondError(w, http.StatusBadRequest, "SUBJECT_MISMATCH", "snapshot subject does not match URL", nil)
		return
	}

	ctx := r.Context()
	base, err := h.baselines.Update(ctx, &req.Snapshot)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "BASELINE_ERROR", "baseline update failed", err)
		return
	}

	future := h.pool.Submit(ctx, detection.RunInput{
		Snapshot:      &req.Snapshot,
		Baseline:      base,
		Goals:         req.Goals,
		Interventions: req.Interventions,
		Experiment:    req.Experiment,
	})
	alerts, err := future.Wait(ctx)
	if err != nil {
		if errors.Is(err, detection.ErrRunTimeout) {
			respondError(w, http.StatusGatewayTimeout, "DETECTION_TIMEOUT", "detection run exceeded its deadline", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "DETECTION_ERROR", "detection run failed", err)
		return
	}

	location := h.location(req.Timezone)
	resp := observationResponse{
		SubjectID:     subjectID,
		AlertsRaised:  len(alerts),
		Admitted:      make([]detection.AlertEvent, 0, len(alerts)),
		BaselineReady: base != nil,
	}

	for i := range alerts {
		status, err := h.policy.Admit(ctx, &alerts[i], location)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "GOVERNANCE_ERROR", "alert admission failed", err)
			return
		}
		resp.Statuses = append(resp.Statuses, status)
		if status.Suppressed {
			resp.Suppressed++
			continue
		}
		resp.Admitted = append(resp.Admitted, alerts[i])
		if err := h.telemetry.LogAlertCreated(ctx, &alerts[i], req.Group); err != nil {
			// Telemetry loss must not block alerting.
			logging.Err(err).Str("alert", alerts[i].ID).Msg("telemetry capture failed")
		}
	}

	respondData(w, http.StatusOK, resp)
}

// location resolves a request timezone, nil for the governance default.
func (h *Handler) location(tz string) *time.Location {
	if tz == "" {
		return nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		logging.Warn().Str("timezone", sanitizeLogValue(tz)).Msg("unknown timezone, using default")
		return nil
	}
	return loc
}

// ListAlerts returns all alerts for a subject.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	alerts, err := h.alerts.List(r.Context(), subjectID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "alert lookup failed", err)
		return
	}
	respondData(w, http.StatusOK, alerts)
}

// transition applies one reviewer lifecycle action and mirrors it into
// telemetry.
func (h *Handler) transition(w http.ResponseWriter, r *http.Request, next detection.AlertStatus, telemetryLog func(*http.Request, string) error) {
	subjectID := chi.URLParam(r, "subjectID")
	alertID := chi.URLParam(r, "alertID")

	alert, err := h.alerts.Transition(r.Context(), subjectID, alertID, next)
	if err != nil {
		respondTransitionError(w, err)
		return
	}
	if telemetryLog != nil {
		if err := telemetryLog(r, alertID); err != nil && !errors.Is(err, telemetry.ErrEntryNotFound) {
			logging.Err(err).Str("alert", alertID).Msg("telemetry lifecycle update failed")
		}
	}
	respondData(w, http.StatusOK, alert)
}

func respondTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, governance.ErrAlertNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", "alert not found", nil)
	case errors.Is(err, governance.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	default:
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "alert update failed", err)
	}
}

// AcknowledgeAlert moves an alert to Acknowledged.
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, detection.StatusAcknowledged, func(r *http.Request, id string) error {
		return h.telemetry.LogAlertAcknowledged(r.Context(), id)
	})
}

// ProgressAlert moves an alert to InProgress.
func (h *Handler) ProgressAlert(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, detection.StatusInProgress, nil)
}

// ResolveAlert moves an alert to Resolved.
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, detection.StatusResolved, func(r *http.Request, id string) error {
		return h.telemetry.LogAlertResolved(r.Context(), id)
	})
}

// DismissAlert moves an alert to Dismissed.
func (h *Handler) DismissAlert(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, detection.StatusDismissed, nil)
}

// snoozeRequest optionally overrides the default snooze duration.
type snoozeRequest struct {
	DurationMinutes int `json:"duration_minutes,omitempty"`
}

// SnoozeAlert moves an alert to Snoozed until now + duration.
func (h *Handler) SnoozeAlert(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	alertID := chi.URLParam(r, "alertID")

	duration := h.snoozeDuration
	var req snoozeRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON", err)
			return
		}
		if req.DurationMinutes > 0 {
			duration = time.Duration(req.DurationMinutes) * time.Minute
		}
	}

	alert, err := h.alerts.Snooze(r.Context(), subjectID, alertID, time.Now().Add(duration))
	if err != nil {
		respondTransitionError(w, err)
		return
	}
	if err := h.telemetry.LogAlertSnoozed(r.Context(), alertID); err != nil && !errors.Is(err, telemetry.ErrEntryNotFound) {
		logging.Err(err).Str("alert", alertID).Msg("telemetry lifecycle update failed")
	}
	respondData(w, http.StatusOK, alert)
}

// SubmitFeedback attaches reviewer feedback to an alert's telemetry.
func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")

	var feedback telemetry.Feedback
	if err := json.NewDecoder(r.Body).Decode(&feedback); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON", err)
		return
	}
	if err := h.telemetry.LogFeedback(r.Context(), alertID, feedback); err != nil {
		if errors.Is(err, telemetry.ErrEntryNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "no telemetry entry for alert", nil)
			return
		}
		respondError(w, http.StatusBadRequest, "INVALID_FEEDBACK", err.Error(), nil)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"alert_id": alertID})
}

// parseWeek reads the week query parameter (YYYY-MM-DD), defaulting to
// the previous ISO week.
func parseWeek(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("week")
	if raw == "" {
		return time.Now().AddDate(0, 0, -7), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid week %q (want YYYY-MM-DD)", raw)
	}
	return t, nil
}

// GetWeeklyReport returns the stored report for a week.
func (h *Handler) GetWeeklyReport(w http.ResponseWriter, r *http.Request) {
	anchor, err := parseWeek(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_WEEK", err.Error(), nil)
		return
	}
	report, err := h.reporter.Report(r.Context(), anchor)
	if err != nil {
		if errors.Is(err, telemetry.ErrReportNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "no report for that week", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "report lookup failed", err)
		return
	}
	respondData(w, http.StatusOK, report)
}

// GenerateWeeklyReport (re)generates the report for a week. Generation
// is idempotent per week.
func (h *Handler) GenerateWeeklyReport(w http.ResponseWriter, r *http.Request) {
	anchor, err := parseWeek(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_WEEK", err.Error(), nil)
		return
	}
	report, err := h.reporter.Generate(r.Context(), anchor)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "REPORT_ERROR", "report generation failed", err)
		return
	}
	respondData(w, http.StatusOK, report)
}

// ListReports returns reports in a [from, to] week range.
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	from, to := time.Time{}, time.Now()
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_RANGE", "invalid from date", nil)
			return
		}
		from = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_RANGE", "invalid to date", nil)
			return
		}
		to = t
	}
	reports, err := h.reporter.Reports(r.Context(), from, to)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "report range lookup failed", err)
		return
	}
	respondData(w, http.StatusOK, reports)
}

// ExportWeeklyReport renders a report as CSV or JSON per the format
// query parameter (default csv).
func (h *Handler) ExportWeeklyReport(w http.ResponseWriter, r *http.Request) {
	anchor, err := parseWeek(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_WEEK", err.Error(), nil)
		return
	}
	report, err := h.reporter.Report(r.Context(), anchor)
	if err != nil {
		if errors.Is(err, telemetry.ErrReportNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "no report for that week", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "report lookup failed", err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "csv":
		data, err := telemetry.ExportSummaryCSV(report)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "EXPORT_ERROR", "csv export failed", err)
			return
		}
		writeAttachment(w, data, "text/csv", reportFilename(report, "csv"))
	case "json":
		data, err := telemetry.ExportJSON(report)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "EXPORT_ERROR", "json export failed", err)
			return
		}
		writeAttachment(w, data, "application/json", reportFilename(report, "json"))
	default:
		respondError(w, http.StatusBadRequest, "INVALID_FORMAT", "format must be csv or json", nil)
	}
}

// ExportWeeklyEntries renders the week's telemetry entries as CSV.
func (h *Handler) ExportWeeklyEntries(w http.ResponseWriter, r *http.Request) {
	anchor, err := parseWeek(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_WEEK", err.Error(), nil)
		return
	}
	data, err := h.reporter.ExportEntriesCSV(r.Context(), anchor)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "EXPORT_ERROR", "entries export failed", err)
		return
	}
	name := fmt.Sprintf("kestrel-entries-%s.csv", telemetry.WeekStart(anchor).Format("2006-01-02"))
	writeAttachment(w, data, "text/csv", name)
}

func reportFilename(report *telemetry.WeeklyReport, ext string) string {
	return fmt.Sprintf("kestrel-report-%s.%s", report.WeekStart.Format("2006-01-02"), ext)
}

func writeAttachment(w http.ResponseWriter, data []byte, contentType, filename string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logging.Err(err).Msg("write export response")
	}
}

// ListOverrides returns the active threshold overrides.
func (h *Handler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, h.learner.Overrides())
}

// ListAuditLog returns recent governance decisions.
func (h *Handler) ListAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 1 || limit > 1000 {
			respondError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be 1-1000", nil)
			return
		}
	}
	decisions, err := h.audit.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "audit lookup failed", err)
		return
	}
	respondData(w, http.StatusOK, decisions)
}

// Health reports service health from the reporter's perspective.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.reporter.CheckHealth(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "HEALTH_ERROR", "health check failed", err)
		return
	}
	respondData(w, http.StatusOK, health)
}

// HealthLive is the liveness probe.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, map[string]string{"status": "alive"})
}
