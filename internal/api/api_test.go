// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/kestrelwatch/kestrel/internal/baseline"
	"github.com/kestrelwatch/kestrel/internal/detection"
	"github.com/kestrelwatch/kestrel/internal/governance"
	"github.com/kestrelwatch/kestrel/internal/kvstore"
	"github.com/kestrelwatch/kestrel/internal/learner"
	"github.com/kestrelwatch/kestrel/internal/observation"
	"github.com/kestrelwatch/kestrel/internal/scoring"
	"github.com/kestrelwatch/kestrel/internal/telemetry"
)

// apiNow is a Monday at noon UTC, outside quiet hours in any common
// timezone offset tested here.
var apiNow = time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

type apiStack struct {
	router    http.Handler
	alerts    *governance.AlertStore
	telemetry *telemetry.Service
	reporter  *telemetry.Reporter
	store     kvstore.Store
}

// newAPIStack wires the full pipeline over the in-memory store with a
// fixed clock.
func newAPIStack(t *testing.T, detectors ...detection.Detector) *apiStack {
	t.Helper()

	store := kvstore.NewMemoryStore()
	clock := func() time.Time { return apiNow }

	engineCfg := detection.DefaultEngineConfig()
	thresholds := learner.New(learner.DefaultConfig(), engineCfg.BaseThresholds, store, clock)
	baselines := baseline.NewService(baseline.DefaultConfig(), store, clock)

	engine := detection.NewEngine(engineCfg, thresholds, clock)
	if len(detectors) == 0 {
		engine.RegisterDefaultDetectors()
	}
	for _, d := range detectors {
		engine.RegisterDetector(d)
	}
	pool := detection.NewPool(engine, detection.PoolConfig{Workers: 0})
	t.Cleanup(pool.Close)

	audit := governance.NewAuditLog(store, 0)
	t.Cleanup(func() { audit.Close() })
	alerts := governance.NewAlertStore(store, clock)
	policy := governance.NewPolicy(governance.DefaultConfig(), store, alerts, audit, nil, clock)

	telemetrySvc := telemetry.NewService(store, clock)
	reporter := telemetry.NewReporter(telemetrySvc, store, clock)

	handler := NewHandler(HandlerDeps{
		Baselines: baselines,
		Pool:      pool,
		Policy:    policy,
		Alerts:    alerts,
		Audit:     audit,
		Telemetry: telemetrySvc,
		Reporter:  reporter,
		Learner:   thresholds,
	})
	return &apiStack{
		router:    NewRouter(handler, RouterConfig{}),
		alerts:    alerts,
		telemetry: telemetrySvc,
		reporter:  reporter,
		store:     store,
	}
}

// do runs one request through the router.
func (s *apiStack) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *APIError       `json:"error"`
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, rr.Body.String())
	}
	return env
}

func requireErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("status = %d, want %d (body %q)", rr.Code, status, rr.Body.String())
	}
	env := decodeEnvelope(t, rr)
	if env.Error == nil || env.Error.Code != code {
		t.Fatalf("error = %+v, want code %s", env.Error, code)
	}
}

// spikeRequest builds an intake payload whose emotion series ends in a
// clear intensity spike.
func spikeRequest(subjectID string) observationRequest {
	snap := observation.Snapshot{SubjectID: subjectID}
	total := 125
	for i := 0; i < total; i++ {
		intensity := 2
		if i >= total-5 {
			intensity = 5
		}
		snap.Emotions = append(snap.Emotions, observation.EmotionEntry{
			Label:     "frustrated",
			Intensity: intensity,
			Timestamp: apiNow.Add(-time.Duration(total-i) * time.Hour),
		})
	}
	return observationRequest{Snapshot: snap}
}

func seedAlert(t *testing.T, stack *apiStack, id, subjectID string) detection.AlertEvent {
	t.Helper()
	alert := detection.AlertEvent{
		ID:         id,
		SubjectID:  subjectID,
		Kind:       detection.AlertKindEmotionChange,
		Severity:   scoring.SeverityModerate,
		Confidence: 0.7,
		Score:      0.6,
		Title:      "Emotion intensity shift",
		CreatedAt:  apiNow,
		Status:     detection.StatusNew,
		DedupeKey:  detection.DedupeKey(subjectID, detection.AlertKindEmotionChange, "emotion:intensity"),
		Sources: []scoring.SourceRef{
			{DetectorType: "cusum", Score: 0.6, Confidence: 0.7},
		},
	}
	if err := stack.alerts.Save(context.Background(), &alert); err != nil {
		t.Fatalf("seed alert: %v", err)
	}
	return alert
}

func TestSubmitObservationsPipeline(t *testing.T) {
	t.Parallel()

	stack := newAPIStack(t)
	rr := stack.do(http.MethodPost, "/api/v1/subjects/s1/observations", spikeRequest("s1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rr.Code, rr.Body.String())
	}

	env := decodeEnvelope(t, rr)
	if env.Status != "ok" {
		t.Fatalf("envelope status = %q", env.Status)
	}
	var resp observationResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AlertsRaised == 0 {
		t.Fatal("spike raised no alerts")
	}
	if len(resp.Admitted) == 0 {
		t.Fatalf("no alerts admitted: %+v", resp)
	}
	if len(resp.Statuses) != resp.AlertsRaised {
		t.Errorf("statuses = %d, want one per alert (%d)", len(resp.Statuses), resp.AlertsRaised)
	}

	// Admitted alerts are visible on the list endpoint.
	rr = stack.do(http.MethodGet, "/api/v1/subjects/s1/alerts", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	var listed []detection.AlertEvent
	if err := json.Unmarshal(decodeEnvelope(t, rr).Data, &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != len(resp.Admitted) {
		t.Errorf("listed %d alerts, want %d", len(listed), len(resp.Admitted))
	}
}

func TestSubmitObservationsSubjectMismatch(t *testing.T) {
	t.Parallel()

	stack := newAPIStack(t)
	rr := stack.do(http.MethodPost, "/api/v1/subjects/s1/observations", spikeRequest("someone-else"))
	requireErrorCode(t, rr, http.StatusBadRequest, "SUBJECT_MISMATCH")
}

func TestSubmitObservationsInvalidBody(t *testing.T) {
	t.Parallel()

	stack := newAPIStack(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subjects/s1/observations", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	stack.router.ServeHTTP(rr, req)
	requireErrorCode(t, rr, http.StatusBadRequest, "INVALID_BODY")
}

// slowDetector stalls until its context is cancelled, to exercise the
// engine watchdog through the API.
type slowDetector struct{}

func (slowDetector) Kind() detection.DetectorKind { return detection.KindCUSUM }
func (slowDetector) Detect(ctx context.Context, win detection.Window, base *baseline.SubjectBaseline) (*detection.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (slowDetector) Configure(json.RawMessage) error { return nil }
func (slowDetector) Enabled() bool                   { return true }
func (slowDetector) SetEnabled(bool)                 {}

func TestSubmitObservationsDetectionTimeout(t *testing.T) {
	t.Parallel()

	store := kvstore.NewMemoryStore()
	clock := func() time.Time { return apiNow }

	engineCfg := detection.DefaultEngineConfig()
	engineCfg.WatchdogTimeout = 25 * time.Millisecond
	engine := detection.NewEngine(engineCfg, nil, clock)
	engine.RegisterDetector(slowDetector{})
	pool := detection.NewPool(engine, detection.PoolConfig{Workers: 0})
	t.Cleanup(pool.Close)

	alerts := governance.NewAlertStore(store, clock)
	telemetrySvc := telemetry.NewService(store, clock)
	handler := NewHandler(HandlerDeps{
		Baselines: baseline.NewService(baseline.DefaultConfig(), store, clock),
		Pool:      pool,
		Policy:    governance.NewPolicy(governance.DefaultConfig(), store, alerts, nil, nil, clock),
		Alerts:    alerts,
		Telemetry: telemetrySvc,
		Reporter:  telemetry.NewReporter(telemetrySvc, store, clock),
		Learner:   learner.New(learner.DefaultConfig(), engineCfg.BaseThresholds, store, clock),
	})
	router := NewRouter(handler, RouterConfig{})

	data, _ := json.Marshal(spikeRequest("s1"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subjects/s1/observations", bytes.NewReader(data))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	requireErrorCode(t, rr, http.StatusGatewayTimeout, "DETECTION_TIMEOUT")
}

func TestAlertTransitions(t *testing.T) {
	t.Parallel()

	stack := newAPIStack(t)
	seedAlert(t, stack, "a1", "s1")

	rr := stack.do(http.MethodPost, "/api/v1/subjects/s1/alerts/a1/ack", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("ack status = %d, body %q", rr.Code, rr.Body.String())
	}
	var alert detection.AlertEvent
	if err := json.Unmarshal(decodeEnvelope(t, rr).Data, &alert); err != nil {
		t.Fatalf("decode alert: %v", err)
	}
	if alert.Status != detection.StatusAcknowledged {
		t.Errorf("status = %s, want acknowledged", alert.Status)
	}

	rr = stack.do(http.MethodPost, "/api/v1/subjects/s1/alerts/a1/progress", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("progress status = %d", rr.Code)
	}
	rr = stack.do(http.MethodPost, "/api/v1/subjects/s1/alerts/a1/resolve", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("resolve status = %d", rr.Code)
	}
}

func TestAlertTransitionNotFound(t *testing.T) {
	t.Parallel()

	stack := newAPIStack(t)
	seedAlert(t, stack, "a1", "s1")

	rr := stack.do(http.MethodPost, "/api/v1/subjects/s1/alerts/missing/ack", nil)
	requireErrorCode(t, rr, http.StatusNotFound, "NOT_FOUND")

	// Alerts are scoped per subject.
	rr = stack.do(http.MethodPost, "/api/v1/subjects/s2/alerts/a1/ack", nil)
	requireErrorCode(t, rr, http.StatusNotFound, "NOT_FOUND")
}

func TestAlertTransitionConflict(t *testing.T) {
	t.Parallel()

	stack := newAPIStack(t)
	seedAlert(t, stack, "a1", "s1")

	// New alerts cannot jump straight to resolved.
	rr := stack.do(http.MethodPost, "/api/v1/subjects/s1/alerts/a1/resolve", nil)
	requireErrorCode(t, rr, http.StatusConflict, "INVALID_TRANSITION")
}

func TestSnoozeAlert(t *testing.T) {
	t.Parallel()

	stack := newAPIStack(t)
	seedAlert(t, stack, "a1", "s1")

	rr := stack.do(http.MethodPost, "/api/v1/subjects/s1/alerts/a1/snooze", snoozeRequest{DurationMinutes: 30})
	if rr.Code != http.StatusOK {
		t.Fatalf("snooze status = %d, body %q", rr.Code, rr.Body.String())
	}
	var alert detection.AlertEvent
	if err := json.Unmarshal(decodeEnvelope(t, rr).Data, &alert); err != nil {
		t.Fatalf("decode alert: %v", err)
	}
	if alert.Status != detection.StatusSnoozed {
		t.Errorf("status = %s, want snoozed", alert.Status)
	}
	if alert.SnoozedUntil == nil {
		t.Error("snoozed alert has no SnoozedUntil")
	}
}

func TestSubmitFeedback(t *testing.T) {
	t.Parallel()

	stack := newAPIStack(t)
	alert := seedAlert(t, stack, "a1", "s1")
	if err := stack.telemetry.LogAlertCreated(context.Background(), &alert, telemetry.Group{Grade: "5"}); err != nil {
		t.Fatalf("seed telemetry: %v", err)
	}

	relevant := true
	rr := stack.do(http.MethodPost, "/api/v1/subjects/s1/alerts/a1/feedback", telemetry.Feedback{
		Relevant: &relevant,
		Rating:   4,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("feedback status = %d, body %q", rr.Code, rr.Body.String())
	}

	rr = stack.do(http.MethodPost, "/api/v1/subjects/s1/alerts/missing/feedback", telemetry.Feedback{Relevant: &relevant})
	requireErrorCode(t, rr, http.StatusNotFound, "NOT_FOUND")
}

func TestWeeklyReportEndpoints(t *testing.T) {
	t.Parallel()

	stack := newAPIStack(t)

	// No report yet.
	rr := stack.do(http.MethodGet, "/api/v1/reports/weekly?week=2026-03-04", nil)
	requireErrorCode(t, rr, http.StatusNotFound, "NOT_FOUND")

	rr = stack.do(http.MethodPost, "/api/v1/reports/weekly?week=2026-03-04", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("generate status = %d, body %q", rr.Code, rr.Body.String())
	}
	var report telemetry.WeeklyReport
	if err := json.Unmarshal(decodeEnvelope(t, rr).Data, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	wantStart := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if !report.WeekStart.Equal(wantStart) {
		t.Errorf("week start = %v, want %v", report.WeekStart, wantStart)
	}

	rr = stack.do(http.MethodGet, "/api/v1/reports/weekly?week=2026-03-04", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}

	rr = stack.do(http.MethodGet, "/api/v1/reports/weekly?week=not-a-date", nil)
	requireErrorCode(t, rr, http.StatusBadRequest, "INVALID_WEEK")

	rr = stack.do(http.MethodGet, "/api/v1/reports/?from=2026-03-01&to=2026-03-31", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("range status = %d", rr.Code)
	}
	var reports []telemetry.WeeklyReport
	if err := json.Unmarshal(decodeEnvelope(t, rr).Data, &reports); err != nil {
		t.Fatalf("decode range: %v", err)
	}
	if len(reports) != 1 {
		t.Errorf("range returned %d reports, want 1", len(reports))
	}
}

func TestExportWeeklyReport(t *testing.T) {
	t.Parallel()

	stack := newAPIStack(t)
	if _, err := stack.reporter.Generate(context.Background(), time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("generate: %v", err)
	}

	rr := stack.do(http.MethodGet, "/api/v1/reports/weekly/export?week=2026-03-04", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("csv export status = %d, body %q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q, want text/csv", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "kestrel-report-2026-03-02.csv") {
		t.Errorf("content disposition = %q", cd)
	}
	firstLine := strings.SplitN(rr.Body.String(), "\n", 2)[0]
	if !strings.HasPrefix(firstLine, "weekStart,weekEnd,") {
		t.Errorf("csv header = %q", firstLine)
	}

	rr = stack.do(http.MethodGet, "/api/v1/reports/weekly/export?week=2026-03-04&format=json", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("json export status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q, want application/json", ct)
	}

	rr = stack.do(http.MethodGet, "/api/v1/reports/weekly/export?week=2026-03-04&format=xml", nil)
	requireErrorCode(t, rr, http.StatusBadRequest, "INVALID_FORMAT")
}

func TestExportWeeklyEntries(t *testing.T) {
	t.Parallel()

	stack := newAPIStack(t)
	rr := stack.do(http.MethodGet, "/api/v1/reports/weekly/entries?week=2026-03-04", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("entries export status = %d, body %q", rr.Code, rr.Body.String())
	}
	firstLine := strings.SplitN(rr.Body.String(), "\n", 2)[0]
	if !strings.HasPrefix(firstLine, "alertId,studentHash,") {
		t.Errorf("csv header = %q", firstLine)
	}
}

func TestListOverrides(t *testing.T) {
	t.Parallel()

	stack := newAPIStack(t)
	rr := stack.do(http.MethodGet, "/api/v1/overrides", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("overrides status = %d", rr.Code)
	}
	if decodeEnvelope(t, rr).Status != "ok" {
		t.Error("overrides envelope not ok")
	}
}

func TestListAuditLog(t *testing.T) {
	t.Parallel()

	stack := newAPIStack(t)

	rr := stack.do(http.MethodGet, "/api/v1/audit", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("audit status = %d", rr.Code)
	}

	for _, limit := range []string{"abc", "0", "1001"} {
		rr = stack.do(http.MethodGet, fmt.Sprintf("/api/v1/audit?limit=%s", limit), nil)
		requireErrorCode(t, rr, http.StatusBadRequest, "INVALID_LIMIT")
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	stack := newAPIStack(t)

	rr := stack.do(http.MethodGet, "/api/v1/health/live", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("liveness status = %d", rr.Code)
	}

	rr = stack.do(http.MethodGet, "/api/v1/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health status = %d, body %q", rr.Code, rr.Body.String())
	}
	var health telemetry.Health
	if err := json.Unmarshal(decodeEnvelope(t, rr).Data, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "empty" {
		t.Errorf("health status = %q, want empty with no reports", health.Status)
	}
}

func TestSanitizeLogValue(t *testing.T) {
	t.Parallel()

	got := sanitizeLogValue("line\nbreak\x1b[31m")
	if strings.ContainsAny(got, "\n\x1b") {
		t.Errorf("control characters survived: %q", got)
	}
	if got != "line\\x0abreak\\x1b[31m" {
		t.Errorf("sanitized = %q", got)
	}
}
