// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig configures routing middleware.
type RouterConfig struct {
	// RateLimitReqs requests per RateLimitWindow per client IP on the
	// data endpoints. Zero disables limiting.
	RateLimitReqs   int
	RateLimitWindow time.Duration
}

// NewRouter builds the chi router for the collaborator API.
func NewRouter(handler *Handler, config RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(prometheusMiddleware)

	// Health and metrics get a permissive limit so monitors can poll
	// freely.
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(1000, time.Minute))
		r.Get("/api/v1/health", handler.Health)
		r.Get("/api/v1/health/live", handler.HealthLive)
		r.Handle("/metrics", promhttp.Handler())
	})

	r.Route("/api/v1", func(r chi.Router) {
		if config.RateLimitReqs > 0 {
			window := config.RateLimitWindow
			if window <= 0 {
				window = time.Minute
			}
			r.Use(httprate.LimitByIP(config.RateLimitReqs, window))
		}

		r.Route("/subjects/{subjectID}", func(r chi.Router) {
			r.Post("/observations", handler.SubmitObservations)
			r.Get("/alerts", handler.ListAlerts)

			r.Route("/alerts/{alertID}", func(r chi.Router) {
				r.Post("/ack", handler.AcknowledgeAlert)
				r.Post("/progress", handler.ProgressAlert)
				r.Post("/resolve", handler.ResolveAlert)
				r.Post("/dismiss", handler.DismissAlert)
				r.Post("/snooze", handler.SnoozeAlert)
				r.Post("/feedback", handler.SubmitFeedback)
			})
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/", handler.ListReports)
			r.Get("/weekly", handler.GetWeeklyReport)
			r.Post("/weekly", handler.GenerateWeeklyReport)
			r.Get("/weekly/export", handler.ExportWeeklyReport)
			r.Get("/weekly/entries", handler.ExportWeeklyEntries)
		})

		r.Get("/overrides", handler.ListOverrides)
		r.Get("/audit", handler.ListAuditLog)
	})

	return r
}
