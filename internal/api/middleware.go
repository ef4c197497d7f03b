// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kestrelwatch/kestrel/internal/metrics"
)

// prometheusMiddleware records request counts and latency per route
// pattern and status code. The chi route pattern keeps label
// cardinality bounded; raw paths with ids never become labels.
func prometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		status := strconv.Itoa(ww.Status())
		metrics.APIRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
