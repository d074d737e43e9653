// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request metrics, registered once on the default registry and served by
// the /metrics endpoint.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eid",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by matched route pattern, method and status code.",
	}, []string{"route", "method", "code"})

	requestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eid",
		Subsystem: "http",
		Name:      "request_seconds",
		Help:      "HTTP request latency by matched route pattern.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)

// requestMetricsMiddleware records one counter increment and one latency
// observation per request. Requests are labelled with the chi route
// pattern, not the raw path, so path parameters do not explode the label
// cardinality.
func requestMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		requestSeconds.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
