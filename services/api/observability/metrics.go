// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the emissions API.
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics.
const metricsNamespace = "methane"

const apiSubsystem = "api"

// Metrics holds the Prometheus metrics for the emissions API.
type Metrics struct {
	// RequestsTotal counts HTTP requests by route and status class.
	// Labels: route, status (2xx, 4xx, 5xx)
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures handler latency by route.
	RequestDurationSeconds *prometheus.HistogramVec

	// RecordsAppendedTotal counts records accepted through the ingest
	// endpoint. Labels: outcome (appended, rejected)
	RecordsAppendedTotal *prometheus.CounterVec

	// QueryResultSize measures records returned per query.
	QueryResultSize prometheus.Histogram

	// ActiveStreams tracks open websocket feeds.
	ActiveStreams prometheus.Gauge
}

// DefaultMetrics is the instance registered against the default registry.
// Initialized by InitMetrics().
var DefaultMetrics *Metrics

// InitMetrics registers the API metrics with the default Prometheus
// registry. Call once at startup; a second call panics on duplicate
// registration.
func InitMetrics() *Metrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics registers the API metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: apiSubsystem,
				Name:      "requests_total",
				Help:      "Total HTTP requests by route and status class",
			},
			[]string{"route", "status"},
		),

		RequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: apiSubsystem,
				Name:      "request_duration_seconds",
				Help:      "Handler latency by route",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"route"},
		),

		RecordsAppendedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: apiSubsystem,
				Name:      "records_appended_total",
				Help:      "Records accepted or rejected by the ingest endpoint",
			},
			[]string{"outcome"},
		),

		QueryResultSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: apiSubsystem,
				Name:      "query_result_size",
				Help:      "Records returned per query",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: apiSubsystem,
				Name:      "active_streams",
				Help:      "Open websocket record feeds",
			},
		),
	}
}

// StatusClass buckets an HTTP status code for the requests counter.
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
