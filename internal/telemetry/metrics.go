/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tsch"

// Engine metrics.
var (
	// SlotsTotal counts executed timeslots by action (tx, rx, beacon, idle).
	SlotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slots_total",
		Help:      "Timeslots executed, by action.",
	}, []string{"action"})

	// SlotsSkippedTotal counts slots that were selected but not executed.
	SlotsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slots_skipped_total",
		Help:      "Timeslots skipped, by reason.",
	}, []string{"reason"})

	// TimeCorrectionMicroseconds observes time corrections measured on
	// received frames.
	TimeCorrectionMicroseconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "time_correction_microseconds",
		Help:      "Time correction of received frames relative to the expected arrival.",
		Buckets:   []float64{-1000, -250, -100, -25, -5, 0, 5, 25, 100, 250, 1000},
	})

	SyntonizeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "syntonize_total",
		Help:      "Syntonization samples, by result.",
	}, []string{"result"})

	ClockDegradedReadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "clock_degraded_reads_total",
		Help:      "Counter reads served from the sleep counter.",
	})

	TimeoutRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "timeout_rejected_total",
		Help:      "Timeouts that could not be programmed into the comparator.",
	})

	// CurrentASN exposes the absolute slot number of the running engine.
	CurrentASN = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "current_asn",
		Help:      "Absolute slot number of the last executed timeslot.",
	})

	SelectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "select_duration_seconds",
		Help:      "Time spent selecting the next active link.",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 8),
	})

	NeighborQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "neighbor_queue_depth",
		Help:      "Frames queued per neighbor.",
	}, []string{"neighbor"})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Events published, by bus backend.",
	}, []string{"backend"})
)

// API metrics.
var (
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests, by method, route and status.",
	}, []string{"method", "endpoint", "status"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "active_connections",
		Help:      "In-flight HTTP requests.",
	})
)

// Store metrics.
var (
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "query_duration_seconds",
		Help:      "Database operation latency, by operation and table.",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Failed database operations.",
	}, []string{"operation"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "connections_active",
		Help:      "Open database connections.",
	})

	CacheOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Schedule cache operations, by operation and result.",
	}, []string{"operation", "result"})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
