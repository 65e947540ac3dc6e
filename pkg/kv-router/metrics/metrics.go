/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Label names
	LabelRole       = "role"
	LabelResult     = "result"
	LabelReason     = "reason"
	LabelSource     = "source"
	LabelType       = "type"
	LabelPath       = "path"
	LabelStatusCode = "status_code"

	// Route result values
	RouteResultRouted     = "routed"
	RouteResultNoCapacity = "no_capacity"
	RouteResultInvalid    = "invalid"
	RouteResultCancelled  = "cancelled"

	// Completion result values
	CompletionResultCompleted = "completed"
	CompletionResultAborted   = "aborted"
	CompletionResultStale     = "stale"

	// Failure reason values
	FailureReasonReported    = "reported"
	FailureReasonUnreachable = "unreachable"
	FailureReasonTimeout     = "timeout"

	// Stale event source values
	SourceCompletion = "completion"
	SourceCacheEvent = "cache_event"
)

// Metrics holds all Prometheus metrics for the kv-router
type Metrics struct {
	// Routing
	RoutesTotal    *prometheus.CounterVec
	RouteDuration  *prometheus.HistogramVec
	CacheHitRatio  *prometheus.HistogramVec
	InflightGauge  prometheus.Gauge
	DecisionsTotal *prometheus.CounterVec

	// Request lifecycle
	CompletionsTotal *prometheus.CounterVec
	FailuresTotal    *prometheus.CounterVec

	// Cache index
	CacheEventsTotal *prometheus.CounterVec
	StaleEventsTotal *prometheus.CounterVec
	IndexedBlocks    prometheus.Gauge

	// Worker pool
	WorkerEventsTotal *prometheus.CounterVec

	// HTTP surface
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitExceeded   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered to reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RoutesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kv_router_routes_total",
				Help: "Total number of route calls by requested role and result",
			},
			[]string{LabelRole, LabelResult},
		),

		RouteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kv_router_route_duration_seconds",
				Help:    "Latency of a routing decision",
				Buckets: []float64{0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
			},
			[]string{LabelRole},
		),

		CacheHitRatio: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kv_router_cache_hit_ratio",
				Help:    "Fraction of request blocks already cached on the selected worker",
				Buckets: []float64{0, 0.25, 0.5, 0.75, 1},
			},
			[]string{LabelRole},
		),

		InflightGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kv_router_inflight_requests",
				Help: "Current number of routed requests awaiting completion",
			},
		),

		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kv_router_decisions_total",
				Help: "Routing decisions by selected worker role",
			},
			[]string{LabelRole},
		),

		CompletionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kv_router_completions_total",
				Help: "Completions processed by result",
			},
			[]string{LabelResult},
		),

		FailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kv_router_failures_total",
				Help: "Routed requests that failed, by reason",
			},
			[]string{LabelReason},
		),

		CacheEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kv_router_cache_events_total",
				Help: "KV cache events received by type",
			},
			[]string{LabelType},
		),

		StaleEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kv_router_stale_events_total",
				Help: "Out-of-order cache updates that were ignored",
			},
			[]string{LabelSource},
		),

		IndexedBlocks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kv_router_indexed_blocks",
				Help: "Number of distinct block hashes tracked by the cache index",
			},
		),

		WorkerEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kv_router_worker_events_total",
				Help: "Worker lifecycle events by type",
			},
			[]string{LabelType},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kv_router_http_requests_total",
				Help: "Total number of HTTP requests processed",
			},
			[]string{LabelPath, LabelStatusCode},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kv_router_http_request_duration_seconds",
				Help:    "HTTP request processing latency distribution",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{LabelPath, LabelStatusCode},
		),

		RateLimitExceeded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kv_router_rate_limit_exceeded_total",
				Help: "Number of requests rejected due to rate limiting",
			},
			[]string{LabelPath},
		),
	}
}

// RecordRoute records the outcome of a route call
func (m *Metrics) RecordRoute(role, result string, duration time.Duration) {
	m.RoutesTotal.WithLabelValues(role, result).Inc()
	m.RouteDuration.WithLabelValues(role).Observe(duration.Seconds())
}

// RecordDecision records the selected worker role and how much of the
// request it had cached
func (m *Metrics) RecordDecision(workerRole string, matchedBlocks, totalBlocks int) {
	m.DecisionsTotal.WithLabelValues(workerRole).Inc()
	if totalBlocks > 0 {
		m.CacheHitRatio.WithLabelValues(workerRole).Observe(float64(matchedBlocks) / float64(totalBlocks))
	}
}

// RecordHTTPRequest records a served HTTP request
func (m *Metrics) RecordHTTPRequest(path, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(path, statusCode).Observe(duration.Seconds())
}
