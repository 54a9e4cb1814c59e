// Package metrics holds the Prometheus collectors of the runner.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fleetrunner"

var histogramBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 900}

var httpBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// Metrics is the set of runner collectors.
type Metrics struct {
	claims         *prometheus.CounterVec
	storeErrors    prometheus.Counter
	inFlight       prometheus.Gauge
	requests       *prometheus.CounterVec
	targets        *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	stageRetries   *prometheus.CounterVec
	eventsDegraded prometheus.Gauge
	eventsDropped  *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "claims_total",
			Help:      "Claim attempts by outcome",
		}, []string{"outcome"}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "store_errors_total",
			Help:      "Request store failures seen by the poll loop",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "in_flight_requests",
			Help:      "Orchestrations currently running on this instance",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "requests_total",
			Help:      "Executed requests by overall status",
		}, []string{"overall_status"}),
		targets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "targets_total",
			Help:      "Target outcomes by status and failed stage",
		}, []string{"status", "failed_stage"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages including retries",
			Buckets:   histogramBuckets,
		}, []string{"stage"}),
		stageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "stage_retries_total",
			Help:      "Retries of transient stage failures",
		}, []string{"stage"}),
		eventsDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "logger_degraded",
			Help:      "1 when the last event could not be delivered",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events that could not be delivered",
		}, []string{"event_type"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   httpBuckets,
		}, []string{"method", "route", "status"}),
	}

	if reg != nil {
		m.claims = register(reg, m.claims)
		m.storeErrors = register(reg, m.storeErrors)
		m.inFlight = register(reg, m.inFlight)
		m.requests = register(reg, m.requests)
		m.targets = register(reg, m.targets)
		m.stageDuration = register(reg, m.stageDuration)
		m.stageRetries = register(reg, m.stageRetries)
		m.eventsDegraded = register(reg, m.eventsDegraded)
		m.eventsDropped = register(reg, m.eventsDropped)
		m.httpRequests = register(reg, m.httpRequests)
		m.httpDuration = register(reg, m.httpDuration)
	}
	return m
}

// register registers c, returning the existing collector if an identical one
// was registered before.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// =============================================================================
// Poller
// =============================================================================

// Claim outcomes.
const (
	ClaimClaimed   = "claimed"
	ClaimReclaimed = "reclaimed"
	ClaimConflict  = "conflict"
	ClaimError     = "error"
)

// Claim counts a claim attempt.
func (m *Metrics) Claim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

// StoreError counts a request store failure in the poll loop.
func (m *Metrics) StoreError() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}

// InFlight sets the number of running orchestrations.
func (m *Metrics) InFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

// =============================================================================
// Orchestrator and executor
// =============================================================================

// RequestCompleted counts an executed request.
func (m *Metrics) RequestCompleted(overallStatus string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(overallStatus).Inc()
}

// Target counts a target outcome. failedStage is empty for successes.
func (m *Metrics) Target(status, failedStage string) {
	if m == nil {
		return
	}
	m.targets.WithLabelValues(status, failedStage).Inc()
}

// StageDuration observes how long a stage took.
func (m *Metrics) StageDuration(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// StageRetry counts a retried stage attempt.
func (m *Metrics) StageRetry(stage string) {
	if m == nil {
		return
	}
	m.stageRetries.WithLabelValues(stage).Inc()
}

// =============================================================================
// Events
// =============================================================================

// EventsDegraded records whether the event logger is failing.
func (m *Metrics) EventsDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.eventsDegraded.Set(1)
	} else {
		m.eventsDegraded.Set(0)
	}
}

// EventDropped counts an event that could not be delivered.
func (m *Metrics) EventDropped(eventType string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(eventType).Inc()
}

// =============================================================================
// HTTP
// =============================================================================

// HTTPRequest records a handled API request.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpDuration.With(labels).Observe(d.Seconds())
}
