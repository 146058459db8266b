package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	sessionsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "crab_relay",
			Subsystem: "session",
			Name:      "sessions",
			Help:      "Live sessions by state.",
		},
		[]string{"state"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crab_relay",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions.",
		},
		[]string{"from", "to"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crab_relay",
			Subsystem: "session",
			Name:      "reconnect_decisions_total",
			Help:      "Reconnection policy decisions by action.",
		},
		[]string{"action"},
	)
	relaySubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crab_relay",
			Subsystem: "relay",
			Name:      "subscribers",
			Help:      "Live relay subscribers across all tenants.",
		},
	)
	relayEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crab_relay",
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Events published to the relay by type.",
		},
		[]string{"type"},
	)
	relayEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crab_relay",
			Subsystem: "relay",
			Name:      "evictions_total",
			Help:      "Subscribers evicted because their buffer overflowed.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crab_relay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crab_relay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionsByState,
			sessionTransitions,
			reconnects,
			relaySubscribers,
			relayEvents,
			relayEvictions,
			httpRequests,
			httpDuration,
		)
	})
}

func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// RecordTransition moves one session between state gauges. Idle sessions are
// not live, so idle (or empty) never has a gauge.
func RecordTransition(from, to string) {
	Register()
	if from == to {
		return
	}
	if live(from) {
		sessionsByState.WithLabelValues(from).Dec()
	}
	if live(to) {
		sessionsByState.WithLabelValues(to).Inc()
	}
	if from != "" && to != "" {
		sessionTransitions.WithLabelValues(from, to).Inc()
	}
}

func live(state string) bool {
	return state != "" && state != "idle"
}

func RecordReconnectDecision(action string) {
	Register()
	reconnects.WithLabelValues(action).Inc()
}

func AddRelaySubscribers(delta int) {
	Register()
	relaySubscribers.Add(float64(delta))
}

func RecordRelayEvent(eventType string) {
	Register()
	relayEvents.WithLabelValues(eventType).Inc()
}

func RecordRelayEviction() {
	Register()
	relayEvictions.Inc()
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	Register()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}
