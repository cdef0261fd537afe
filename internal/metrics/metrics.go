// Package metrics holds the Prometheus collectors shared by the services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "studiochat"

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by service, route and status.",
	}, []string{"service", "route", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by service and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service", "route"})

	turns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Finished turns by generation kind and outcome.",
	}, []string{"kind", "outcome"})

	turnDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "turn_duration_seconds",
		Help:      "Time from dispatch to settled answer.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"kind"})

	gatewayFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_failures_total",
		Help:      "Failed gateway calls by error category.",
	}, []string{"category"})

	outboxWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_writes_total",
		Help:      "Backend session writes by operation and result.",
	}, []string{"op", "result"})

	outboxDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "outbox_write_duration_seconds",
		Help:      "Latency of applying one session write.",
		Buckets:   prometheus.DefBuckets,
	})

	eventStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_streams",
		Help:      "Open server-sent event streams.",
	})

	authAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_attempts_total",
		Help:      "Rejected or throttled identity operations by event and outcome.",
	}, []string{"event", "outcome"})
)

func init() {
	prometheus.MustRegister(
		httpRequests,
		httpDuration,
		turns,
		turnDuration,
		gatewayFailures,
		outboxWrites,
		outboxDuration,
		eventStreams,
		authAttempts,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one served request. route is the mux pattern.
func ObserveRequest(service, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(service, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(service, route).Observe(d.Seconds())
}

// ObserveTurn records a settled turn.
func ObserveTurn(kind string, ok bool, d time.Duration) {
	turns.WithLabelValues(kind, outcome(ok)).Inc()
	turnDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func ObserveGatewayFailure(category string) {
	gatewayFailures.WithLabelValues(category).Inc()
}

// ObserveWrite records one applied outbox write.
func ObserveWrite(op string, err error, d time.Duration) {
	outboxWrites.WithLabelValues(op, outcome(err == nil)).Inc()
	outboxDuration.Observe(d.Seconds())
}

// StreamOpened counts an event stream; call the returned func when it closes.
func StreamOpened() func() {
	eventStreams.Inc()
	return eventStreams.Dec
}

func ObserveAuth(event, outcome string) {
	authAttempts.WithLabelValues(event, outcome).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
