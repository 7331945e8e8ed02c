package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "channel_manager"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		},
		[]string{"route", "method", "status"},
	)

	grpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "gRPC calls by method and status code.",
		},
		[]string{"method", "code"},
	)

	syncOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_operations_total",
			Help:      "Sync attempts by channel, operation and result.",
		},
		[]string{"channel", "operation", "result"},
	)

	syncLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Adapter call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"channel", "operation"},
	)

	externalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_requests_total",
			Help:      "Outbound OTA requests by status code.",
		},
		[]string{"channel", "endpoint", "status"},
	)

	reconcileOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_outcomes_total",
			Help:      "Ingested bookings by reconciliation outcome.",
		},
		[]string{"channel", "outcome"},
	)

	connectionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Connection status changes.",
		},
		[]string{"channel", "to"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_queue_tasks",
			Help:      "Sync queue tasks by status.",
		},
		[]string{"status"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			grpcRequests,
			syncOperations,
			syncLatency,
			externalRequests,
			reconcileOutcomes,
			connectionTransitions,
			queueDepth,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveHTTP(route, method string, status int) {
	httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}

func ObserveGRPC(method, code string) {
	grpcRequests.WithLabelValues(method, code).Inc()
}

// ObserveSync records one adapter call made by the orchestrator.
func ObserveSync(channel, operation string, success bool, dur time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	syncOperations.WithLabelValues(channel, operation, result).Inc()
	syncLatency.WithLabelValues(channel, operation).Observe(dur.Seconds())
}

func ObserveExternal(channel, endpoint string, status int) {
	externalRequests.WithLabelValues(channel, endpoint, strconv.Itoa(status)).Inc()
}

func ObserveOutcome(channel, outcome string) {
	reconcileOutcomes.WithLabelValues(channel, outcome).Inc()
}

func ObserveTransition(channel, to string) {
	connectionTransitions.WithLabelValues(channel, to).Inc()
}

func SetQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}
