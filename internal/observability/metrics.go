package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sharectl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sharectl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	wireMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sharectl",
			Subsystem: "wire",
			Name:      "messages_total",
			Help:      "Framed messages by direction and type.",
		},
		[]string{"role", "direction", "type"},
	)
	connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sharectl",
			Subsystem: "wire",
			Name:      "connections",
			Help:      "Open connections.",
		},
		[]string{"role", "transport"},
	)
	pairingAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sharectl",
			Subsystem: "pairing",
			Name:      "attempts_total",
			Help:      "Pairing attempts by strategy and outcome.",
		},
		[]string{"strategy", "outcome"},
	)
	listenerPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sharectl",
			Subsystem: "dispatch",
			Name:      "listener_panics_total",
			Help:      "Recovered listener panics.",
		},
		[]string{"list"},
	)
	droppedRemoteChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sharectl",
			Subsystem: "replica",
			Name:      "dropped_changes_total",
			Help:      "Remote element changes dropped by the local replica.",
		},
		[]string{"reason"},
	)
	evictedPeers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sharectl",
			Subsystem: "authority",
			Name:      "evicted_peers_total",
			Help:      "Peers disconnected because their send queue stayed full.",
		},
	)
	authoritySessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sharectl",
			Subsystem: "authority",
			Name:      "sessions",
			Help:      "Sessions known to the authority.",
		},
	)
	authorityMembers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sharectl",
			Subsystem: "authority",
			Name:      "members",
			Help:      "Joined session members across all sessions.",
		},
	)
	authorityElements = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sharectl",
			Subsystem: "authority",
			Name:      "elements",
			Help:      "Replicated elements held by the authority.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			wireMessages,
			connections,
			pairingAttempts,
			listenerPanics,
			droppedRemoteChanges,
			evictedPeers,
			authoritySessions,
			authorityMembers,
			authorityElements,
		)
	})
}

// MetricsHandler serves the default registry for gin routes.
func MetricsHandler() gin.HandlerFunc {
	RegisterMetrics()
	return gin.WrapH(promhttp.Handler())
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordMessage(role, direction, messageType string) {
	RegisterMetrics()
	wireMessages.WithLabelValues(role, direction, messageType).Inc()
}

func ConnectionOpened(role, transport string) {
	RegisterMetrics()
	connections.WithLabelValues(role, transport).Inc()
}

func ConnectionClosed(role, transport string) {
	RegisterMetrics()
	connections.WithLabelValues(role, transport).Dec()
}

func RecordPairingAttempt(strategy string, success bool) {
	RegisterMetrics()
	outcome := "failed"
	if success {
		outcome = "succeeded"
	}
	pairingAttempts.WithLabelValues(strategy, outcome).Inc()
}

func RecordListenerPanic(list string) {
	RegisterMetrics()
	listenerPanics.WithLabelValues(list).Inc()
}

func RecordDroppedRemoteChange(reason string) {
	RegisterMetrics()
	droppedRemoteChanges.WithLabelValues(reason).Inc()
}

func RecordPeerEvicted() {
	RegisterMetrics()
	evictedPeers.Inc()
}

// SetAuthorityCounts publishes the authority's current totals.
func SetAuthorityCounts(sessions, members, elements int) {
	RegisterMetrics()
	authoritySessions.Set(float64(sessions))
	authorityMembers.Set(float64(members))
	authorityElements.Set(float64(elements))
}
