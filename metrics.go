package mcp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type serverMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	sessions prometheus.Gauge
}

// Request outcomes recorded by the server metrics.
const (
	outcomeOK           = "ok"
	outcomeError        = "error"
	outcomeNotification = "notification"
	outcomeRejected     = "rejected"
)

func newServerMetrics(reg prometheus.Registerer) (*serverMetrics, error) {
	m := &serverMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Number of JSON-RPC messages handled by the server, by method and outcome.",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcp",
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Time spent handling JSON-RPC requests, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcp",
			Subsystem: "server",
			Name:      "sessions",
			Help:      "Number of active sessions.",
		}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.duration, m.sessions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// metricsMethod keeps the method label bounded to the methods the server knows.
func metricsMethod(method string) string {
	switch method {
	case MethodInitialize, MethodPing, MethodToolsList, MethodToolsCall,
		MethodNotificationsInitialized, MethodNotificationsCancelled:
		return method
	case "":
		return "none"
	}
	return "other"
}

func (m *serverMetrics) observe(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	method = metricsMethod(method)
	m.requests.WithLabelValues(method, outcome).Inc()
	if outcome == outcomeOK || outcome == outcomeError {
		m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
	}
}

func (m *serverMetrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}
