package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type prometheusMetrics struct {
	attempts          prometheus.Counter
	disconnects       prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	exhaustions       prometheus.Counter
}

// NewPrometheusMetrics returns a collector backed by Prometheus counters
// registered against the given registerer.
func NewPrometheusMetrics(reg prometheus.Registerer) (Metrics, error) {
	m := &prometheusMetrics{
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "reconnect",
			Name:      "attempts_total",
			Help:      "Number of reconnection attempts.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "reconnect",
			Name:      "disconnects_total",
			Help:      "Number of disconnect episodes.",
		}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "reconnect",
			Name:      "heartbeat_timeouts_total",
			Help:      "Number of silently dead connections detected by heartbeat.",
		}),
		exhaustions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "realtime",
			Subsystem: "reconnect",
			Name:      "exhaustions_total",
			Help:      "Number of times the retry loop exhausted max attempts.",
		}),
	}

	for _, c := range []prometheus.Collector{m.attempts, m.disconnects, m.heartbeatTimeouts, m.exhaustions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *prometheusMetrics) IncrementAttempt()          { m.attempts.Inc() }
func (m *prometheusMetrics) IncrementDisconnect()       { m.disconnects.Inc() }
func (m *prometheusMetrics) IncrementHeartbeatTimeout() { m.heartbeatTimeouts.Inc() }
func (m *prometheusMetrics) IncrementExhausted()        { m.exhaustions.Inc() }

// GetStats is not meaningful for the Prometheus implementation; scraping is
// the read path. Returns an empty map to satisfy the interface.
func (m *prometheusMetrics) GetStats() map[string]interface{} {
	return map[string]interface{}{}
}
