package metrics

import "github.com/prometheus/client_golang/prometheus"

// SessionMetrics tracks dispatcher commands and worker lifetimes.
type SessionMetrics struct {
	Commands       *prometheus.CounterVec
	Active         prometheus.Gauge
	PendingWorkers prometheus.Gauge
}

// NewSessionMetrics creates and registers dispatcher metrics on the given registry.
func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "commands_total",
			Help:      "Dispatcher commands processed, by command and result.",
		}, []string{"command", "result"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "1 while a session is active, 0 otherwise.",
		}),
		PendingWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "pending_workers",
			Help:      "Worker handles started but not yet joined.",
		}),
	}

	reg.MustRegister(m.Commands, m.Active, m.PendingWorkers)
	return m
}

func (m *SessionMetrics) ObserveCommand(command, result string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(command, result).Inc()
}

func (m *SessionMetrics) SetActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.Active.Set(1)
	} else {
		m.Active.Set(0)
	}
}

func (m *SessionMetrics) SetPendingWorkers(n int) {
	if m == nil {
		return
	}
	m.PendingWorkers.Set(float64(n))
}
