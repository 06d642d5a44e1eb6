package metrics

import "github.com/prometheus/client_golang/prometheus"

// HubMetrics tracks overlay fan-out and retention.
type HubMetrics struct {
	Subscribers prometheus.Gauge
	Published   *prometheus.CounterVec
	Dropped     prometheus.Counter
	Retained    prometheus.Gauge
	Expired     prometheus.Counter
}

// NewHubMetrics creates and registers hub metrics on the given registry.
func NewHubMetrics(reg prometheus.Registerer) *HubMetrics {
	m := &HubMetrics{
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Number of live overlay subscribers.",
		}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "published_total",
			Help:      "Total overlay messages published, by whether they were retained.",
		}, []string{"retained"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_total",
			Help:      "Messages dropped for a single subscriber whose buffer was full.",
		}),
		Retained: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "retained_messages",
			Help:      "Messages currently held in the retained set.",
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "expired_total",
			Help:      "Retained messages removed after their TTL elapsed.",
		}),
	}

	reg.MustRegister(m.Subscribers, m.Published, m.Dropped, m.Retained, m.Expired)
	return m
}

func (m *HubMetrics) ObservePublish(retained bool) {
	if m == nil {
		return
	}
	label := "false"
	if retained {
		label = "true"
	}
	m.Published.WithLabelValues(label).Inc()
}

func (m *HubMetrics) ObserveDrop() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}

func (m *HubMetrics) ObserveExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Expired.Add(float64(n))
}

func (m *HubMetrics) SetRetained(n int) {
	if m == nil {
		return
	}
	m.Retained.Set(float64(n))
}

func (m *HubMetrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}
