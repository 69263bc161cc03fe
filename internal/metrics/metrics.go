package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway collectors on a private registry so several
// services can live in one process.
type Metrics struct {
	reg *prometheus.Registry

	requestTotal         *prometheus.CounterVec
	cacheHits            prometheus.Counter
	cacheMisses          prometheus.Counter
	offlineFallbacks     prometheus.Counter
	queueDepth           prometheus.Gauge
	replays              *prometheus.CounterVec
	notifications        prometheus.Counter
	lifecycleTransitions *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		requestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offline0",
				Name:      "requests_total",
				Help:      "Intercepted requests by outcome",
			},
			[]string{"outcome"},
		),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline0",
			Name:      "cache_hits_total",
			Help:      "Total cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline0",
			Name:      "cache_misses_total",
			Help:      "Total cache misses",
		}),
		offlineFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline0",
			Name:      "offline_fallbacks_total",
			Help:      "Navigations answered with the cached root document",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "offline0",
			Name:      "queue_depth",
			Help:      "Submissions waiting for replay",
		}),
		replays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offline0",
				Name:      "replays_total",
				Help:      "Replay attempts by result",
			},
			[]string{"result"},
		),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline0",
			Name:      "notifications_total",
			Help:      "Notifications displayed",
		}),
		lifecycleTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offline0",
				Name:      "lifecycle_transitions_total",
				Help:      "Lifecycle state transitions by target state",
			},
			[]string{"state"},
		),
	}
	m.reg.MustRegister(
		m.requestTotal,
		m.cacheHits,
		m.cacheMisses,
		m.offlineFallbacks,
		m.queueDepth,
		m.replays,
		m.notifications,
		m.lifecycleTransitions,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// ObserveRequest counts one intercepted request; outcome is the X-Offline0 value.
func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.requestTotal.WithLabelValues(outcome).Inc()
	switch outcome {
	case "hit":
		m.cacheHits.Inc()
	case "miss":
		m.cacheMisses.Inc()
	case "offline":
		m.offlineFallbacks.Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) IncReplay(result string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(result).Inc()
}

func (m *Metrics) IncNotification() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}

func (m *Metrics) IncTransition(state string) {
	if m == nil {
		return
	}
	m.lifecycleTransitions.WithLabelValues(state).Inc()
}
