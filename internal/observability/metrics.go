package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry        *prometheus.Registry
	SessionsRunning prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	EventsTotal     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		SessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shinycannon",
			Name:      "sessions_running",
			Help:      "Number of sessions currently replaying",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shinycannon",
			Name:      "sessions_total",
			Help:      "Completed sessions by outcome",
		}, []string{"outcome"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shinycannon",
			Name:      "events_total",
			Help:      "Replayed events by type",
		}, []string{"type"}),
	}
	r.MustRegister(m.SessionsRunning, m.SessionsTotal, m.EventsTotal)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Serve exposes /metrics on addr in the background. Errors other than
// server shutdown are reported through errFn.
func (m *Metrics) Serve(addr string, errFn func(error)) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			errFn(err)
		}
	}()
}
