// Package metrics exposes deploy and proxy metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "depker"

// Metrics owns its registry so that tests and multiple servers do not share state.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	deploysTotal    *prometheus.CounterVec
	deployDuration  *prometheus.HistogramVec
	deploysInFlight *prometheus.GaugeVec
	phaseDuration   *prometheus.HistogramVec
	purgedTotal     prometheus.Counter
	proxyReloads    prometheus.Counter
	httpRequests    *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		deploysTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deploys_total",
				Help:      "Finished deploys by service and final status",
			},
			[]string{"service", "status"},
		),
		deployDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deploy_duration_seconds",
				Help:      "Wall time from running to a final status",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"service", "status"},
		),
		deploysInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "deploys_in_flight",
				Help:      "Deploys currently running per service",
			},
			[]string{"service"},
		),
		phaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deploy_phase_duration_seconds",
				Help:      "Time spent in each deploy phase",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"phase"},
		),
		purgedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_containers_total",
			Help:      "Stale containers removed after successful deploys",
		}),
		proxyReloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_reloads_total",
			Help:      "Times the proxy container was recreated",
		}),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "API requests by route pattern and status class",
			},
			[]string{"method", "route", "status"},
		),
	}
}

// Handler serves the registry for scraping
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) DeployStarted(service string) {
	if m == nil {
		return
	}
	m.deploysInFlight.WithLabelValues(service).Inc()
}

func (m *Metrics) DeployFinished(service, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.deploysInFlight.WithLabelValues(service).Dec()
	m.deploysTotal.WithLabelValues(service, status).Inc()
	m.deployDuration.WithLabelValues(service, status).Observe(elapsed.Seconds())
}

func (m *Metrics) PhaseObserved(phase string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(elapsed.Seconds())
}

func (m *Metrics) ContainersPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.purgedTotal.Add(float64(n))
}

func (m *Metrics) ProxyReloaded() {
	if m == nil {
		return
	}
	m.proxyReloads.Inc()
}

func (m *Metrics) RequestServed(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
