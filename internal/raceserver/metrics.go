package raceserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus instruments on a private registry so
// that multiple servers (e.g. in tests) never fight over registration.
type Metrics struct {
	registry *prometheus.Registry

	ConnectedClients prometheus.Gauge
	EventsPublished  prometheus.Counter
	LapsRecorded     prometheus.Counter
	RacesFinished    prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trackd_connected_clients",
			Help: "Number of active subscriber connections.",
		}),
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "trackd_events_published_total",
			Help: "Number of events delivered to subscribers.",
		}),
		LapsRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "trackd_laps_recorded_total",
			Help: "Number of valid lap crossings recorded.",
		}),
		RacesFinished: factory.NewCounter(prometheus.CounterOpts{
			Name: "trackd_races_finished_total",
			Help: "Number of races which reached the finished state.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
