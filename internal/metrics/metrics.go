// Package metrics holds the Prometheus registry for the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric the service exports.
type Registry struct {
	InspectsTotal *prometheus.CounterVec
	QueueDepth    prometheus.Gauge
	Processing    prometheus.Gauge
	BotsReady     prometheus.Gauge
	BotsTotal     prometheus.Gauge
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	HTTPDuration  *prometheus.HistogramVec
}

// NewRegistry creates and registers all metrics on reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		InspectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inspectd_inspects_total",
				Help: "Inspect dispatches by terminal result",
			},
			[]string{"result"},
		),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inspectd_queue_depth",
			Help: "Entries waiting in the priority lanes",
		}),
		Processing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inspectd_processing",
			Help: "Entries currently dispatched to bots",
		}),
		BotsReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inspectd_bots_ready",
			Help: "Bots holding a live game-coordinator session",
		}),
		BotsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inspectd_bots_total",
			Help: "Configured bots",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inspectd_cache_hits_total",
			Help: "Result cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inspectd_cache_misses_total",
			Help: "Result cache misses",
		}),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inspectd_http_request_duration_seconds",
				Help:    "HTTP request duration by route and status",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
			},
			[]string{"route", "status"},
		),
	}
	reg.MustRegister(
		r.InspectsTotal, r.QueueDepth, r.Processing,
		r.BotsReady, r.BotsTotal,
		r.CacheHits, r.CacheMisses, r.HTTPDuration,
	)
	return r
}
