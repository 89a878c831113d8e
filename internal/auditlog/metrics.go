package auditlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	appends        *prometheus.CounterVec
	appendErrors   *prometheus.CounterVec
	appendDuration prometheus.Histogram
	sealed         prometheus.Counter
	activeRecords  prometheus.Gauge
	verifications  *prometheus.CounterVec
	purges         prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	// Unregistered metrics still count; nothing scrapes them.
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &metrics{
		appends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chainlog_appends_total",
			Help: "Records committed to the chain.",
		}, []string{"event_type"}),

		appendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chainlog_append_errors_total",
			Help: "Appends that were not recorded, by failure kind.",
		}, []string{"kind"}), // encoding, rotation, persistence, closed

		appendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chainlog_append_duration_seconds",
			Help:    "Time from entering the append critical section to durable commit.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		sealed: f.NewCounter(prometheus.CounterOpts{
			Name: "chainlog_segments_sealed_total",
			Help: "Segments sealed by rotation or by an administrator.",
		}),

		activeRecords: f.NewGauge(prometheus.GaugeOpts{
			Name: "chainlog_active_segment_records",
			Help: "Records in the active segment.",
		}),

		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chainlog_verifications_total",
			Help: "Integrity verifications by outcome.",
		}, []string{"result"}),

		purges: f.NewCounter(prometheus.CounterOpts{
			Name: "chainlog_purges_total",
			Help: "Segments purged by retention.",
		}),
	}
}
