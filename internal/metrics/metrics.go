package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	PipelineRuns         *prometheus.CounterVec
	GeocodeFallbacks     *prometheus.CounterVec
	StageSeconds         *prometheus.HistogramVec
	RefinementIterations prometheus.Histogram
	BoundsClamped        prometheus.Counter
	ActiveSessions       prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		PipelineRuns: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "georef_pipeline_runs_total",
			Help: "Total number of positioning pipeline runs by outcome.",
		}, []string{"outcome"}),
		GeocodeFallbacks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "georef_geocode_strategy_total",
			Help: "Which geocoding strategy produced the anchor point.",
		}, []string{"strategy"}),
		StageSeconds: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "georef_stage_duration_seconds",
			Help:    "Duration of each pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		RefinementIterations: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "georef_deep_refinement_iterations",
			Help:    "Number of iterations deep refinement ran before settling.",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
		BoundsClamped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "georef_bounds_clamped_total",
			Help: "Total number of refinement shifts truncated at the displacement cap.",
		}),
		ActiveSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "georef_active_sessions",
			Help: "Current number of live plan sessions.",
		}),
	}
}
