package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the nowcast pipeline.
type Metrics struct {
	CyclesTotal     *prometheus.CounterVec // labels: outcome={ok,error,skipped}
	CycleDuration   prometheus.Histogram
	ProductsFetched prometheus.Counter
	FetchErrors     prometheus.Counter
	DecodeErrors    prometheus.Counter

	ForecastDuration prometheus.Histogram
	FramesProduced   prometheus.Counter
	LowConfidence    prometheus.Counter
	MaskedFraction   prometheus.Gauge
	MeanFlowMps      prometheus.Gauge

	UploadsTotal *prometheus.CounterVec // labels: outcome={ok,error}
}

// NewMetrics creates the collectors and registers them with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.ProductsFetched,
		m.FetchErrors,
		m.DecodeErrors,
		m.ForecastDuration,
		m.FramesProduced,
		m.LowConfidence,
		m.MaskedFraction,
		m.MeanFlowMps,
		m.UploadsTotal,
	)
	return m
}

// NewMetricsForTesting creates unregistered collectors so parallel
// tests avoid "already registered" panics.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nowcast",
			Name:      "cycles_total",
			Help:      "Completed pipeline cycles by outcome.",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nowcast",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a complete download-forecast-upload cycle.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),
		ProductsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nowcast",
			Name:      "products_fetched_total",
			Help:      "Radar products downloaded from the upstream API.",
		}),
		FetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nowcast",
			Name:      "fetch_errors_total",
			Help:      "Failed product metadata or file downloads.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nowcast",
			Name:      "decode_errors_total",
			Help:      "Downloaded products that failed to decode into a frame.",
		}),
		ForecastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nowcast",
			Name:      "forecast_duration_seconds",
			Help:      "Duration of the forecast engine call.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		FramesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nowcast",
			Name:      "frames_produced_total",
			Help:      "Forecast frames produced.",
		}),
		LowConfidence: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nowcast",
			Name:      "low_confidence_runs_total",
			Help:      "Forecast runs that fell back to low-confidence output.",
		}),
		MaskedFraction: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nowcast",
			Name:      "masked_fraction",
			Help:      "No-data fraction of the most recent composite.",
		}),
		MeanFlowMps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nowcast",
			Name:      "mean_flow_mps",
			Help:      "Mean storm motion of the most recent run, metres per second.",
		}),
		UploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nowcast",
			Name:      "uploads_total",
			Help:      "Forecast snapshot uploads by outcome.",
		}, []string{"outcome"}),
	}
}
