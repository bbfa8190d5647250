package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// engine pipeline.
type Metrics struct {
	RowsIngested      *prometheus.CounterVec   // labels: band
	RowsDropped       *prometheus.CounterVec   // labels: band, reason={parse,duplicate}
	QualityIssues     *prometheus.CounterVec   // labels: check={schema,type,range,duplicate,completeness}
	BaselineCells     prometheus.Counter
	BaselineInvalid   prometheus.Counter
	AnomaliesScored   *prometheus.CounterVec   // labels: flag
	AlertsPublished   prometheus.Counter
	FeatureRows       prometheus.Counter
	JoinMisses        prometheus.Counter
	PartitionFailures *prometheus.CounterVec   // labels: stage
	StageDuration     *prometheus.HistogramVec // labels: stage
	PipelineRunning   prometheus.Gauge

	// County directory metrics.
	CountyLookups  *prometheus.CounterVec // labels: outcome={success,error,empty}
	CountyCache    *prometheus.CounterVec // labels: result={hit,miss}
	CountyDuration prometheus.Histogram
}

// NewMetrics creates and registers all engine metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RowsIngested,
		m.RowsDropped,
		m.QualityIssues,
		m.BaselineCells,
		m.BaselineInvalid,
		m.AnomaliesScored,
		m.AlertsPublished,
		m.FeatureRows,
		m.JoinMisses,
		m.PartitionFailures,
		m.StageDuration,
		m.PipelineRunning,
		m.CountyLookups,
		m.CountyCache,
		m.CountyDuration,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RowsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crop_engine",
			Name:      "rows_ingested_total",
			Help:      "Band table rows successfully parsed, by band.",
		}, []string{"band"}),
		RowsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crop_engine",
			Name:      "rows_dropped_total",
			Help:      "Band table rows dropped during ingest, by band and reason.",
		}, []string{"band", "reason"}),
		QualityIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crop_engine",
			Name:      "quality_issues_total",
			Help:      "Issues reported by the quality gate, by check.",
		}, []string{"check"}),
		BaselineCells: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crop_engine",
			Name:      "baseline_cells_total",
			Help:      "Baseline cells written, valid and invalid.",
		}),
		BaselineInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crop_engine",
			Name:      "baseline_invalid_cells_total",
			Help:      "Baseline cells below the minimum sample-year count.",
		}),
		AnomaliesScored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crop_engine",
			Name:      "anomalies_scored_total",
			Help:      "Scored daily observations, by anomaly flag.",
		}, []string{"flag"}),
		AlertsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crop_engine",
			Name:      "alerts_published_total",
			Help:      "Severe-anomaly alerts published to Kafka.",
		}),
		FeatureRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crop_engine",
			Name:      "feature_rows_total",
			Help:      "Assembled feature rows surviving the yield join.",
		}),
		JoinMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crop_engine",
			Name:      "join_misses_total",
			Help:      "Feature rows dropped for lack of a yield label.",
		}),
		PartitionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crop_engine",
			Name:      "partition_failures_total",
			Help:      "County-band partitions that failed, by stage.",
		}, []string{"stage"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crop_engine",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of each pipeline stage.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crop_engine",
			Name:      "pipeline_running",
			Help:      "1 while a run is active, 0 otherwise.",
		}),
		CountyLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crop_engine",
			Name:      "county_lookups_total",
			Help:      "County directory API requests by outcome.",
		}, []string{"outcome"}),
		CountyCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crop_engine",
			Name:      "county_cache_total",
			Help:      "County directory cache lookups by result.",
		}, []string{"result"}),
		CountyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crop_engine",
			Name:      "county_api_duration_seconds",
			Help:      "County directory API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}
