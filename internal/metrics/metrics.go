package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the engine
type Metrics struct {
	BatchesIngested prometheus.Counter
	RecordsWritten  prometheus.Counter
	RoutesSkipped   prometheus.Counter
	WALErrors       prometheus.Counter

	CyclesRun       prometheus.Counter
	CycleDuration   prometheus.Histogram
	RoutesEvaluated prometheus.Counter
	RoutesFailed    prometheus.Counter
	ModelSwitches   *prometheus.CounterVec
	TablePublishes  prometheus.Counter
	TableVersion    prometheus.Gauge

	ForecastsEmitted *prometheus.CounterVec
	EnsembleBlends   prometheus.Counter
	EnsembleFallback prometheus.Counter

	AggregateCacheHits   prometheus.Counter
	AggregateCacheMisses prometheus.Counter
}

// New creates all metrics on the default registry
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates and registers all metrics on the given registerer.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BatchesIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "lc_batches_ingested_total",
			Help: "Evaluation batches recorded into the performance ledger",
		}),
		RecordsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "lc_records_written_total",
			Help: "Forecast-vs-actual records written to the ledger",
		}),
		RoutesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "lc_routes_skipped_total",
			Help: "Routes skipped during ingest because no actual was observed",
		}),
		WALErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "lc_wal_errors_total",
			Help: "Write-ahead log append failures",
		}),

		CyclesRun: factory.NewCounter(prometheus.CounterOpts{
			Name: "lc_cycles_total",
			Help: "Routing update cycles completed",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lc_cycle_duration_seconds",
			Help:    "Wall time of a full routing update cycle",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		RoutesEvaluated: factory.NewCounter(prometheus.CounterOpts{
			Name: "lc_routes_evaluated_total",
			Help: "Routes evaluated by the routing updater",
		}),
		RoutesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "lc_routes_failed_total",
			Help: "Routes whose evaluation failed and was skipped",
		}),
		ModelSwitches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lc_model_switches_total",
				Help: "Route reassignments by switch reason",
			},
			[]string{"reason"},
		),
		TablePublishes: factory.NewCounter(prometheus.CounterOpts{
			Name: "lc_table_publishes_total",
			Help: "Routing table snapshots published",
		}),
		TableVersion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lc_table_version",
			Help: "Version of the live routing table snapshot",
		}),

		ForecastsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lc_forecasts_emitted_total",
				Help: "Point forecasts emitted by confidence tier",
			},
			[]string{"tier"},
		),
		EnsembleBlends: factory.NewCounter(prometheus.CounterOpts{
			Name: "lc_ensemble_blends_total",
			Help: "Forecasts served from the ensemble blend",
		}),
		EnsembleFallback: factory.NewCounter(prometheus.CounterOpts{
			Name: "lc_ensemble_fallback_total",
			Help: "Low-confidence forecasts that fell back to the assigned model",
		}),

		AggregateCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "lc_aggregate_cache_hits_total",
			Help: "Rolling aggregate memo hits",
		}),
		AggregateCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "lc_aggregate_cache_misses_total",
			Help: "Rolling aggregate memo misses",
		}),
	}
}
