package logindex

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage labels
const (
	stageIngest   = "ingest"
	stageParse    = "parse"
	stageReverse  = "reverse"
	stagePrecache = "precache"
	stageArchive  = "archive"
	stageAlert    = "alert"
)

// Metrics holds all Prometheus metrics of the log index, grouped by stage
// NOTE: No address or source labels are used to avoid high cardinality issues
type Metrics struct {
	// Gatherer exposes the registry the metrics were registered with, when
	// that registry can be gathered
	Gatherer prometheus.Gatherer

	General GeneralMetrics
	Ingest  IngestMetrics
	Parse   ParseMetrics
	Reverse ReverseMetrics
	Cache   CacheMetrics
	Archive ArchiveMetrics
}

// GeneralMetrics tracks stage execution
type GeneralMetrics struct {
	// StageDuration tracks the duration of one stage pass
	StageDuration *prometheus.HistogramVec // labels: stage

	// StageErrors tracks failed stage passes
	StageErrors *prometheus.CounterVec // labels: stage

	// AlertsRaised tracks saved alert queries that matched new rows
	AlertsRaised prometheus.Counter
}

// IngestMetrics tracks the ingestion queue and file reads
type IngestMetrics struct {
	LinesIngested  prometheus.Counter
	DuplicateLines prometheus.Counter
	FilesSkipped   prometheus.Counter
	QueuedPeriods  prometheus.Gauge
}

// ParseMetrics tracks the parse stage
type ParseMetrics struct {
	RowsParsed      prometheus.Counter
	RowsUnparseable prometheus.Counter
	Backlog         prometheus.Gauge
}

// ReverseMetrics tracks the reversal stage
type ReverseMetrics struct {
	Lookups *prometheus.CounterVec // labels: outcome (resolved/empty/failed)
	Backlog prometheus.Gauge
}

// CacheMetrics tracks materialized query caches
type CacheMetrics struct {
	TablesBuilt prometheus.Counter
	Searches    *prometheus.CounterVec // labels: source (cache/live)
}

// ArchiveMetrics tracks the ClickHouse archive
type ArchiveMetrics struct {
	RecordsArchived prometheus.Counter
}

// NewMetrics creates all Prometheus metrics on a registry of their own,
// alongside the Go runtime and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewMetricsWithRegistry(reg)
}

// NewMetricsWithRegistry creates metrics with a custom registry
// This is useful for testing to avoid conflicts with the default registry
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		General: GeneralMetrics{
			StageDuration: factory.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "log_index_stage_duration_seconds",
					Help:    "Duration of one pipeline stage pass",
					Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300}, // 10ms to 5min
				},
				[]string{"stage"},
			),
			StageErrors: factory.NewCounterVec(
				prometheus.CounterOpts{
					Name: "log_index_stage_errors_total",
					Help: "Total number of failed pipeline stage passes",
				},
				[]string{"stage"},
			),
			AlertsRaised: factory.NewCounter(
				prometheus.CounterOpts{
					Name: "log_index_alerts_total",
					Help: "Total number of saved alert queries that matched new rows",
				},
			),
		},

		Ingest: IngestMetrics{
			LinesIngested: factory.NewCounter(
				prometheus.CounterOpts{
					Name: "log_index_ingest_lines_total",
					Help: "Total number of log lines appended to the index",
				},
			),
			DuplicateLines: factory.NewCounter(
				prometheus.CounterOpts{
					Name: "log_index_ingest_duplicate_lines_total",
					Help: "Total number of log lines already present in the index",
				},
			),
			FilesSkipped: factory.NewCounter(
				prometheus.CounterOpts{
					Name: "log_index_ingest_files_skipped_total",
					Help: "Total number of queued days without a log file",
				},
			),
			QueuedPeriods: factory.NewGauge(
				prometheus.GaugeOpts{
					Name: "log_index_ingest_queued_periods",
					Help: "Number of periods waiting for ingestion",
				},
			),
		},

		Parse: ParseMetrics{
			RowsParsed: factory.NewCounter(
				prometheus.CounterOpts{
					Name: "log_index_parse_rows_total",
					Help: "Total number of rows parsed",
				},
			),
			RowsUnparseable: factory.NewCounter(
				prometheus.CounterOpts{
					Name: "log_index_parse_unparseable_rows_total",
					Help: "Total number of rows marked unparseable",
				},
			),
			Backlog: factory.NewGauge(
				prometheus.GaugeOpts{
					Name: "log_index_parse_backlog",
					Help: "Number of rows waiting to be parsed",
				},
			),
		},

		Reverse: ReverseMetrics{
			Lookups: factory.NewCounterVec(
				prometheus.CounterOpts{
					Name: "log_index_reverse_lookups_total",
					Help: "Total number of reverse lookups by outcome",
				},
				[]string{"outcome"}, // outcome: resolved, empty, failed
			),
			Backlog: factory.NewGauge(
				prometheus.GaugeOpts{
					Name: "log_index_reverse_backlog",
					Help: "Number of addresses waiting for reverse resolution",
				},
			),
		},

		Cache: CacheMetrics{
			TablesBuilt: factory.NewCounter(
				prometheus.CounterOpts{
					Name: "log_index_cache_tables_built_total",
					Help: "Total number of materialized cache tables built",
				},
			),
			Searches: factory.NewCounterVec(
				prometheus.CounterOpts{
					Name: "log_index_searches_total",
					Help: "Total number of searches by result source",
				},
				[]string{"source"}, // source: cache, live
			),
		},

		Archive: ArchiveMetrics{
			RecordsArchived: factory.NewCounter(
				prometheus.CounterOpts{
					Name: "log_index_archive_records_total",
					Help: "Total number of records written to the archive",
				},
			),
		},
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.Gatherer = g
	}
	return m
}
