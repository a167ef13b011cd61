// Package logindex ingests daily access log files into the store, enriches
// them in background stages and answers searches over the result.
//
// The pipeline runs as scheduled tasks: ingestion of queued periods is
// followed by parse passes, then reversal passes, then a rebuild of the
// cache tables of saved queries and, when configured, archival. Each stage
// handles one bounded batch per delivery and schedules itself again while
// its backlog is not empty.
package logindex

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scality/log-index/pkg/clickhouse"
	"github.com/scality/log-index/pkg/ipintel"
	"github.com/scality/log-index/pkg/query"
	"github.com/scality/log-index/pkg/source"
	"github.com/scality/log-index/pkg/store"
)

// Registry keys
const (
	RootKey                 = "logindex:root"
	AlertPrefix             = "logindex:alert:"
	DefaultSavedQueryPrefix = "visitors:"
)

// ErrNotConfigured is returned when no log root is configured
var ErrNotConfigured = errors.New("log root is not configured")

// Scheduler delivers named tasks after a delay
type Scheduler interface {
	ScheduleAfter(delay time.Duration, name string, args ...any) bool
}

// IPIntel answers facts and reverse lookups for client addresses
type IPIntel interface {
	Facts(ctx context.Context, ip string) (ipintel.Facts, error)
	Reverse(ctx context.Context, ip string) (ipintel.Reverse, error)
}

// Registry provides configuration values and saved queries
type Registry interface {
	FirstValue(ctx context.Context, key string) (string, bool, error)
	SearchByPrefix(ctx context.Context, prefix string) ([]store.Entry, error)
}

// ArchiveSink receives parsed records for long-term storage
type ArchiveSink interface {
	LastArchivedID(ctx context.Context) (int64, error)
	Write(ctx context.Context, records []clickhouse.Record) error
	CommitOffset(ctx context.Context, lastID int64) error
}

// SourceFactory opens the log source of a root
type SourceFactory func(ctx context.Context, root string) (source.Source, error)

// StageResult summarizes one pass of a self-rescheduling stage
type StageResult struct {
	// Processed is the number of rows handled by the pass
	Processed int
	// Unparseable is the number of rows marked as unparseable
	Unparseable int
	// Backlog is the number of rows still waiting after the pass
	Backlog int
	// More is set when the stage should run again
	More bool
}

// Config holds engine configuration
//
//nolint:govet // Field alignment is less important than readability for config structs
type Config struct {
	Logger *slog.Logger

	// Store is required
	Store *store.Store
	// Registry defaults to Store
	Registry Registry
	// Scheduler may be nil, in which case stages never chain
	Scheduler Scheduler
	// IPIntel may be nil, in which case facts and reverse lookups are empty
	IPIntel IPIntel
	// Archive may be nil to disable archival
	Archive ArchiveSink
	// Alerter defaults to a LogAlerter
	Alerter Alerter
	// Sources defaults to source.New with S3
	Sources SourceFactory
	S3      source.S3Config
	// Metrics defaults to metrics on a private registry
	Metrics *Metrics
	// Clock defaults to time.Now
	Clock func() time.Time

	// Root is the log root used when the registry has no logindex:root entry
	Root string

	IngestBatchSize  int
	ParseBatchSize   int
	ReverseBatchSize int
	ArchiveBatchSize int

	QueueDelay   time.Duration
	ParseDelay   time.Duration
	ReverseDelay time.Duration

	SavedQueryPrefix string
	SearchLimit      int
	DisableFastPath  bool

	// MaxRetries is the maximum number of retry attempts for archive writes
	MaxRetries int
	// InitialBackoff is the initial backoff duration for retry attempts
	InitialBackoff time.Duration
	// MaxBackoff is the maximum backoff duration for retry attempts
	MaxBackoff time.Duration
	// BackoffJitterFactor is the jitter factor for backoff (0.0 to 1.0)
	BackoffJitterFactor float64
}

// Engine is the log index: ingestion queue, pipeline stages and search
type Engine struct {
	store     *store.Store
	registry  Registry
	scheduler Scheduler
	ipIntel   IPIntel
	archive   ArchiveSink
	alerter   Alerter
	sources   SourceFactory
	metrics   *Metrics
	compiler  *query.Compiler
	queue     *Queue
	logger    *slog.Logger
	now       func() time.Time
	retry     retryPolicy

	root             string
	ingestBatchSize  int
	parseBatchSize   int
	reverseBatchSize int
	archiveBatchSize int
	queueDelay       time.Duration
	parseDelay       time.Duration
	reverseDelay     time.Duration
	savedQueryPrefix string
	searchLimit      int
}

// New creates an engine
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("store must be provided")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = cfg.Store
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetricsWithRegistry(prometheus.NewRegistry())
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	alerter := cfg.Alerter
	if alerter == nil {
		alerter = NewLogAlerter(logger)
	}

	sources := cfg.Sources
	if sources == nil {
		s3cfg := cfg.S3
		sources = func(ctx context.Context, root string) (source.Source, error) {
			return source.New(ctx, root, s3cfg)
		}
	}

	compilerOpts := []query.Option{query.WithClock(now)}
	if cfg.DisableFastPath {
		compilerOpts = append(compilerOpts, query.WithoutFastPath())
	}

	e := &Engine{
		store:     cfg.Store,
		registry:  registry,
		scheduler: cfg.Scheduler,
		ipIntel:   cfg.IPIntel,
		archive:   cfg.Archive,
		alerter:   alerter,
		sources:   sources,
		metrics:   metrics,
		compiler:  query.NewCompiler(cfg.Store, compilerOpts...),
		queue:     &Queue{},
		logger:    logger,
		now:       now,
		retry: retryPolicy{
			maxRetries:          cfg.MaxRetries,
			initialBackoff:      cfg.InitialBackoff,
			maxBackoff:          cfg.MaxBackoff,
			backoffJitterFactor: cfg.BackoffJitterFactor,
		},
		root:             cfg.Root,
		ingestBatchSize:  positiveOr(cfg.IngestBatchSize, 100),
		parseBatchSize:   positiveOr(cfg.ParseBatchSize, 1000),
		reverseBatchSize: positiveOr(cfg.ReverseBatchSize, 50),
		archiveBatchSize: positiveOr(cfg.ArchiveBatchSize, 10000),
		queueDelay:       cfg.QueueDelay,
		parseDelay:       cfg.ParseDelay,
		reverseDelay:     cfg.ReverseDelay,
		savedQueryPrefix: cfg.SavedQueryPrefix,
		searchLimit:      positiveOr(cfg.SearchLimit, 500),
	}
	if e.savedQueryPrefix == "" {
		e.savedQueryPrefix = DefaultSavedQueryPrefix
	}
	if e.retry.initialBackoff <= 0 {
		e.retry.initialBackoff = time.Second
	}
	if e.retry.maxBackoff < e.retry.initialBackoff {
		e.retry.maxBackoff = e.retry.initialBackoff
	}

	return e, nil
}

// Root returns the configured log root: the registry's logindex:root
// entry, or the configured default.
func (e *Engine) Root(ctx context.Context) (string, error) {
	root, ok, err := e.registry.FirstValue(ctx, RootKey)
	if err != nil {
		return "", err
	}
	if !ok || root == "" {
		root = e.root
	}
	if root == "" {
		return "", ErrNotConfigured
	}
	return root, nil
}

func (e *Engine) schedule(delay time.Duration, task string, args ...any) {
	if e.scheduler == nil {
		return
	}
	if !e.scheduler.ScheduleAfter(delay, task, args...) {
		e.logger.Debug("task not scheduled", "task", task)
	}
}

// observe records the duration and outcome of a stage pass
func (e *Engine) observe(stage string, start time.Time, err error) {
	e.metrics.General.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.General.StageErrors.WithLabelValues(stage).Inc()
	}
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
