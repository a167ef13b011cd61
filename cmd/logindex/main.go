package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/scality/log-index/pkg/clickhouse"
	"github.com/scality/log-index/pkg/ipintel"
	"github.com/scality/log-index/pkg/logindex"
	"github.com/scality/log-index/pkg/scheduler"
	"github.com/scality/log-index/pkg/source"
	"github.com/scality/log-index/pkg/store"
	"github.com/scality/log-index/pkg/util"
)

const dateLayout = "2006-01-02"

func main() {
	os.Exit(run())
}

// buildEngineConfig creates engine config from ConfigSpec
func buildEngineConfig(logger *slog.Logger) logindex.Config {
	return logindex.Config{
		Logger: logger,
		Root:   logindex.ConfigSpec.GetString("logindex.root"),
		S3: source.S3Config{
			Endpoint:         logindex.ConfigSpec.GetString("s3.endpoint"),
			Region:           logindex.ConfigSpec.GetString("s3.region"),
			AccessKeyID:      logindex.ConfigSpec.GetString("s3.access-key-id"),
			SecretAccessKey:  logindex.ConfigSpec.GetString("s3.secret-access-key"),
			MaxRetryAttempts: logindex.ConfigSpec.GetInt("s3.max-retry-attempts"),
			MaxBackoffDelay:  logindex.ConfigSpec.GetSeconds("s3.max-backoff-delay-seconds"),
		},
		IngestBatchSize:     logindex.ConfigSpec.GetInt("ingest.batch-size"),
		ParseBatchSize:      logindex.ConfigSpec.GetInt("parse.batch-size"),
		ReverseBatchSize:    logindex.ConfigSpec.GetInt("reverse.batch-size"),
		ArchiveBatchSize:    logindex.ConfigSpec.GetInt("archive.batch-size"),
		QueueDelay:          logindex.ConfigSpec.GetSeconds("ingest.queue-delay-seconds"),
		ParseDelay:          logindex.ConfigSpec.GetSeconds("parse.reschedule-delay-seconds"),
		ReverseDelay:        logindex.ConfigSpec.GetSeconds("reverse.reschedule-delay-seconds"),
		SavedQueryPrefix:    logindex.ConfigSpec.GetString("precache.saved-query-prefix"),
		SearchLimit:         logindex.ConfigSpec.GetInt("search.limit"),
		MaxRetries:          logindex.ConfigSpec.GetInt("retry.max-retries"),
		InitialBackoff:      logindex.ConfigSpec.GetSeconds("retry.initial-backoff-seconds"),
		MaxBackoff:          logindex.ConfigSpec.GetSeconds("retry.max-backoff-seconds"),
		BackoffJitterFactor: logindex.ConfigSpec.GetFloat64("retry.backoff-jitter-factor"),
	}
}

// openArchive connects to ClickHouse and prepares the archive tables
func openArchive(ctx context.Context, logger *slog.Logger) (*clickhouse.Client, *clickhouse.Sink, error) {
	client, err := clickhouse.NewClient(ctx, clickhouse.Config{
		Hosts:          logindex.ConfigSpec.GetStringSlice("clickhouse.url"),
		Database:       logindex.ConfigSpec.GetString("clickhouse.database"),
		Username:       logindex.ConfigSpec.GetString("clickhouse.username"),
		Password:       logindex.ConfigSpec.GetString("clickhouse.password"),
		Timeout:        logindex.ConfigSpec.GetSeconds("clickhouse.timeout-seconds"),
		MaxRetries:     logindex.ConfigSpec.GetInt("retry.max-retries"),
		InitialBackoff: logindex.ConfigSpec.GetSeconds("retry.initial-backoff-seconds"),
		MaxBackoff:     logindex.ConfigSpec.GetSeconds("retry.max-backoff-seconds"),
		Logger:         logger,
	})
	if err != nil {
		return nil, nil, err
	}

	sink := clickhouse.NewSink(client, logindex.ConfigSpec.GetString("archive.instance"))
	if err := sink.EnsureSchema(ctx); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return client, sink, nil
}

// parsePeriod reads the --enqueue-from/--enqueue-to flags; to defaults to from
func parsePeriod(from, to string) (time.Time, time.Time, error) {
	start, err := time.Parse(dateLayout, from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --enqueue-from date %q: %w", from, err)
	}
	if to == "" {
		return start, start, nil
	}
	end, err := time.Parse(dateLayout, to)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --enqueue-to date %q: %w", to, err)
	}
	return start, end, nil
}

// search runs one query and writes the result as JSON to stdout
func search(ctx context.Context, engine *logindex.Engine, text string) error {
	result, err := engine.Search(ctx, text)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

// waitForShutdown waits for shutdown signal or scheduler error, returns exit code
func waitForShutdown(cancel context.CancelFunc, logger *slog.Logger,
	errChan <-chan error, signalsChan <-chan os.Signal, shutdownTimeout time.Duration) int {
	select {
	case sig := <-signalsChan:
		logger.Info("signal received", "signal", sig)
		cancel()

		// Wait for the running task to finish (with timeout)
		shutdownTimer := time.NewTimer(shutdownTimeout)
		defer shutdownTimer.Stop()

		select {
		case <-shutdownTimer.C:
			logger.Warn("shutdown timeout exceeded, forcing exit")
			return 1
		case err := <-errChan:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("scheduler stopped with error", "error", err)
				return 1
			}
		}

	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler error", "error", err)
			return 1
		}
	}

	return 0
}

//nolint:funlen // wiring of every component happens here
func run() int {
	// Add command-line flags
	logindex.ConfigSpec.AddFlag(pflag.CommandLine, "log-level", "log-level")
	logindex.ConfigSpec.AddFlag(pflag.CommandLine, "database", "database.path")
	logindex.ConfigSpec.AddFlag(pflag.CommandLine, "root", "logindex.root")

	configFileFlag := pflag.String("config-file", "", "Path to configuration file")
	enqueueFromFlag := pflag.String("enqueue-from", "", "Queue the days from this date (YYYY-MM-DD) for ingestion at startup")
	enqueueToFlag := pflag.String("enqueue-to", "", "Last day (YYYY-MM-DD) of the period queued with --enqueue-from")
	searchFlag := pflag.String("search", "", "Run one query, print the result as JSON and exit")
	pflag.Parse()

	// Load configuration
	configFile := *configFileFlag
	if configFile == "" {
		configFile = os.Getenv("LOG_INDEX_CONFIG_FILE")
	}

	err := logindex.ConfigSpec.LoadConfiguration(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		pflag.Usage()
		return 2
	}

	// Validate configuration
	err = logindex.ValidateConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation error: %v\n", err)
		return 2
	}

	var start, end time.Time
	if *enqueueFromFlag != "" {
		start, end, err = parsePeriod(*enqueueFromFlag, *enqueueToFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 2
		}
	}

	// Set up logger
	logLevel := util.ParseLogLevel(logindex.ConfigSpec.GetString("log-level"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	if *searchFlag != "" {
		// keep stdout for the result
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		}))
	}

	shutdownTimeout := logindex.ConfigSpec.GetSeconds("shutdown-timeout-seconds")

	ctx := context.Background()

	db, err := store.Open(ctx, store.Config{
		Path:   logindex.ConfigSpec.GetString("database.path"),
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("failed to close database", "error", closeErr)
		}
	}()

	intel, err := ipintel.New(ipintel.Config{
		Registry:      db,
		Logger:        logger,
		CityDBPath:    logindex.ConfigSpec.GetString("geoip.city-db-path"),
		ASNDBPath:     logindex.ConfigSpec.GetString("geoip.asn-db-path"),
		LookupTimeout: logindex.ConfigSpec.GetSeconds("reverse.lookup-timeout-seconds"),
	})
	if err != nil {
		logger.Error("failed to open GeoIP databases", "error", err)
		return 1
	}
	defer func() {
		if closeErr := intel.Close(); closeErr != nil {
			logger.Error("failed to close GeoIP databases", "error", closeErr)
		}
	}()

	sched := scheduler.New(logger)

	engineCfg := buildEngineConfig(logger)
	engineCfg.Store = db
	engineCfg.Scheduler = sched
	engineCfg.IPIntel = intel
	engineCfg.Metrics = logindex.NewMetrics()

	if logindex.ConfigSpec.GetBool("clickhouse.enabled") && *searchFlag == "" {
		client, sink, err := openArchive(ctx, logger)
		if err != nil {
			logger.Error("failed to open ClickHouse archive", "error", err)
			return 1
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				logger.Error("failed to close ClickHouse client", "error", closeErr)
			}
		}()
		engineCfg.Archive = sink
	}

	engine, err := logindex.New(engineCfg)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return 1
	}

	if *searchFlag != "" {
		if err := search(ctx, engine, *searchFlag); err != nil {
			logger.Error("search failed", "error", err)
			return 1
		}
		return 0
	}

	engine.RegisterTasks(sched)

	// Start metrics server
	metricsServer, err := util.StartMetricsServerIfEnabled(
		logindex.ConfigSpec, "metrics-server", engineCfg.Metrics.Gatherer, logger)
	if err != nil {
		logger.Error("failed to start metrics server", "error", err)
		return 1
	}
	if metricsServer != nil {
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			if closeErr := metricsServer.Shutdown(shutdownCtx); closeErr != nil {
				logger.Error("failed to close metrics server", "error", closeErr)
			}
		}()
	}

	if !start.IsZero() {
		if _, err := engine.Enqueue(ctx, start, end); err != nil {
			logger.Error("failed to enqueue period", "error", err)
			return 1
		}
	}
	// rows left unparsed by a previous run
	sched.ScheduleAfter(0, logindex.TaskParse)

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signalsChan := make(chan os.Signal, 1)
	signal.Notify(signalsChan, unix.SIGINT, unix.SIGTERM)

	// Start scheduler in goroutine
	errChan := make(chan error)
	go func() {
		errChan <- sched.Run(ctx)
	}()

	// Wait for signal or error
	exitCode := waitForShutdown(cancel, logger, errChan, signalsChan, shutdownTimeout)

	if exitCode == 0 {
		logger.Info("log-index stopped")
	}
	return exitCode
}
