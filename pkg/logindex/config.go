package logindex

import (
	"fmt"
	"strings"
)

const (
	// MaxBatchSize bounds every stage batch to keep transactions short
	MaxBatchSize = 100_000
)

// ValidateConfig performs additional validation beyond required field checks
func ValidateConfig() error {
	logLevel := ConfigSpec.GetString("log-level")
	validLevels := map[string]bool{"error": true, "warn": true, "info": true, "debug": true}
	if !validLevels[logLevel] {
		return fmt.Errorf("invalid log-level: %s (must be error|warn|info|debug)", logLevel)
	}

	if ConfigSpec.GetString("database.path") == "" {
		return fmt.Errorf("database.path must be set")
	}

	for _, item := range []string{"ingest.batch-size", "parse.batch-size", "reverse.batch-size", "archive.batch-size"} {
		size := ConfigSpec.GetInt(item)
		if size <= 0 {
			return fmt.Errorf("%s must be positive, got %d", item, size)
		}
		if size > MaxBatchSize {
			return fmt.Errorf("%s (%d) exceeds maximum allowed (%d)", item, size, MaxBatchSize)
		}
	}

	for _, item := range []string{
		"ingest.queue-delay-seconds", "parse.reschedule-delay-seconds", "reverse.reschedule-delay-seconds",
	} {
		if delay := ConfigSpec.GetInt(item); delay < 0 {
			return fmt.Errorf("%s must not be negative, got %d", item, delay)
		}
	}

	if timeout := ConfigSpec.GetInt("reverse.lookup-timeout-seconds"); timeout <= 0 {
		return fmt.Errorf("reverse.lookup-timeout-seconds must be positive, got %d", timeout)
	}

	if limit := ConfigSpec.GetInt("search.limit"); limit <= 0 {
		return fmt.Errorf("search.limit must be positive, got %d", limit)
	}

	if strings.TrimSpace(ConfigSpec.GetString("precache.saved-query-prefix")) == "" {
		return fmt.Errorf("precache.saved-query-prefix must not be empty")
	}

	if attempts := ConfigSpec.GetInt("s3.max-retry-attempts"); attempts <= 0 {
		return fmt.Errorf("s3.max-retry-attempts must be positive, got %d", attempts)
	}

	if maxRetries := ConfigSpec.GetInt("retry.max-retries"); maxRetries < 0 {
		return fmt.Errorf("retry.max-retries must not be negative, got %d", maxRetries)
	}

	jitter := ConfigSpec.GetFloat64("retry.backoff-jitter-factor")
	if jitter < 0 || jitter > 1 {
		return fmt.Errorf("retry.backoff-jitter-factor must be between 0.0 and 1.0, got %v", jitter)
	}

	if ConfigSpec.GetBool("clickhouse.enabled") {
		if len(ConfigSpec.GetStringSlice("clickhouse.url")) == 0 {
			return fmt.Errorf("clickhouse.url must list at least one host when clickhouse.enabled is set")
		}
		if ConfigSpec.GetString("archive.instance") == "" {
			return fmt.Errorf("archive.instance must be set when clickhouse.enabled is set")
		}
	}

	return nil
}
