package testutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/scality/log-index/pkg/clickhouse"
)

const (
	// ClickHouseURLEnv names the ClickHouse server used by integration tests
	ClickHouseURLEnv = "LOG_INDEX_CLICKHOUSE_URL"

	// DefaultPollInterval is how often WaitForCount checks its condition
	DefaultPollInterval = 10 * time.Millisecond

	// DefaultWaitTimeout is how long WaitForCount waits before timing out
	DefaultWaitTimeout = 5 * time.Second

	testDatabase = "logindex_test"
)

// ClickHouseURL returns the configured test server, or "" when integration
// tests against ClickHouse should be skipped
func ClickHouseURL() string {
	return strings.TrimSpace(os.Getenv(ClickHouseURLEnv))
}

// ClickHouseTestHelper provides a client and an archive sink on a test database
type ClickHouseTestHelper struct {
	Client *clickhouse.Client
	Sink   *clickhouse.Sink
}

// NewClickHouseTestHelper connects to the server named by LOG_INDEX_CLICKHOUSE_URL
func NewClickHouseTestHelper(ctx context.Context, instance string) (*ClickHouseTestHelper, error) {
	url := ClickHouseURL()
	if url == "" {
		return nil, fmt.Errorf("%s is not set", ClickHouseURLEnv)
	}

	client, err := clickhouse.NewClient(ctx, clickhouse.Config{
		Hosts:    strings.Split(url, ","),
		Database: testDatabase,
		Username: "default",
		Timeout:  10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test ClickHouse: %w", err)
	}

	return &ClickHouseTestHelper{
		Client: client,
		Sink:   clickhouse.NewSink(client, instance),
	}, nil
}

// CountRecords returns the number of archived records of an instance
func (h *ClickHouseTestHelper) CountRecords(ctx context.Context, instance string) (uint64, error) {
	var count uint64
	err := h.Client.QueryRow(ctx,
		fmt.Sprintf("SELECT count() FROM %s.%s WHERE instance = ?", h.Client.Database(), clickhouse.TableAccessLogs),
		instance).Scan(&count)
	return count, err
}

// WaitForCount polls conditionQuery until it returns a positive count
func (h *ClickHouseTestHelper) WaitForCount(ctx context.Context, conditionQuery string, timeout time.Duration) error {
	if timeout == 0 {
		timeout = DefaultWaitTimeout
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var count uint64
			if err := h.Client.QueryRow(ctx, conditionQuery).Scan(&count); err != nil {
				return fmt.Errorf("failed to query condition: %w", err)
			}
			if count > 0 {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout waiting for condition after %v", timeout)
			}
		}
	}
}

// Close drops the test tables and closes the client
func (h *ClickHouseTestHelper) Close(ctx context.Context) error {
	if h.Client == nil {
		return nil
	}
	_ = h.Sink.DropSchema(ctx)
	return h.Client.Close()
}
