package clickhouse

// DatabaseName is the default ClickHouse database of the archive
const DatabaseName = "logindex"

// Table names
const (
	// TableAccessLogs stores archived log records (MergeTree)
	TableAccessLogs = "access_logs"

	// TableOffsets tracks the last archived record id per instance (ReplacingMergeTree)
	TableOffsets = "offsets"
)
