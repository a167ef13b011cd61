package logindex

import "github.com/scality/log-index/pkg/util"

// ConfigSpec defines all configuration items for the log index
//
//nolint:gochecknoglobals // global config spec is intentional
var ConfigSpec = util.ConfigSpec{
	// General
	"log-level": util.ConfigVarSpec{
		Help:         "Log level (error|warn|info|debug)",
		DefaultValue: "info",
		EnvVar:       "LOG_INDEX_LOG_LEVEL",
	},
	"shutdown-timeout-seconds": util.ConfigVarSpec{
		Help:         "Maximum time to wait for in-flight work on shutdown",
		DefaultValue: 30,
		EnvVar:       "LOG_INDEX_SHUTDOWN_TIMEOUT_SECONDS",
	},

	// Storage
	"database.path": util.ConfigVarSpec{
		Help:         "Path of the SQLite database",
		DefaultValue: "logindex.sqlite",
		EnvVar:       "LOG_INDEX_DATABASE_PATH",
	},
	"logindex.root": util.ConfigVarSpec{
		Help:         "Log root used when the registry has no logindex:root entry (directory or s3://bucket/prefix)",
		DefaultValue: "",
		EnvVar:       "LOG_INDEX_ROOT",
	},

	// Ingestion
	"ingest.batch-size": util.ConfigVarSpec{
		Help:         "Number of lines inserted per transaction",
		DefaultValue: 100,
		EnvVar:       "LOG_INDEX_INGEST_BATCH_SIZE",
	},
	"ingest.queue-delay-seconds": util.ConfigVarSpec{
		Help:         "Delay between an enqueue and ingestion of the queue",
		DefaultValue: 1,
		EnvVar:       "LOG_INDEX_INGEST_QUEUE_DELAY_SECONDS",
	},

	// Parse stage
	"parse.batch-size": util.ConfigVarSpec{
		Help:         "Number of rows parsed per pass",
		DefaultValue: 1000,
		EnvVar:       "LOG_INDEX_PARSE_BATCH_SIZE",
	},
	"parse.reschedule-delay-seconds": util.ConfigVarSpec{
		Help:         "Delay between parse passes while a backlog remains",
		DefaultValue: 1,
		EnvVar:       "LOG_INDEX_PARSE_RESCHEDULE_DELAY_SECONDS",
	},

	// Reversal stage
	"reverse.batch-size": util.ConfigVarSpec{
		Help:         "Number of addresses resolved per pass",
		DefaultValue: 50,
		EnvVar:       "LOG_INDEX_REVERSE_BATCH_SIZE",
	},
	"reverse.reschedule-delay-seconds": util.ConfigVarSpec{
		Help:         "Delay between reversal passes while a backlog remains",
		DefaultValue: 5,
		EnvVar:       "LOG_INDEX_REVERSE_RESCHEDULE_DELAY_SECONDS",
	},
	"reverse.lookup-timeout-seconds": util.ConfigVarSpec{
		Help:         "Timeout of a single reverse DNS lookup",
		DefaultValue: 5,
		EnvVar:       "LOG_INDEX_REVERSE_LOOKUP_TIMEOUT_SECONDS",
	},

	// Queries
	"precache.saved-query-prefix": util.ConfigVarSpec{
		Help:         "Registry key prefix of the saved queries kept warm",
		DefaultValue: "visitors:",
		EnvVar:       "LOG_INDEX_PRECACHE_SAVED_QUERY_PREFIX",
	},
	"search.limit": util.ConfigVarSpec{
		Help:         "Maximum number of rows returned by a search",
		DefaultValue: 500,
		EnvVar:       "LOG_INDEX_SEARCH_LIMIT",
	},

	// IP intelligence
	"geoip.city-db-path": util.ConfigVarSpec{
		Help:         "Path of a GeoIP2/GeoLite2 City database (optional)",
		DefaultValue: "",
		EnvVar:       "LOG_INDEX_GEOIP_CITY_DB_PATH",
	},
	"geoip.asn-db-path": util.ConfigVarSpec{
		Help:         "Path of a GeoIP2/GeoLite2 ASN database (optional)",
		DefaultValue: "",
		EnvVar:       "LOG_INDEX_GEOIP_ASN_DB_PATH",
	},

	// S3 log roots
	"s3.endpoint": util.ConfigVarSpec{
		Help:         "S3 endpoint URL for s3:// log roots (empty for AWS)",
		DefaultValue: "",
		EnvVar:       "LOG_INDEX_S3_ENDPOINT",
	},
	"s3.region": util.ConfigVarSpec{
		Help:         "S3 region",
		DefaultValue: "us-east-1",
		EnvVar:       "LOG_INDEX_S3_REGION",
	},
	"s3.access-key-id": util.ConfigVarSpec{
		Help:         "S3 access key ID (empty for the default credential chain)",
		DefaultValue: "",
		EnvVar:       "LOG_INDEX_S3_ACCESS_KEY_ID",
	},
	"s3.secret-access-key": util.ConfigVarSpec{
		Help:         "S3 secret access key",
		DefaultValue: "",
		EnvVar:       "LOG_INDEX_S3_SECRET_ACCESS_KEY",
	},
	"s3.max-retry-attempts": util.ConfigVarSpec{
		Help:         "Maximum number of attempts per S3 request",
		DefaultValue: 3,
		EnvVar:       "LOG_INDEX_S3_MAX_RETRY_ATTEMPTS",
	},
	"s3.max-backoff-delay-seconds": util.ConfigVarSpec{
		Help:         "Maximum backoff between S3 request attempts",
		DefaultValue: 20,
		EnvVar:       "LOG_INDEX_S3_MAX_BACKOFF_DELAY_SECONDS",
	},

	// ClickHouse archive
	"clickhouse.enabled": util.ConfigVarSpec{
		Help:         "Archive parsed records to ClickHouse",
		DefaultValue: false,
		EnvVar:       "LOG_INDEX_CLICKHOUSE_ENABLED",
	},
	"clickhouse.url": util.ConfigVarSpec{
		Help:         "ClickHouse hosts (comma-separated)",
		DefaultValue: "localhost:9000",
		EnvVar:       "LOG_INDEX_CLICKHOUSE_URL",
		ParseFunc:    util.ParseHostList,
	},
	"clickhouse.database": util.ConfigVarSpec{
		Help:         "ClickHouse database of the archive",
		DefaultValue: "logindex",
		EnvVar:       "LOG_INDEX_CLICKHOUSE_DATABASE",
	},
	"clickhouse.username": util.ConfigVarSpec{
		Help:         "ClickHouse username",
		DefaultValue: "default",
		EnvVar:       "LOG_INDEX_CLICKHOUSE_USERNAME",
	},
	"clickhouse.password": util.ConfigVarSpec{
		Help:         "ClickHouse password",
		DefaultValue: "",
		EnvVar:       "LOG_INDEX_CLICKHOUSE_PASSWORD",
	},
	"clickhouse.timeout-seconds": util.ConfigVarSpec{
		Help:         "ClickHouse query timeout in seconds",
		DefaultValue: 30,
		EnvVar:       "LOG_INDEX_CLICKHOUSE_TIMEOUT_SECONDS",
	},
	"archive.batch-size": util.ConfigVarSpec{
		Help:         "Number of records archived per pass",
		DefaultValue: 10000,
		EnvVar:       "LOG_INDEX_ARCHIVE_BATCH_SIZE",
	},
	"archive.instance": util.ConfigVarSpec{
		Help:         "Name distinguishing this index in the shared archive",
		DefaultValue: "default",
		EnvVar:       "LOG_INDEX_ARCHIVE_INSTANCE",
	},

	// Retry
	"retry.max-retries": util.ConfigVarSpec{
		Help:         "Maximum number of retries for archive writes",
		DefaultValue: 3,
		EnvVar:       "LOG_INDEX_RETRY_MAX_RETRIES",
	},
	"retry.initial-backoff-seconds": util.ConfigVarSpec{
		Help:         "Initial backoff between retries",
		DefaultValue: 1,
		EnvVar:       "LOG_INDEX_RETRY_INITIAL_BACKOFF_SECONDS",
	},
	"retry.max-backoff-seconds": util.ConfigVarSpec{
		Help:         "Maximum backoff between retries",
		DefaultValue: 30,
		EnvVar:       "LOG_INDEX_RETRY_MAX_BACKOFF_SECONDS",
	},
	"retry.backoff-jitter-factor": util.ConfigVarSpec{
		Help:         "Jitter factor applied to retry backoff (0.0 to 1.0)",
		DefaultValue: 0.2,
		EnvVar:       "LOG_INDEX_RETRY_BACKOFF_JITTER_FACTOR",
	},

	// Metrics server
	"metrics-server.enabled": util.ConfigVarSpec{
		Help:         "Serve Prometheus metrics",
		DefaultValue: false,
		EnvVar:       "LOG_INDEX_METRICS_SERVER_ENABLED",
	},
	"metrics-server.listen-address": util.ConfigVarSpec{
		Help:         "Metrics server listen address",
		DefaultValue: "0.0.0.0",
		EnvVar:       "LOG_INDEX_METRICS_SERVER_LISTEN_ADDRESS",
	},
	"metrics-server.listen-port": util.ConfigVarSpec{
		Help:         "Metrics server listen port",
		DefaultValue: 9114,
		EnvVar:       "LOG_INDEX_METRICS_SERVER_LISTEN_PORT",
	},
}
