package logindex_test

import (
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/scality/log-index/pkg/logindex"
)

var _ = Describe("Configuration", Ordered, func() {
	AfterEach(func() {
		logindex.ConfigSpec.Reset()
		_ = os.Unsetenv("LOG_INDEX_LOG_LEVEL")
		_ = os.Unsetenv("LOG_INDEX_CLICKHOUSE_URL")
	})

	Describe("ConfigSpec", func() {
		It("should have default values", func() {
			Expect(logindex.ConfigSpec.LoadConfiguration("")).To(Succeed())

			Expect(logindex.ConfigSpec.GetString("log-level")).To(Equal("info"))
			Expect(logindex.ConfigSpec.GetInt("parse.batch-size")).To(Equal(1000))
			Expect(logindex.ConfigSpec.GetInt("reverse.batch-size")).To(Equal(50))
			Expect(logindex.ConfigSpec.GetString("precache.saved-query-prefix")).To(Equal("visitors:"))
			Expect(logindex.ConfigSpec.GetStringSlice("clickhouse.url")).To(Equal([]string{"localhost:9000"}))
		})

		It("should load values from environment variables", func() {
			Expect(os.Setenv("LOG_INDEX_LOG_LEVEL", "debug")).To(Succeed())
			Expect(os.Setenv("LOG_INDEX_CLICKHOUSE_URL", "ch1:9000, ch2:9000")).To(Succeed())

			Expect(logindex.ConfigSpec.LoadConfiguration("")).To(Succeed())

			Expect(logindex.ConfigSpec.GetString("log-level")).To(Equal("debug"))
			Expect(logindex.ConfigSpec.GetStringSlice("clickhouse.url")).To(Equal([]string{"ch1:9000", "ch2:9000"}))
		})

		It("should load values from file", func() {
			tmpFile, err := os.CreateTemp("", "config-*.yaml")
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = os.Remove(tmpFile.Name()) }()

			_, err = tmpFile.WriteString("log-level: error\nparse:\n  batch-size: 250\n")
			Expect(err).NotTo(HaveOccurred())
			Expect(tmpFile.Close()).To(Succeed())

			Expect(logindex.ConfigSpec.LoadConfiguration(tmpFile.Name())).To(Succeed())

			Expect(logindex.ConfigSpec.GetString("log-level")).To(Equal("error"))
			Expect(logindex.ConfigSpec.GetInt("parse.batch-size")).To(Equal(250))
		})

		It("should override file with environment variable", func() {
			tmpFile, err := os.CreateTemp("", "config-*.yaml")
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = os.Remove(tmpFile.Name()) }()

			_, err = tmpFile.WriteString("log-level: error\n")
			Expect(err).NotTo(HaveOccurred())
			Expect(tmpFile.Close()).To(Succeed())

			Expect(os.Setenv("LOG_INDEX_LOG_LEVEL", "warn")).To(Succeed())

			Expect(logindex.ConfigSpec.LoadConfiguration(tmpFile.Name())).To(Succeed())
			Expect(logindex.ConfigSpec.GetString("log-level")).To(Equal("warn"))
		})
	})

	Describe("ValidateConfig", func() {
		BeforeEach(func() {
			Expect(logindex.ConfigSpec.LoadConfiguration("")).To(Succeed())
		})

		It("accepts the defaults", func() {
			Expect(logindex.ValidateConfig()).To(Succeed())
		})

		DescribeTable("rejects invalid values",
			func(item string, value any, message string) {
				logindex.ConfigSpec.Set(item, value)
				Expect(logindex.ValidateConfig()).To(MatchError(ContainSubstring(message)))
			},
			Entry("log level", "log-level", "verbose", "invalid log-level"),
			Entry("empty database path", "database.path", "", "database.path must be set"),
			Entry("zero batch size", "parse.batch-size", 0, "parse.batch-size must be positive"),
			Entry("huge batch size", "ingest.batch-size", logindex.MaxBatchSize+1, "exceeds maximum allowed"),
			Entry("negative delay", "reverse.reschedule-delay-seconds", -1, "must not be negative"),
			Entry("zero lookup timeout", "reverse.lookup-timeout-seconds", 0, "lookup-timeout-seconds must be positive"),
			Entry("zero search limit", "search.limit", 0, "search.limit must be positive"),
			Entry("empty saved-query prefix", "precache.saved-query-prefix", " ", "must not be empty"),
			Entry("zero s3 attempts", "s3.max-retry-attempts", 0, "s3.max-retry-attempts must be positive"),
			Entry("negative retries", "retry.max-retries", -1, "must not be negative"),
			Entry("jitter above one", "retry.backoff-jitter-factor", 1.5, "between 0.0 and 1.0"),
		)

		It("requires ClickHouse hosts when archival is enabled", func() {
			logindex.ConfigSpec.Set("clickhouse.enabled", true)
			logindex.ConfigSpec.Set("clickhouse.url", []string{})
			Expect(logindex.ValidateConfig()).To(MatchError(ContainSubstring("clickhouse.url")))
		})

		It("requires an archive instance when archival is enabled", func() {
			logindex.ConfigSpec.Set("clickhouse.enabled", true)
			logindex.ConfigSpec.Set("archive.instance", "")
			Expect(logindex.ValidateConfig()).To(MatchError(ContainSubstring("archive.instance")))
		})
	})
})

var _ = Describe("Metrics", func() {
	It("registers on a private registry", func() {
		m := NewTestMetrics()
		Expect(m.General.StageDuration).ToNot(BeNil())
		Expect(m.Ingest.LinesIngested).ToNot(BeNil())
		Expect(m.Cache.Searches).ToNot(BeNil())
	})

	It("gathers its own registry with runtime collectors", func() {
		first := logindex.NewMetrics()
		second := logindex.NewMetrics()
		Expect(first.Gatherer).ToNot(BeIdenticalTo(second.Gatherer))

		first.Ingest.LinesIngested.Add(3)
		families, err := first.Gatherer.Gather()
		Expect(err).ToNot(HaveOccurred())

		names := make([]string, 0, len(families))
		for _, mf := range families {
			names = append(names, mf.GetName())
		}
		Expect(names).To(ContainElements("log_index_ingest_lines_total", "go_goroutines"))
		Expect(promtestutil.ToFloat64(second.Ingest.LinesIngested)).To(Equal(0.0))
	})

	It("records stage errors", func() {
		f := newFixture(func(cfg *logindex.Config) {
			cfg.Root = ""
		})
		_, err := f.engine.ProcessQueue(f.ctx)
		Expect(err).To(HaveOccurred())
		Expect(promtestutil.ToFloat64(f.metrics.General.StageErrors.WithLabelValues("ingest"))).To(Equal(1.0))
	})
})
