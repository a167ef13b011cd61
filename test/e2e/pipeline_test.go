package e2e_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scality/log-index/pkg/ipintel"
	"github.com/scality/log-index/pkg/testutil"
)

var (
	jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jan2 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	jan3 = time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
)

var _ = Describe("S3 log root", func() {
	It("indexes a period with a missing and a compressed day", func(ctx context.Context) {
		testCtx := setupE2ETest(ctx, "period", nil)
		testCtx.Intel.ReverseByIP = map[string]ipintel.Reverse{
			"66.249.66.1": {Host: "crawl-66-249-66-1.googlebot.com", Domain: "googlebot.com"},
		}

		testCtx.PutDay(ctx, jan1, false,
			accessLine("66.249.66.1", jan1.Add(time.Hour), "GET / HTTP/1.1", 200),
			accessLine("10.0.0.1", jan1.Add(2*time.Hour), "GET /login HTTP/1.1", 401),
		)
		testCtx.PutDay(ctx, jan3, true,
			accessLine("66.249.66.1", jan3.Add(time.Hour), "GET /robots.txt HTTP/1.1", 200),
		)
		Expect(testCtx.Store.AddEntry(ctx, "visitors:googlebot", "reverse_domain googlebot.com")).To(Succeed())

		testCtx.IngestAndDrain(ctx, jan1, jan3)

		Expect(testCtx.CountRows(ctx, "1 = 1")).To(Equal(3))
		Expect(testCtx.CountRows(ctx, "ip IS NULL")).To(Equal(0))

		result, err := testCtx.Engine.Search(ctx, "reverse_domain googlebot.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Total).To(Equal(2))
		Expect(result.CacheTable).NotTo(BeEmpty())

		result, err = testCtx.Engine.Search(ctx, "status 401")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Rows).To(HaveLen(1))
		Expect(result.Rows[0].IP).To(Equal("10.0.0.1"))
	})

	It("resumes a day whose object grew", func(ctx context.Context) {
		testCtx := setupE2ETest(ctx, "resume", nil)

		first := accessLine("10.0.0.1", jan2.Add(time.Hour), "GET /a HTTP/1.1", 200)
		second := accessLine("10.0.0.2", jan2.Add(2*time.Hour), "GET /b HTTP/1.1", 200)
		third := accessLine("10.0.0.3", jan2.Add(3*time.Hour), "GET /c HTTP/1.1", 200)

		testCtx.PutDay(ctx, jan2, false, first, second)
		testCtx.IngestAndDrain(ctx, jan2, jan2)
		Expect(testCtx.CountRows(ctx, "1 = 1")).To(Equal(2))

		testCtx.PutDay(ctx, jan2, false, first, second, third)
		testCtx.IngestAndDrain(ctx, jan2, jan2)
		Expect(testCtx.CountRows(ctx, "1 = 1")).To(Equal(3))
		Expect(testCtx.CountRows(ctx, "ip = ?", "10.0.0.3")).To(Equal(1))
	})
})

var _ = Describe("ClickHouse archive", func() {
	It("archives the indexed rows", func(ctx context.Context) {
		if testutil.ClickHouseURL() == "" {
			Skip("LOG_INDEX_CLICKHOUSE_URL is not set")
		}

		instance := fmt.Sprintf("e2e-%d", time.Now().UnixNano())
		helper, err := testutil.NewClickHouseTestHelper(ctx, instance)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(helper.Close)
		Expect(helper.Sink.EnsureSchema(ctx)).To(Succeed())

		testCtx := setupE2ETest(ctx, "archive", helper.Sink)
		testCtx.PutDay(ctx, jan1, false,
			accessLine("10.0.0.1", jan1.Add(time.Hour), "GET /a HTTP/1.1", 200),
			accessLine("10.0.0.2", jan1.Add(2*time.Hour), "GET /b HTTP/1.1", 200),
		)

		testCtx.IngestAndDrain(ctx, jan1, jan1)

		count, err := helper.CountRecords(ctx, instance)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(uint64(2)))

		lastID, err := helper.Sink.LastArchivedID(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(lastID).To(Equal(int64(2)))
		Expect(testCtx.Engine.CountLines(ctx, "2024-01-01")).To(Equal(2))
	})
})
