package logindex_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/scality/log-index/pkg/logindex"
	"github.com/scality/log-index/pkg/source"
	"github.com/scality/log-index/pkg/testutil"
)

var _ = Describe("Ingestion", func() {
	var f *fixture

	BeforeEach(func() {
		f = newFixture()
	})

	Describe("IngestFile", func() {
		It("appends every complete line once", func() {
			f.writeDay(day1,
				line("1.2.3.4", day1.Add(time.Hour), "GET /a HTTP/1.1"),
				line("1.2.3.4", day1.Add(2*time.Hour), "GET /b HTTP/1.1"),
				line("5.6.7.8", day1.Add(3*time.Hour), "GET /c HTTP/1.1"),
			)

			Expect(f.ingestDay(day1)).To(Equal(3))
			Expect(f.ingestDay(day1)).To(Equal(0))

			n, err := f.engine.CountLines(f.ctx, "2024-01-01")
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(3))
		})

		It("keeps duplicate lines at different offsets", func() {
			l := line("1.2.3.4", day1, "GET / HTTP/1.1")
			f.writeDay(day1, l, l)

			Expect(f.ingestDay(day1)).To(Equal(2))
		})

		It("resumes after the last ingested line", func() {
			f.writeDay(day1,
				line("1.2.3.4", day1, "GET /a HTTP/1.1"),
				line("1.2.3.4", day1, "GET /b HTTP/1.1"),
			)
			Expect(f.ingestDay(day1)).To(Equal(2))

			appended := line("1.2.3.4", day1, "GET /c HTTP/1.1") + "\n" +
				line("1.2.3.4", day1, "GET /d HTTP/1.1") + "\n" +
				line("1.2.3.4", day1, "GET /e HTTP/1.1") + "\n"
			Expect(testutil.AppendDayLog(f.root, day1, appended)).To(Succeed())

			Expect(f.ingestDay(day1)).To(Equal(3))
			Expect(f.countRows("source_file = ?", "2024-01-01")).To(Equal(5))
			Expect(f.countRows("logline LIKE ?", "%GET /b %")).To(Equal(1))
		})

		It("leaves a trailing fragment for the next run", func() {
			first := line("1.2.3.4", day1, "GET /a HTTP/1.1")
			Expect(testutil.AppendDayLog(f.root, day1, first+"\n9.9.9.9 - - [01/Jan")).To(Succeed())

			Expect(f.ingestDay(day1)).To(Equal(1))

			Expect(testutil.AppendDayLog(f.root, day1, "/2024:10:00:00 +0000] \"GET / HTTP/1.1\" 200 1\n")).To(Succeed())

			Expect(f.ingestDay(day1)).To(Equal(1))
			Expect(f.countRows("logline LIKE ?", "9.9.9.9 - - [01/Jan/2024:10:00:00%")).To(Equal(1))
		})

		It("skips blank lines", func() {
			f.writeDay(day1, line("1.2.3.4", day1, "GET / HTTP/1.1"), "", "   ", line("1.2.3.4", day1, "GET /x HTTP/1.1"))

			Expect(f.ingestDay(day1)).To(Equal(2))
		})

		It("normalizes structured request-log records", func() {
			record := `{"protoPayload":{"method":"GET","resource":"/a?b=1","httpVersion":"HTTP/1.1",` +
				`"ip":"9.9.9.9","startTime":"2024-01-01T10:00:00Z","status":200,"responseSize":"12"}}`
			f.writeDay(day1, record)

			Expect(f.ingestDay(day1)).To(Equal(1))
			Expect(f.countRows("logline LIKE ?", `9.9.9.9 - - [01/Jan/2024:10:00:00 +0000] "GET /a?b=1 HTTP/1.1" 200 12 %`)).To(Equal(1))

			f.parseAll()

			rows, err := f.engine.RunQuery(f.ctx, "ip 9.9.9.9", false)
			Expect(err).ToNot(HaveOccurred())
			Expect(rows).To(HaveLen(1))
			Expect(rows[0].IP).To(Equal("9.9.9.9"))
			Expect(rows[0].Method).To(Equal("GET"))
			Expect(rows[0].URI).To(Equal("/a"))
			Expect(rows[0].Query).To(Equal("b=1"))
			Expect(*rows[0].StatusCode).To(Equal(200))
			Expect(rows[0].Referrer).To(BeEmpty())
		})

		It("counts ingested and duplicate lines", func() {
			f.writeDay(day1, line("1.2.3.4", day1, "GET / HTTP/1.1"))
			f.ingestDay(day1)

			Expect(promtestutil.ToFloat64(f.metrics.Ingest.LinesIngested)).To(Equal(1.0))
		})
	})

	Describe("Enqueue", func() {
		It("queues a period and schedules the queue", func() {
			accepted, err := f.engine.Enqueue(f.ctx, day1, day3)
			Expect(err).ToNot(HaveOccurred())
			Expect(accepted).To(BeTrue())

			Expect(f.engine.Queued()).To(HaveLen(1))
			Expect(f.engine.Queued()[0].String()).To(Equal("2024-01-01..2024-01-03"))
			Expect(f.scheduler.Names()).To(Equal([]string{logindex.TaskProcessQueue}))
		})

		It("rejects a period already queued", func() {
			accepted, err := f.engine.Enqueue(f.ctx, day1, day3)
			Expect(err).ToNot(HaveOccurred())
			Expect(accepted).To(BeTrue())

			accepted, err = f.engine.Enqueue(f.ctx, day1.Add(5*time.Hour), day3)
			Expect(err).ToNot(HaveOccurred())
			Expect(accepted).To(BeFalse())
			Expect(f.engine.Queued()).To(HaveLen(1))
		})

		It("rejects a period ending before it starts", func() {
			_, err := f.engine.Enqueue(f.ctx, day3, day1)
			Expect(err).To(HaveOccurred())
		})

		It("fails fast without a log root", func() {
			f = newFixture(func(cfg *logindex.Config) {
				cfg.Root = ""
			})

			_, err := f.engine.Enqueue(f.ctx, day1, day1)
			Expect(errors.Is(err, logindex.ErrNotConfigured)).To(BeTrue())

			_, err = f.engine.ProcessQueue(f.ctx)
			Expect(errors.Is(err, logindex.ErrNotConfigured)).To(BeTrue())
		})

		It("prefers the registry's log root", func() {
			other := GinkgoT().TempDir()
			Expect(f.store.AddEntry(f.ctx, logindex.RootKey, other)).To(Succeed())

			root, err := f.engine.Root(f.ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(root).To(Equal(other))
		})
	})

	Describe("ProcessQueue", func() {
		It("skips a missing day without failing the period", func() {
			f.writeDay(day1, line("1.2.3.4", day1, "GET /a HTTP/1.1"))
			f.writeDay(day3,
				line("1.2.3.4", day3, "GET /b HTTP/1.1"),
				line("5.6.7.8", day3, "GET /c HTTP/1.1"),
			)

			_, err := f.engine.Enqueue(f.ctx, day1, day3)
			Expect(err).ToNot(HaveOccurred())

			summary, err := f.engine.ProcessQueue(f.ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(summary).To(Equal(logindex.IngestSummary{Periods: 1, Files: 2, Skipped: 1, Lines: 3}))
			Expect(f.engine.Queued()).To(BeEmpty())
			Expect(promtestutil.ToFloat64(f.metrics.Ingest.FilesSkipped)).To(Equal(1.0))
		})

		It("processes periods in order", func() {
			f.writeDay(day1, line("1.2.3.4", day1, "GET /a HTTP/1.1"))
			f.writeDay(day2, line("1.2.3.4", day2, "GET /b HTTP/1.1"))

			_, err := f.engine.Enqueue(f.ctx, day2, day2)
			Expect(err).ToNot(HaveOccurred())
			_, err = f.engine.Enqueue(f.ctx, day1, day1)
			Expect(err).ToNot(HaveOccurred())

			summary, err := f.engine.ProcessQueue(f.ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(summary.Periods).To(Equal(2))

			var first string
			Expect(f.store.QueryRow(f.ctx, "SELECT source_file FROM logs ORDER BY id LIMIT 1").Scan(&first)).To(Succeed())
			Expect(first).To(Equal("2024-01-02"))
		})

		It("does not ingest a cancelled period", func() {
			f.writeDay(day1, line("1.2.3.4", day1, "GET /a HTTP/1.1"))

			_, err := f.engine.Enqueue(f.ctx, day1, day1)
			Expect(err).ToNot(HaveOccurred())
			Expect(f.engine.Cancel(day1, day1)).To(BeTrue())
			Expect(f.engine.Cancel(day1, day1)).To(BeFalse())

			summary, err := f.engine.ProcessQueue(f.ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(summary.Periods).To(Equal(0))
			Expect(f.countRows("1 = 1")).To(Equal(0))
		})

		It("keeps a period queued again while it was being ingested", func() {
			var (
				g    *fixture
				once bool
			)
			g = newFixture(func(cfg *logindex.Config) {
				cfg.Sources = func(ctx context.Context, root string) (source.Source, error) {
					src, err := source.New(ctx, root, source.S3Config{})
					return &locateHook{Source: src, onLocate: func() {
						if once {
							return
						}
						once = true
						Expect(g.engine.Cancel(day1, day2)).To(BeTrue())
						accepted, err := g.engine.Enqueue(ctx, day1, day2)
						Expect(err).ToNot(HaveOccurred())
						Expect(accepted).To(BeTrue())
					}}, err
				}
			})
			g.writeDay(day1, line("1.2.3.4", day1, "GET /a HTTP/1.1"))
			g.writeDay(day2, line("1.2.3.4", day2, "GET /b HTTP/1.1"))

			_, err := g.engine.Enqueue(g.ctx, day1, day2)
			Expect(err).ToNot(HaveOccurred())

			summary, err := g.engine.ProcessQueue(g.ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(summary.Periods).To(Equal(2))
			Expect(g.engine.Queued()).To(BeEmpty())
			Expect(g.countRows("source_file = ?", "2024-01-02")).To(Equal(1))
		})

		It("ingests a re-enqueued period idempotently", func() {
			lines := make([]string, 0, 20)
			for i := range 20 {
				lines = append(lines, line("1.2.3.4", day1.Add(time.Duration(i)*time.Minute), fmt.Sprintf("GET /%d HTTP/1.1", i)))
			}
			f.writeDay(day1, lines...)

			for range 2 {
				_, err := f.engine.Enqueue(f.ctx, day1, day1)
				Expect(err).ToNot(HaveOccurred())
				_, err = f.engine.ProcessQueue(f.ctx)
				Expect(err).ToNot(HaveOccurred())
			}

			Expect(f.countRows("1 = 1")).To(Equal(20))
		})

		It("ingests gzip-rotated days", func() {
			content := line("1.2.3.4", day2, "GET /z HTTP/1.1") + "\n"
			writeGzipDay(f.root, day2, content)

			_, err := f.engine.Enqueue(f.ctx, day2, day2)
			Expect(err).ToNot(HaveOccurred())
			summary, err := f.engine.ProcessQueue(f.ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(summary.Files).To(Equal(1))
			Expect(f.countRows("source_file = ? AND logline LIKE ?", "2024-01-02", "%GET /z%")).To(Equal(1))
		})
	})

	Describe("Queue", func() {
		It("reports periods by their days", func() {
			p, err := logindex.NewPeriod(day1.Add(13*time.Hour), day3)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Days()).To(Equal([]time.Time{day1, day2, day3}))
		})

		It("keeps insertion order and rejects duplicates", func() {
			q := &logindex.Queue{}
			p1, _ := logindex.NewPeriod(day2, day3)
			p2, _ := logindex.NewPeriod(day1, day1)

			Expect(q.Add(p1)).To(BeTrue())
			Expect(q.Add(p2)).To(BeTrue())
			Expect(q.Add(p1)).To(BeFalse())

			head, ok := q.Peek()
			Expect(ok).To(BeTrue())
			Expect(head.Period).To(Equal(p1))
			Expect(q.Snapshot()).To(Equal([]logindex.Period{p1, p2}))

			Expect(q.Cancel(p1)).To(BeTrue())
			Expect(q.Contains(p1)).To(BeFalse())
			Expect(q.Len()).To(Equal(1))
		})

		It("tells apart a period queued again after a cancel", func() {
			q := &logindex.Queue{}
			p, _ := logindex.NewPeriod(day1, day2)

			Expect(q.Add(p)).To(BeTrue())
			first, _ := q.Peek()

			Expect(q.Cancel(p)).To(BeTrue())
			Expect(q.Add(p)).To(BeTrue())
			Expect(q.Holds(first.ID)).To(BeFalse())

			Expect(q.Done(first.ID)).To(BeFalse())
			Expect(q.Contains(p)).To(BeTrue())

			second, _ := q.Peek()
			Expect(second.ID).ToNot(Equal(first.ID))
			Expect(q.Done(second.ID)).To(BeTrue())
			Expect(q.Len()).To(Equal(0))
		})
	})
})

// locateHook calls onLocate before every Locate of the wrapped source
type locateHook struct {
	source.Source
	onLocate func()
}

func (h *locateHook) Locate(ctx context.Context, day time.Time) (string, error) {
	h.onLocate()
	return h.Source.Locate(ctx, day)
}
