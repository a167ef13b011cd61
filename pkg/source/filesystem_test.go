package source_test

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scality/log-index/pkg/source"
)

var _ = Describe("Filesystem", func() {
	var (
		ctx  context.Context
		root string
		fs   *source.Filesystem
		day  time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		root = GinkgoT().TempDir()
		fs = source.NewFilesystem(root)
		day = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	})

	It("builds day paths below a month directory", func() {
		Expect(source.DayPath(day, ".log")).To(Equal("2024-01/2024-01-02.log"))
	})

	It("names files by their base name without extensions", func() {
		Expect(source.Name("/var/log/2024-01/2024-01-02.log")).To(Equal("2024-01-02"))
		Expect(source.Name("logs/2024-01/2024-01-02.log.gz")).To(Equal("2024-01-02"))
		Expect(source.Name("2024-01-02")).To(Equal("2024-01-02"))
	})

	Context("with a plain log file", func() {
		var path string

		BeforeEach(func() {
			path = filepath.Join(root, "2024-01", "2024-01-02.log")
			writeFile(path, []byte("first\nsecond\n"))
		})

		It("locates it", func() {
			name, err := fs.Locate(ctx, day)
			Expect(err).ToNot(HaveOccurred())
			Expect(name).To(Equal(path))
		})

		It("opens it at an offset", func() {
			r, err := fs.Open(ctx, path, 6)
			Expect(err).ToNot(HaveOccurred())
			Expect(readAll(r)).To(Equal("second\n"))
		})

		It("prefers it over a compressed copy", func() {
			writeFile(path+".gz", gzipped("other\n"))

			name, err := fs.Locate(ctx, day)
			Expect(err).ToNot(HaveOccurred())
			Expect(name).To(Equal(path))
		})
	})

	Context("with a compressed log file", func() {
		var path string

		BeforeEach(func() {
			path = filepath.Join(root, "2024-01", "2024-01-02.log.gz")
			writeFile(path, gzipped("first\nsecond\n"))
		})

		It("falls back to it", func() {
			name, err := fs.Locate(ctx, day)
			Expect(err).ToNot(HaveOccurred())
			Expect(name).To(Equal(path))
		})

		It("decompresses from a decompressed offset", func() {
			r, err := fs.Open(ctx, path, 6)
			Expect(err).ToNot(HaveOccurred())
			Expect(readAll(r)).To(Equal("second\n"))
		})

		It("returns nothing past the end", func() {
			r, err := fs.Open(ctx, path, 100)
			Expect(err).ToNot(HaveOccurred())
			Expect(readAll(r)).To(BeEmpty())
		})
	})

	It("reports missing days", func() {
		_, err := fs.Locate(ctx, day)
		Expect(err).To(MatchError(source.ErrNotFound))
	})

	It("reports missing files on open", func() {
		_, err := fs.Open(ctx, filepath.Join(root, "missing.log"), 0)
		Expect(err).To(MatchError(source.ErrNotFound))
	})

	Describe("New", func() {
		It("picks the filesystem for plain roots", func() {
			src, err := source.New(ctx, root, source.S3Config{})
			Expect(err).ToNot(HaveOccurred())
			Expect(src).To(BeAssignableToTypeOf(&source.Filesystem{}))
		})

		It("picks S3 for s3:// roots", func() {
			src, err := source.New(ctx, "s3://logs/web", source.S3Config{
				Endpoint:        "http://127.0.0.1:1",
				AccessKeyID:     "key",
				SecretAccessKey: "secret",
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(src).To(BeAssignableToTypeOf(&source.S3{}))
		})

		It("rejects empty roots and buckets", func() {
			_, err := source.New(ctx, "", source.S3Config{})
			Expect(err).To(HaveOccurred())
			_, err = source.New(ctx, "s3:///prefix", source.S3Config{})
			Expect(err).To(HaveOccurred())
		})
	})
})
