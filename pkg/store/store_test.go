package store_test

import (
	"context"
	"database/sql"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scality/log-index/pkg/store"
)

var _ = Describe("Store", func() {
	var (
		ctx context.Context
		s   *store.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = openTestStore(ctx)
	})

	It("requires a path", func() {
		_, err := store.Open(ctx, store.Config{})
		Expect(err).To(HaveOccurred())
	})

	It("can be reopened over an existing schema", func() {
		path := filepath.Join(GinkgoT().TempDir(), "reopen.sqlite")
		first, err := store.Open(ctx, store.Config{Path: path})
		Expect(err).ToNot(HaveOccurred())
		Expect(first.Close()).To(Succeed())

		second, err := store.Open(ctx, store.Config{Path: path})
		Expect(err).ToNot(HaveOccurred())
		Expect(second.Close()).To(Succeed())
	})

	It("ignores duplicate hashes on insert", func() {
		insert := `INSERT OR IGNORE INTO logs (source_file, source_offset, hash, logline) VALUES (?, ?, ?, ?)`

		result, err := s.Exec(ctx, insert, "2024-01-01", 0, "h1", "line")
		Expect(err).ToNot(HaveOccurred())
		Expect(result.RowsAffected()).To(Equal(int64(1)))

		result, err = s.Exec(ctx, insert, "2024-01-01", 0, "h1", "line")
		Expect(err).ToNot(HaveOccurred())
		Expect(result.RowsAffected()).To(Equal(int64(0)))
	})

	It("stamps reverse records when their resolution is written", func() {
		_, err := s.Exec(ctx, `INSERT OR IGNORE INTO reverse_ip (ip) VALUES (?)`, "192.0.2.1")
		Expect(err).ToNot(HaveOccurred())

		var updated sql.NullString
		Expect(s.QueryRow(ctx, `SELECT updated FROM reverse_ip WHERE ip = ?`, "192.0.2.1").Scan(&updated)).To(Succeed())
		Expect(updated.Valid).To(BeFalse())

		_, err = s.Exec(ctx, `UPDATE reverse_ip SET reverse_host = '', reverse_domain = '', organization = ''
            WHERE ip = ? AND updated IS NULL`, "192.0.2.1")
		Expect(err).ToNot(HaveOccurred())

		Expect(s.QueryRow(ctx, `SELECT updated FROM reverse_ip WHERE ip = ?`, "192.0.2.1").Scan(&updated)).To(Succeed())
		Expect(updated.Valid).To(BeTrue())
	})

	It("rolls back a failed transaction", func() {
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `INSERT INTO registry (key, value) VALUES ('k', 'v')`); err != nil {
				return err
			}
			return sql.ErrTxDone
		})
		Expect(err).To(MatchError(sql.ErrTxDone))

		_, ok, err := s.FirstValue(ctx, "k")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("explains a query plan", func() {
		plan, err := s.Explain(ctx, `SELECT * FROM logs WHERE ip = ?`, "192.0.2.1")
		Expect(err).ToNot(HaveOccurred())
		Expect(plan).ToNot(BeEmpty())
		Expect(plan[0]).To(ContainSubstring("logs"))
	})

	Describe("Registry", func() {
		It("returns the first value of a key", func() {
			Expect(s.AddEntry(ctx, "logindex:root", "/var/log/a")).To(Succeed())
			Expect(s.AddEntry(ctx, "logindex:root", "/var/log/b")).To(Succeed())

			value, ok, err := s.FirstValue(ctx, "logindex:root")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(value).To(Equal("/var/log/a"))
		})

		It("searches by prefix in key order", func() {
			Expect(s.AddEntry(ctx, "visitors:b", "date today")).To(Succeed())
			Expect(s.AddEntry(ctx, "visitors:a", "ip 192.0.2.1")).To(Succeed())
			Expect(s.AddEntry(ctx, "other:c", "x")).To(Succeed())

			entries, err := s.SearchByPrefix(ctx, "visitors:")
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(Equal([]store.Entry{
				{Key: "visitors:a", Value: "ip 192.0.2.1"},
				{Key: "visitors:b", Value: "date today"},
			}))
		})

		It("does not treat LIKE wildcards in the prefix specially", func() {
			Expect(s.AddEntry(ctx, "visitorsXa", "x")).To(Succeed())

			entries, err := s.SearchByPrefix(ctx, "visitors_")
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})

		It("removes a key", func() {
			Expect(s.AddEntry(ctx, "ip:192.0.2.1", "office")).To(Succeed())

			removed, err := s.RemoveEntry(ctx, "ip:192.0.2.1")
			Expect(err).ToNot(HaveOccurred())
			Expect(removed).To(Equal(int64(1)))
		})

		It("rejects an empty key", func() {
			Expect(s.AddEntry(ctx, " ", "v")).ToNot(Succeed())
		})
	})

	Describe("Offset index", func() {
		It("looks up offsets for several keys in file and offset order", func() {
			err := s.WithTx(ctx, func(tx *sql.Tx) error {
				return store.InsertIndexEntries(ctx, tx, []store.IndexEntry{
					{Field: "ip", Key: "192.0.2.1", Date: "2024-01-02-10", SourceFile: "2024-01-02", SourceOffset: 300},
					{Field: "ip", Key: "192.0.2.1", Date: "2024-01-01-09", SourceFile: "2024-01-01", SourceOffset: 0},
					{Field: "ip", Key: "192.0.2.2", Date: "2024-01-01-09", SourceFile: "2024-01-01", SourceOffset: 120},
					{Field: "ip", Key: "192.0.2.1", Date: "2024-01-01-09", SourceFile: "2024-01-01", SourceOffset: 0},
				})
			})
			Expect(err).ToNot(HaveOccurred())

			refs, err := s.LookupOffsets(ctx, "ip", []string{"192.0.2.1"})
			Expect(err).ToNot(HaveOccurred())
			Expect(refs).To(Equal([]store.OffsetRef{
				{Key: "192.0.2.1", Date: "2024-01-01-09", SourceFile: "2024-01-01", SourceOffset: 0},
				{Key: "192.0.2.1", Date: "2024-01-02-10", SourceFile: "2024-01-02", SourceOffset: 300},
			}))

			refs, err = s.LookupOffsets(ctx, "ip", []string{"192.0.2.2", "198.51.100.1"})
			Expect(err).ToNot(HaveOccurred())
			Expect(refs).To(HaveLen(1))
		})

		It("returns nothing for no keys", func() {
			refs, err := s.LookupOffsets(ctx, "ip", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(refs).To(BeEmpty())
		})
	})

	Describe("Cache tables", func() {
		const key = "0123456789abcdef0123456789abcdef"

		BeforeEach(func() {
			_, err := s.Exec(ctx, `INSERT INTO logs (source_file, source_offset, hash, logline, ip)
                VALUES ('f', 0, 'a', 'l1', '192.0.2.1'), ('f', 10, 'b', 'l2', '192.0.2.2')`)
			Expect(err).ToNot(HaveOccurred())
		})

		It("materializes a parameterized query", func() {
			table, err := s.BuildCache(ctx, key, "ip 192.0.2.1",
				`SELECT ip, logline FROM logs WHERE ip = ?`, "192.0.2.1")
			Expect(err).ToNot(HaveOccurred())
			Expect(table).To(Equal("cache_" + key))

			var count int
			Expect(s.QueryRow(ctx, `SELECT COUNT(*) FROM `+table).Scan(&count)).To(Succeed())
			Expect(count).To(Equal(1))

			info, ok, err := s.LookupCache(ctx, key)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(info.Query).To(Equal("ip 192.0.2.1"))
			Expect(info.BuiltAt.IsZero()).To(BeFalse())
		})

		It("rejects keys that are not hex digests", func() {
			_, err := s.BuildCache(ctx, "x; DROP TABLE logs", "q", `SELECT 1`)
			Expect(err).To(HaveOccurred())
		})

		It("drops every cache table but keeps the metadata table", func() {
			_, err := s.BuildCache(ctx, key, "q1", `SELECT * FROM logs`)
			Expect(err).ToNot(HaveOccurred())
			_, err = s.BuildCache(ctx, "fedcba9876543210fedcba9876543210", "q2", `SELECT * FROM logs`)
			Expect(err).ToNot(HaveOccurred())

			dropped, err := s.DropCaches(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(dropped).To(Equal(2))

			tables, err := s.CacheTables(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(tables).To(BeEmpty())

			_, ok, err := s.LookupCache(ctx, key)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})
})
