package ipintel_test

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scality/log-index/pkg/ipintel"
	"github.com/scality/log-index/pkg/store"
)

type staticRegistry []store.Entry

func (r staticRegistry) SearchByPrefix(_ context.Context, prefix string) ([]store.Entry, error) {
	var entries []store.Entry
	for _, e := range r {
		if strings.HasPrefix(e.Key, prefix) {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

type stubResolver struct {
	names map[string][]string
	err   error
	calls []string
}

func (r *stubResolver) LookupAddr(_ context.Context, addr string) ([]string, error) {
	r.calls = append(r.calls, addr)
	if r.err != nil {
		return nil, r.err
	}
	names, ok := r.names[addr]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: addr, IsNotFound: true}
	}
	return names, nil
}

var _ = Describe("Service", func() {
	var (
		ctx      context.Context
		registry staticRegistry
		resolver *stubResolver
		svc      *ipintel.Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		registry = staticRegistry{
			{Key: "ip:192.0.2.10", Value: "office"},
			{Key: "ip:192.0.2.100", Value: "someone else"},
			{Key: "netblock:Example Corp", Value: "192.0.2.0/24"},
			{Key: "netblock:broken", Value: "not a cidr"},
		}
		resolver = &stubResolver{names: map[string][]string{
			"66.249.66.1": {"crawl-66-249-66-1.googlebot.com."},
			"192.0.2.10":  {"host10.example.net."},
			"192.0.2.11":  {"192.0.2.11"},
		}}

		var err error
		svc, err = ipintel.New(ipintel.Config{Registry: registry, Resolver: resolver})
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(svc.Close)
	})

	Describe("Facts", func() {
		It("returns exact-key annotations and the netblock organization", func() {
			facts, err := svc.Facts(ctx, "192.0.2.10")
			Expect(err).ToNot(HaveOccurred())
			Expect(facts.Annotations).To(ConsistOf("office"))
			Expect(facts.Organization).To(Equal("Example Corp"))
			Expect(facts.Geo).To(Equal(ipintel.Geo{}))
		})

		It("returns empty facts for unknown addresses", func() {
			facts, err := svc.Facts(ctx, "203.0.113.5")
			Expect(err).ToNot(HaveOccurred())
			Expect(facts.Annotations).To(BeEmpty())
			Expect(facts.Organization).To(BeEmpty())
		})

		It("rejects invalid addresses", func() {
			_, err := svc.Facts(ctx, "nope")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Reverse", func() {
		It("derives the domain without the embedded address", func() {
			rev, err := svc.Reverse(ctx, "66.249.66.1")
			Expect(err).ToNot(HaveOccurred())
			Expect(rev.Host).To(Equal("crawl-66-249-66-1.googlebot.com"))
			Expect(rev.Domain).To(Equal("googlebot.com"))
		})

		It("carries the organization of the address", func() {
			rev, err := svc.Reverse(ctx, "192.0.2.10")
			Expect(err).ToNot(HaveOccurred())
			Expect(rev.Host).To(Equal("host10.example.net"))
			Expect(rev.Organization).To(Equal("Example Corp"))
		})

		It("treats a missing PTR record as an empty result", func() {
			rev, err := svc.Reverse(ctx, "203.0.113.5")
			Expect(err).ToNot(HaveOccurred())
			Expect(rev).To(Equal(ipintel.Reverse{}))
		})

		It("ignores names equal to the address", func() {
			rev, err := svc.Reverse(ctx, "192.0.2.11")
			Expect(err).ToNot(HaveOccurred())
			Expect(rev).To(Equal(ipintel.Reverse{}))
		})

		It("surfaces resolver failures", func() {
			resolver.err = errors.New("timeout")
			_, err := svc.Reverse(ctx, "66.249.66.1")
			Expect(err).To(MatchError(ContainSubstring("timeout")))
		})
	})

	It("fails on unreadable GeoIP databases", func() {
		_, err := ipintel.New(ipintel.Config{
			CityDBPath: filepath.Join(GinkgoT().TempDir(), "missing.mmdb"),
		})
		Expect(err).To(HaveOccurred())
	})
})

var _ = DescribeTable("ReverseDomain",
	func(ip, host, expected string) {
		Expect(ipintel.ReverseDomain(ip, host)).To(Equal(expected))
	},
	Entry("dashed address", "66.249.66.1", "crawl-66-249-66-1.googlebot.com", "googlebot.com"),
	Entry("reversed quads", "1.2.3.4", "4.3.2.1.in-addr.example.net", "in-addr.example.net"),
	Entry("compacted address", "10.20.30.40", "host10203040.isp.example", "isp.example"),
	Entry("zero-filled quads", "10.2.30.4", "010002030004.static.example.com", "static.example.com"),
	Entry("ipv6 dashed", "2001:db8::1", "2001-db8--1.v6.example.org", "v6.example.org"),
	Entry("no embedded address", "192.0.2.1", "mail.example.com", "mail.example.com"),
	Entry("mixed case", "192.0.2.1", "Host-192-0-2-1.Example.COM", "example.com"),
)
