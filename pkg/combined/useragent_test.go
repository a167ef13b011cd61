package combined_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scality/log-index/pkg/combined"
)

var _ = Describe("ClassifyAgent", func() {
	It("returns the zero value for an empty agent", func() {
		Expect(combined.ClassifyAgent("")).To(Equal(combined.Agent{}))
	})

	It("classifies a crawler and extracts its domain", func() {
		agent := combined.ClassifyAgent("Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")

		Expect(agent.Classification).To(Equal(combined.ClassBot))
		Expect(agent.Domain).To(Equal("google.com"))
	})

	It("classifies a desktop browser", func() {
		agent := combined.ClassifyAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")

		Expect(agent.Classification).To(Equal(combined.ClassDesktop))
		Expect(agent.Browser).To(Equal("Chrome"))
		Expect(agent.BrowserVersion).To(Equal("120"))
		Expect(agent.OS).To(Equal("Windows"))
		Expect(agent.Domain).To(BeEmpty())
	})

	It("classifies a phone", func() {
		agent := combined.ClassifyAgent("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 " +
			"(KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1")

		Expect(agent.Classification).To(Equal(combined.ClassMobile))
		Expect(agent.Device).To(Equal("iPhone"))
	})
})

var _ = Describe("AgentDomain", func() {
	It("finds the first URL host", func() {
		Expect(combined.AgentDomain("SomeBot/1.0 (+https://www.Example.com/bot)")).To(Equal("example.com"))
	})

	It("returns empty without a URL", func() {
		Expect(combined.AgentDomain("curl/8.0")).To(BeEmpty())
	})
})
