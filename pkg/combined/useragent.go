package combined

import (
	"regexp"
	"strings"
	"sync"

	"github.com/mileusna/useragent"
	"github.com/ua-parser/uap-go/uaparser"
)

// Agent classifications
const (
	ClassBot     = "bot"
	ClassMobile  = "mobile"
	ClassTablet  = "tablet"
	ClassDesktop = "desktop"
)

var (
	uaParserOnce sync.Once
	uaParser     *uaparser.Parser

	agentURLRegexp = regexp.MustCompile(`https?://(www\.)?(.*?)[/; )]`)
)

// Agent is the coarse description of a user agent string
type Agent struct {
	Browser        string
	BrowserVersion string
	OS             string
	Device         string
	Classification string
	// Domain is the host of the URL embedded in bot agents
	Domain string
}

func sharedParser() *uaparser.Parser {
	uaParserOnce.Do(func() {
		uaParser = uaparser.NewFromSaved()
	})
	return uaParser
}

// ClassifyAgent describes a user agent string. The empty string yields
// the zero Agent.
func ClassifyAgent(agent string) Agent {
	if agent == "" {
		return Agent{}
	}

	client := sharedParser().Parse(agent)
	ua := useragent.Parse(agent)

	result := Agent{
		Browser:        familyOrEmpty(client.UserAgent.Family),
		BrowserVersion: client.UserAgent.Major,
		OS:             familyOrEmpty(client.Os.Family),
		Device:         familyOrEmpty(client.Device.Family),
	}

	switch {
	case ua.Bot || strings.EqualFold(client.Device.Family, "spider"):
		result.Classification = ClassBot
	case ua.Tablet:
		result.Classification = ClassTablet
	case ua.Mobile:
		result.Classification = ClassMobile
	case ua.Desktop:
		result.Classification = ClassDesktop
	}

	if ua.URL != "" {
		result.Domain = Domain(ua.URL)
	}
	if result.Domain == "" {
		result.Domain = AgentDomain(agent)
	}

	return result
}

// AgentDomain extracts the host of the first http(s) URL found in an agent string
func AgentDomain(agent string) string {
	match := agentURLRegexp.FindStringSubmatch(agent)
	if match == nil {
		return ""
	}
	return strings.ToLower(match[2])
}

func familyOrEmpty(family string) string {
	if family == "Other" {
		return ""
	}
	return family
}
