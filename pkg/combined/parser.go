package combined

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// ErrMalformed is returned when a line does not follow the combined grammar
var ErrMalformed = errors.New("malformed combined log line")

// DoubleQuoteMarker stands in for a literal double quote inside a quoted value
const DoubleQuoteMarker = "[DOUBLEQUOTE]"

// DatestampLayout is the hour-resolution UTC date stamp stored with each record
const DatestampLayout = "2006-01-02-15"

// TimestampLayout is the bracketed timestamp layout of combined lines
const TimestampLayout = "02/Jan/2006:15:04:05 -0700"

const fractionalTimestampLayout = "02/Jan/2006:15:04:05.999999999 -0700"

var (
	lineRegexp = regexp.MustCompile(
		`^(\S+) (\S+) (\S+) \[([^\]]+)\] "([^"]*)" (\d{3}|-) (\d+|-)` +
			`(?: ("[^"]*"|-))?` + // referrer
			`(?: ("[^"]*"|-))?` + // user agent
			`(?: ("[^"]*"|[^\s="]+)(?:\s|$))?` + // host, never the first key=value pair
			`(.*)$`)

	extraRegexp = regexp.MustCompile(`(\w+)=(?:"([^"]*)"|(\S+))`)

	// 10/Oct/2023:13:55:36:123456 +0000 carries its fraction after a colon
	colonFractionRegexp = regexp.MustCompile(`^(\d{2}/\w{3}/\d{4}:\d{2}:\d{2}:\d{2})[:.](\d+)( .*)$`)
)

// Fields holds the values extracted from one combined log line. Empty
// strings and nil pointers mean the value was absent.
//
//nolint:govet // fieldalignment: grouped by position in the line
type Fields struct {
	IP       string
	Identity string
	User     string

	Timestamp time.Time
	Datestamp string

	Method   string
	URI      string
	Query    string
	Protocol string

	StatusCode *int
	BytesSent  *int64

	Referrer       string
	ReferrerDomain string
	Agent          string
	Host           string

	Country   string
	Region    string
	City      string
	Latitude  *float64
	Longitude *float64
	Cookie    string

	Extras map[string]string
}

// Sanitize trims the line, closes an unbalanced double quote and turns an
// empty quoted referrer into an absent one.
func Sanitize(line string) string {
	line = strings.TrimSpace(line)

	if strings.Count(line, `"`)%2 > 0 {
		line += `"`
	}

	return strings.ReplaceAll(line, ` "" "`, ` - "`)
}

// Parse breaks a combined log line into its fields.
//
// Lines that do not match the grammar, carry an invalid client address
// or an unreadable timestamp fail with an error wrapping ErrMalformed.
func Parse(line string) (Fields, error) {
	line = Sanitize(line)

	match := lineRegexp.FindStringSubmatch(line)
	if match == nil {
		return Fields{}, fmt.Errorf("%w: grammar mismatch", ErrMalformed)
	}

	addr, err := netip.ParseAddr(match[1])
	if err != nil {
		return Fields{}, fmt.Errorf("%w: invalid client address %q", ErrMalformed, match[1])
	}

	ts, err := ParseTimestamp(match[4])
	if err != nil {
		return Fields{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	fields := Fields{
		IP:        addr.String(),
		Identity:  clean(match[2]),
		User:      clean(match[3]),
		Timestamp: ts,
		Datestamp: ts.UTC().Format(DatestampLayout),
		Referrer:  clean(match[8]),
		Agent:     clean(match[9]),
		Host:      clean(match[10]),
	}

	fields.Method, fields.URI, fields.Query, fields.Protocol = splitRequest(clean(match[5]))

	if match[6] != "-" {
		status, _ := strconv.Atoi(match[6])
		fields.StatusCode = &status
	}
	if match[7] != "-" {
		size, err := strconv.ParseInt(match[7], 10, 64)
		if err == nil {
			fields.BytesSent = &size
		}
	}

	if fields.Referrer != "" {
		fields.ReferrerDomain = Domain(fields.Referrer)
	}

	fields.Extras = ParseExtras(match[11])
	fields.Country = fields.Extras["country"]
	fields.Region = fields.Extras["region"]
	fields.City = fields.Extras["city"]
	fields.Cookie = fields.Extras["cookie"]
	if latlong, ok := fields.Extras["latlong"]; ok {
		fields.Latitude, fields.Longitude = splitLatLong(latlong)
	}

	return fields, nil
}

// ParseIPOnly returns the client address of a line without parsing the rest
func ParseIPOnly(line string) (string, error) {
	line = strings.TrimSpace(line)
	first, _, _ := strings.Cut(line, " ")

	addr, err := netip.ParseAddr(first)
	if err != nil {
		return "", fmt.Errorf("%w: invalid client address %q", ErrMalformed, first)
	}
	return addr.String(), nil
}

// ParseTimestamp reads a combined timestamp, with or without brackets and
// with an optional fractional second.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(value), "["), "]")

	if ts, err := time.Parse(TimestampLayout, value); err == nil {
		return ts, nil
	}

	normalized := colonFractionRegexp.ReplaceAllString(value, "$1.$2$3")
	ts, err := time.Parse(fractionalTimestampLayout, normalized)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
	}
	return ts, nil
}

// ParseExtras reads the trailing key=value attributes of a line.
//
// Values of "-", "ZZ" and "?" are treated as absent. Country and region
// codes are upper-cased and city names title-cased.
func ParseExtras(tail string) map[string]string {
	extras := map[string]string{}

	for _, m := range extraRegexp.FindAllStringSubmatch(tail, -1) {
		key := m[1]
		value := m[2]
		if value == "" {
			value = m[3]
		}
		value = clean(value)

		if value == "" || value == "ZZ" || value == "?" {
			continue
		}

		switch key {
		case "country", "region":
			value = strings.ToUpper(value)
		case "city":
			value = titleCase(value)
		}

		extras[key] = value
	}

	return extras
}

// Domain returns the lower-cased host of a URL without a leading "www."
func Domain(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func clean(value string) string {
	value = strings.Trim(value, `" `)
	if value == "-" {
		return ""
	}
	return strings.ReplaceAll(value, DoubleQuoteMarker, `"`)
}

func splitRequest(request string) (method, uri, query, protocol string) {
	parts := strings.Fields(request)
	if len(parts) > 0 {
		method = parts[0]
	}
	if len(parts) > 1 {
		uri = parts[1]
		if before, after, found := strings.Cut(uri, "?"); found {
			uri = before
			query = after
		}
	}
	if len(parts) > 2 {
		protocol = parts[2]
	}
	return method, uri, query, protocol
}

func splitLatLong(value string) (*float64, *float64) {
	latStr, longStr, found := strings.Cut(value, ",")
	if !found {
		return nil, nil
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return nil, nil
	}
	long, err := strconv.ParseFloat(strings.TrimSpace(longStr), 64)
	if err != nil {
		return nil, nil
	}
	return &lat, &long
}

func titleCase(value string) string {
	words := strings.Fields(strings.ToLower(value))
	for i, word := range words {
		r, size := utf8.DecodeRuneInString(word)
		words[i] = string(unicode.ToUpper(r)) + word[size:]
	}
	return strings.Join(words, " ")
}
