// Package query compiles the log search language into SQL filters.
//
// A query holds one clause per line (commas also separate clauses). Each
// clause is a keyword followed by values:
//
//	ip 203.0.113.9
//	include wp-login
//	exclude robots.txt
//	shun xmlrpc.php
//	date today
//	status not 200 304
//
// Queries are case-insensitive. In ip, include, exclude, shun and date
// clauses, characters outside letters, digits, whitespace and "-:;,.%"
// are removed before parsing. Field clauses keep their values as written
// since they are only ever bound as parameters. Unknown keywords and
// malformed clauses are ignored.
package query

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/scality/log-index/pkg/combined"
	"github.com/scality/log-index/pkg/store"
)

// IndexedField is the offset index field holding client addresses
const IndexedField = "ip"

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

var (
	disallowedRegexp = regexp.MustCompile(`[^\w\s\-:;,.%]`)
	dayRegexp        = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	monthRegexp      = regexp.MustCompile(`^\d{4}-\d{2}$`)
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindNumeric
	kindReverseDomain
)

type fieldSpec struct {
	keyword string
	column  string
	kind    fieldKind
}

// fields lists the column keywords in the order their predicates are emitted
var fields = []fieldSpec{
	{"source_file", "logs.source_file", kindString},
	{"host", "logs.host", kindString},
	{"uri", "logs.uri", kindString},
	{"query", "logs.query", kindString},
	{"status", "logs.statusCode", kindNumeric},
	{"method", "logs.method", kindString},
	{"agent", "logs.agent", kindString},
	{"agent_domain", "logs.agent_domain", kindString},
	{"classification", "logs.classification", kindString},
	{"country", "logs.country", kindString},
	{"region", "logs.region", kindString},
	{"city", "logs.city", kindString},
	{"cookie", "logs.cookie", kindString},
	{"referrer", "logs.referrer", kindString},
	{"referrer_domain", "logs.referrer_domain", kindString},
	{"reverse_domain", "logs.ip", kindReverseDomain},
}

// OffsetLookup finds the indexed lines carrying any of the given values
type OffsetLookup interface {
	LookupOffsets(ctx context.Context, field string, keys []string) ([]store.OffsetRef, error)
}

// Compiled is the result of compiling a query
type Compiled struct {
	// Where is a parameterized SQL boolean expression over the logs table
	Where  string
	Params []any
	// Dates are the hour stamps the IP fast path narrowed the search to
	Dates []string
	// Key identifies Where and Params; it names the cache table of the query
	Key string
}

// Compiler turns query text into a Compiled filter
type Compiler struct {
	offsets  OffsetLookup
	now      func() time.Time
	fastPath bool
}

// Option configures a Compiler
type Option func(*Compiler)

// WithClock sets the clock used to expand "today" and "yesterday"
func WithClock(now func() time.Time) Option {
	return func(c *Compiler) {
		c.now = now
	}
}

// WithoutFastPath makes ip clauses compile to a plain column filter
// instead of an offset index lookup.
func WithoutFastPath() Option {
	return func(c *Compiler) {
		c.fastPath = false
	}
}

// NewCompiler creates a compiler. offsets may be nil, in which case ip
// clauses always use the column filter.
func NewCompiler(offsets OffsetLookup, opts ...Option) *Compiler {
	c := &Compiler{
		offsets:  offsets,
		now:      time.Now,
		fastPath: offsets != nil,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.offsets == nil {
		c.fastPath = false
	}
	return c
}

// terms collects the values of a query grouped by keyword
type terms struct {
	ips      []string
	includes []string
	excludes []string
	shuns    []string
	dates    []string
	values   map[string][]string
	negated  map[string][]string
}

// filterKeywords are the clauses whose values are matched against the raw
// log line and are restricted to the sanitized character set
var filterKeywords = []string{"ip", "include", "exclude", "shun", "date"}

// Sanitize removes characters filter clauses do not use, lower-cases the
// text and turns commas into clause separators.
func Sanitize(text string) string {
	text = disallowedRegexp.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, ",", "\n")
	return strings.ToLower(text)
}

// Compile compiles query text. Compiling the same text against the same
// offset index always yields the same Where, Params and Key.
func (c *Compiler) Compile(ctx context.Context, text string) (Compiled, error) {
	t := c.collect(text)

	var (
		predicates []string
		params     []any
		compiled   Compiled
	)

	if len(t.dates) > 0 {
		p, args := dateRanges(t.dates)
		predicates = append(predicates, p)
		params = append(params, args...)
	}

	if len(t.ips) > 0 {
		p, args, dates, err := c.ipPredicate(ctx, t.ips)
		if err != nil {
			return Compiled{}, err
		}
		predicates = append(predicates, p...)
		params = append(params, args...)
		compiled.Dates = dates
	}

	if len(t.includes) > 0 {
		p, args := likeAny("logs.logline", t.includes)
		predicates = append(predicates, p)
		params = append(params, args...)
	}

	excludes := dedupe(append(slices.Clone(t.excludes), t.shuns...))
	if len(excludes) > 0 {
		p, args := likeAny("logs.logline", excludes)
		predicates = append(predicates, "NOT "+p)
		params = append(params, args...)
	}

	if len(t.shuns) > 0 {
		p, args := likeAny("logline", t.shuns)
		predicates = append(predicates,
			"logs.ip NOT IN (SELECT ip FROM logs WHERE ip IS NOT NULL AND "+p+")")
		params = append(params, args...)
	}

	for _, spec := range fields {
		if values := t.values[spec.keyword]; len(values) > 0 {
			if p, args := fieldPredicate(spec, values, false); p != "" {
				predicates = append(predicates, p)
				params = append(params, args...)
			}
		}
		if values := t.negated[spec.keyword]; len(values) > 0 {
			if p, args := fieldPredicate(spec, values, true); p != "" {
				predicates = append(predicates, p)
				params = append(params, args...)
			}
		}
	}

	if len(predicates) == 0 {
		predicates = []string{"1 = 1"}
	}

	compiled.Where = strings.Join(predicates, " AND ")
	compiled.Params = params
	compiled.Key = Key(compiled.Where, compiled.Params)
	return compiled, nil
}

// Key hashes a compiled filter and its parameters into a hex digest
func Key(where string, params []any) string {
	var b strings.Builder
	b.WriteString(where)
	for _, p := range params {
		b.WriteByte(0)
		fmt.Fprintf(&b, "%T:%v", p, p)
	}
	sum := xxh3.HashString128(b.String()).Bytes()
	return fmt.Sprintf("%x", sum[:])
}

func (c *Compiler) collect(text string) terms {
	t := terms{
		values:  map[string][]string{},
		negated: map[string][]string{},
	}

	for _, clause := range splitClauses(text) {
		words := strings.Fields(clause)
		if strict := strings.Fields(Sanitize(clause)); len(strict) > 0 && slices.Contains(filterKeywords, strict[0]) {
			words = strict
		}
		if len(words) < 2 {
			continue
		}
		keyword, values := words[0], words[1:]

		switch keyword {
		case "ip":
			for _, v := range values {
				if addr, err := netip.ParseAddr(v); err == nil {
					t.ips = append(t.ips, addr.String())
				}
			}
		case "include":
			t.includes = append(t.includes, strings.Join(values, " "))
		case "exclude":
			t.excludes = append(t.excludes, strings.Join(values, " "))
		case "shun":
			t.shuns = append(t.shuns, strings.Join(values, " "))
		case "date":
			for _, v := range values {
				if d := c.expandDate(v); d != "" {
					t.dates = append(t.dates, d)
				}
			}
		default:
			if !isField(keyword) {
				continue
			}
			target := t.values
			if values[0] == "not" {
				target = t.negated
				values = values[1:]
			}
			target[keyword] = append(target[keyword], values...)
		}
	}

	t.ips = dedupe(t.ips)
	t.includes = dedupe(t.includes)
	t.excludes = dedupe(t.excludes)
	t.shuns = dedupe(t.shuns)
	t.dates = dedupe(t.dates)
	return t
}

// splitClauses lower-cases text and splits it on newlines and commas
func splitClauses(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return r == '\n' || r == ','
	})
}

// expandDate resolves day macros in UTC, the zone of stored date stamps
func (c *Compiler) expandDate(value string) string {
	switch value {
	case "today":
		return c.now().UTC().Format(dayLayout)
	case "yesterday":
		return c.now().UTC().AddDate(0, 0, -1).Format(dayLayout)
	}
	if dayRegexp.MatchString(value) || monthRegexp.MatchString(value) {
		return value
	}
	return ""
}

// ipPredicate restricts the search to the lines the offset index knows
// for ips, or filters the ip column when the fast path is off.
func (c *Compiler) ipPredicate(ctx context.Context, ips []string) ([]string, []any, []string, error) {
	if !c.fastPath {
		return []string{"logs.ip IN (" + placeholders(len(ips)) + ")"}, toAny(ips), nil, nil
	}

	refs, err := c.offsets.LookupOffsets(ctx, IndexedField, ips)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to look up ip offsets: %w", err)
	}
	if len(refs) == 0 {
		return []string{"0 = 1"}, nil, nil, nil
	}

	byFile := map[string][]int64{}
	var dates []string
	for _, ref := range refs {
		byFile[ref.SourceFile] = append(byFile[ref.SourceFile], ref.SourceOffset)
		dates = append(dates, ref.Date)
	}
	slices.Sort(dates)
	dates = slices.Compact(dates)

	files := make([]string, 0, len(byFile))
	for f := range byFile {
		files = append(files, f)
	}
	slices.Sort(files)

	var (
		clauses []string
		params  []any
	)
	for _, f := range files {
		offsets := byFile[f]
		slices.Sort(offsets)
		offsets = slices.Compact(offsets)

		clauses = append(clauses,
			"(logs.source_file = ? AND logs.source_offset IN ("+placeholders(len(offsets))+"))")
		params = append(params, f)
		for _, o := range offsets {
			params = append(params, o)
		}
	}

	predicates := []string{
		"logs.datestamp IN (" + placeholders(len(dates)) + ")",
		"(" + strings.Join(clauses, " OR ") + ")",
	}
	return predicates, append(toAny(dates), params...), dates, nil
}

// dateRanges compiles day and month values to hour-stamp ranges
func dateRanges(dates []string) (string, []any) {
	var (
		clauses []string
		params  []any
	)
	for _, d := range dates {
		var start, end time.Time
		if day, err := time.Parse(dayLayout, d); err == nil {
			start, end = day, day
		} else if month, err := time.Parse(monthLayout, d); err == nil {
			start, end = month, month.AddDate(0, 1, -1)
		} else {
			continue
		}
		clauses = append(clauses, "logs.datestamp BETWEEN ? AND ?")
		params = append(params,
			start.Format(combined.DatestampLayout),
			end.Add(23*time.Hour).Format(combined.DatestampLayout))
	}
	if len(clauses) == 0 {
		return "0 = 1", nil
	}
	return "(" + strings.Join(clauses, " OR ") + ")", params
}

func fieldPredicate(spec fieldSpec, values []string, negated bool) (string, []any) {
	var (
		clauses []string
		params  []any
	)

	for _, v := range dedupe(values) {
		switch spec.kind {
		case kindNumeric:
			n, err := strconv.Atoi(v)
			if err != nil {
				continue
			}
			op := "="
			if negated {
				op = "<>"
			}
			clauses = append(clauses, spec.column+" "+op+" ?")
			params = append(params, n)
		case kindReverseDomain:
			clauses = append(clauses,
				"SELECT ip FROM reverse_ip WHERE reverse_domain "+matchOperator(v, false)+" ?")
			params = append(params, v)
		default:
			clauses = append(clauses, spec.column+" "+matchOperator(v, negated)+" ?"+collation(v))
			params = append(params, v)
		}
	}

	if len(clauses) == 0 {
		return "", nil
	}

	if spec.kind == kindReverseDomain {
		op := "IN"
		if negated {
			op = "NOT IN"
		}
		return spec.column + " " + op + " (" + strings.Join(clauses, " UNION ") + ")", params
	}

	joiner := " OR "
	if negated {
		joiner = " AND "
	}
	return "(" + strings.Join(clauses, joiner) + ")", params
}

func matchOperator(value string, negated bool) string {
	switch {
	case strings.Contains(value, "%") && negated:
		return "NOT LIKE"
	case strings.Contains(value, "%"):
		return "LIKE"
	case negated:
		return "<>"
	default:
		return "="
	}
}

// collation makes equality as case-insensitive as LIKE already is
func collation(value string) string {
	if strings.Contains(value, "%") {
		return ""
	}
	return " COLLATE NOCASE"
}

func likeAny(column string, values []string) (string, []any) {
	clauses := make([]string, 0, len(values))
	params := make([]any, 0, len(values))
	for _, v := range values {
		clauses = append(clauses, column+" LIKE ?")
		params = append(params, "%"+v+"%")
	}
	return "(" + strings.Join(clauses, " OR ") + ")", params
}

func isField(keyword string) bool {
	for _, spec := range fields {
		if spec.keyword == keyword {
			return true
		}
	}
	return false
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toAny(values []string) []any {
	result := make([]any, len(values))
	for i, v := range values {
		result[i] = v
	}
	return result
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	result := values[:0:0]
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}
