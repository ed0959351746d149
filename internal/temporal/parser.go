// Package temporal extracts date ranges from natural-language query text.
// It recognizes relative phrases ("last 3 months", "in the past week",
// "yesterday"), absolute ranges ("between June and August"), and open-ended
// "since X" phrases, emitting inclusive UTC day-bounded filters.
package temporal

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"emr-query-engine/pkg/types"
)

// Parser extracts temporal filters from query text
type Parser struct {
	now func() time.Time

	relativeN   *regexp.Regexp
	relativeOne *regexp.Regexp
	yesterday   *regexp.Regexp
	today       *regexp.Regexp
	between     *regexp.Regexp
	since       *regexp.Regexp
	monthOnly   *regexp.Regexp
	isoDate     *regexp.Regexp
}

var monthNames = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June, "july": time.July,
	"august": time.August, "september": time.September, "october": time.October,
	"november": time.November, "december": time.December,
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"jun": time.June, "jul": time.July, "aug": time.August, "sep": time.September,
	"sept": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

const monthPattern = `january|february|march|april|may|june|july|august|september|october|november|december|jan|feb|mar|apr|jun|jul|aug|sept|sep|oct|nov|dec`

// NewParser creates a parser using the real clock
func NewParser() *Parser {
	return NewParserWithClock(time.Now)
}

// NewParserWithClock creates a parser with an injected clock for tests
func NewParserWithClock(now func() time.Time) *Parser {
	return &Parser{
		now:         now,
		relativeN:   regexp.MustCompile(`(?i)\b(?:in\s+the\s+|over\s+the\s+|during\s+the\s+)?(?:last|past|previous)\s+(\d+)\s+(day|week|month|year)s?\b`),
		relativeOne: regexp.MustCompile(`(?i)\b(?:in\s+the\s+|over\s+the\s+|during\s+the\s+)?(?:last|past)\s+(day|week|month|year)\b`),
		yesterday:   regexp.MustCompile(`(?i)\byesterday\b`),
		today:       regexp.MustCompile(`(?i)\btoday\b`),
		between:     regexp.MustCompile(`(?i)\bbetween\s+(` + monthPattern + `)\s+and\s+(` + monthPattern + `)\b`),
		since:       regexp.MustCompile(`(?i)\bsince\s+((?:` + monthPattern + `)(?:\s+\d{4})?|\d{4}-\d{2}-\d{2}|\d{4})\b`),
		monthOnly:   regexp.MustCompile(`(?i)\bin\s+(` + monthPattern + `)\b`),
		isoDate:     regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`),
	}
}

type match struct {
	pos    int
	filter *types.TemporalFilter
}

// Parse returns the first temporal filter found in the query, or nil when
// the query contains no temporal phrase.
func (p *Parser) Parse(query string) *types.TemporalFilter {
	matches := p.collect(query)
	if len(matches) == 0 {
		return nil
	}
	return matches[0].filter
}

// ParseAll returns every temporal filter found, in order of appearance
func (p *Parser) ParseAll(query string) []*types.TemporalFilter {
	matches := p.collect(query)
	filters := make([]*types.TemporalFilter, 0, len(matches))
	for _, m := range matches {
		filters = append(filters, m.filter)
	}
	return filters
}

func (p *Parser) collect(query string) []match {
	now := p.now().UTC()
	var matches []match

	for _, loc := range p.relativeN.FindAllStringSubmatchIndex(query, -1) {
		amount, _ := strconv.Atoi(query[loc[2]:loc[3]])
		unit := strings.ToLower(query[loc[4]:loc[5]])
		matches = append(matches, match{loc[0], p.relativeFilter(now, query[loc[0]:loc[1]], unit, amount)})
	}

	for _, loc := range p.relativeOne.FindAllStringSubmatchIndex(query, -1) {
		if overlaps(matches, loc[0]) {
			continue
		}
		unit := strings.ToLower(query[loc[2]:loc[3]])
		matches = append(matches, match{loc[0], p.relativeFilter(now, query[loc[0]:loc[1]], unit, 1)})
	}

	for _, loc := range p.yesterday.FindAllStringIndex(query, -1) {
		day := now.AddDate(0, 0, -1)
		matches = append(matches, match{loc[0], &types.TemporalFilter{
			DateFrom:      startOfDay(day),
			DateTo:        endOfDay(day),
			TimeReference: query[loc[0]:loc[1]],
			RelativeType:  "days",
			Amount:        1,
		}})
	}

	for _, loc := range p.today.FindAllStringIndex(query, -1) {
		matches = append(matches, match{loc[0], &types.TemporalFilter{
			DateFrom:      startOfDay(now),
			DateTo:        endOfDay(now),
			TimeReference: query[loc[0]:loc[1]],
		}})
	}

	for _, loc := range p.between.FindAllStringSubmatchIndex(query, -1) {
		from := p.resolveMonth(now, query[loc[2]:loc[3]])
		to := p.resolveMonth(now, query[loc[4]:loc[5]])
		if to.Before(from) {
			// "between November and February" crosses a year boundary
			to = to.AddDate(1, 0, 0)
		}
		matches = append(matches, match{loc[0], &types.TemporalFilter{
			DateFrom:      startOfDay(from),
			DateTo:        endOfDay(lastDayOfMonth(to)),
			TimeReference: query[loc[0]:loc[1]],
		}})
	}

	for _, loc := range p.since.FindAllStringSubmatchIndex(query, -1) {
		ref := query[loc[2]:loc[3]]
		from, ok := p.resolveSince(now, ref)
		if !ok {
			continue
		}
		matches = append(matches, match{loc[0], &types.TemporalFilter{
			DateFrom:      startOfDay(from),
			DateTo:        endOfDay(now),
			TimeReference: query[loc[0]:loc[1]],
		}})
	}

	for _, loc := range p.monthOnly.FindAllStringSubmatchIndex(query, -1) {
		if overlaps(matches, loc[0]) {
			continue
		}
		start := p.resolveMonth(now, query[loc[2]:loc[3]])
		matches = append(matches, match{loc[0], &types.TemporalFilter{
			DateFrom:      startOfDay(start),
			DateTo:        endOfDay(lastDayOfMonth(start)),
			TimeReference: query[loc[0]:loc[1]],
		}})
	}

	sortByPos(matches)
	return matches
}

func (p *Parser) relativeFilter(now time.Time, reference, unit string, amount int) *types.TemporalFilter {
	var from time.Time
	var relType string
	switch unit {
	case "day":
		from = now.AddDate(0, 0, -amount)
		relType = "days"
	case "week":
		from = now.AddDate(0, 0, -7*amount)
		relType = "weeks"
	case "month":
		from = now.AddDate(0, -amount, 0)
		relType = "months"
	case "year":
		from = now.AddDate(-amount, 0, 0)
		relType = "years"
	}
	return &types.TemporalFilter{
		DateFrom:      startOfDay(from),
		DateTo:        endOfDay(now),
		TimeReference: reference,
		RelativeType:  relType,
		Amount:        amount,
	}
}

// resolveMonth maps a bare month name to the first day of that month in the
// current year, or the previous year when the current instance is in the
// future.
func (p *Parser) resolveMonth(now time.Time, name string) time.Time {
	m, ok := monthNames[strings.ToLower(name)]
	if !ok {
		return now
	}
	candidate := time.Date(now.Year(), m, 1, 0, 0, 0, 0, time.UTC)
	if candidate.After(now) {
		candidate = candidate.AddDate(-1, 0, 0)
	}
	return candidate
}

func (p *Parser) resolveSince(now time.Time, ref string) (time.Time, bool) {
	lower := strings.ToLower(strings.TrimSpace(ref))

	if sub := p.isoDate.FindStringSubmatch(lower); sub != nil {
		t, err := time.Parse("2006-01-02", sub[0])
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}

	if year, err := strconv.Atoi(lower); err == nil && year >= 1900 && year <= now.Year() {
		return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC), true
	}

	fields := strings.Fields(lower)
	if m, ok := monthNames[fields[0]]; ok {
		year := now.Year()
		if len(fields) == 2 {
			if y, err := strconv.Atoi(fields[1]); err == nil {
				year = y
			}
		}
		candidate := time.Date(year, m, 1, 0, 0, 0, 0, time.UTC)
		if candidate.After(now) {
			candidate = candidate.AddDate(-1, 0, 0)
		}
		return candidate, true
	}

	return time.Time{}, false
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999_000_000, time.UTC)
}

func lastDayOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1)
}

func overlaps(matches []match, pos int) bool {
	for _, m := range matches {
		if m.pos == pos {
			return true
		}
	}
	return false
}

func sortByPos(matches []match) {
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].pos < matches[j-1].pos; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
}
