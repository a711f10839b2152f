package extractor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// dateExpr matches the date spellings found in timelines: day-first numeric
// (19/12/2016, 19.12.16), "19th December 2016" and "December 19, 2016".
const dateExpr = `(\d{1,2}[./-]\d{1,2}[./-]\d{2,4}` +
	`|\d{1,2}(?:st|nd|rd|th)?\s+(?:of\s+)?[A-Za-z]{3,9}\.?,?\s+\d{4}` +
	`|[A-Za-z]{3,9}\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4})`

// labelSep is what may sit between a label and its value on the same line.
const labelSep = `[^\S\n]*[:\-–=]?[^\S\n]*(?:on[^\S\n]+)?`

var (
	earliestDate   = time.Date(2010, time.January, 1, 0, 0, 0, 0, time.UTC)
	futureLeeway   = 30 * 24 * time.Hour
	numericDate    = regexp.MustCompile(`^(\d{1,2})[./-](\d{1,2})[./-](\d{2,4})$`)
	dayMonthYear   = regexp.MustCompile(`^(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?([A-Za-z]{3,9})\.?,?\s+(\d{4})$`)
	monthDayYear   = regexp.MustCompile(`^([A-Za-z]{3,9})\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})$`)
	monthsByPrefix = map[string]time.Month{
		"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
		"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
		"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
	}
)

// parseDate parses one captured date string. Numeric dates are always read
// day first.
func parseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if m := numericDate.FindStringSubmatch(s); m != nil {
		return buildDate(m[3], m[2], m[1])
	}
	if m := dayMonthYear.FindStringSubmatch(s); m != nil {
		month, ok := lookupMonth(m[2])
		if !ok {
			return time.Time{}, fmt.Errorf("unknown month %q", m[2])
		}
		return buildDate(m[3], strconv.Itoa(int(month)), m[1])
	}
	if m := monthDayYear.FindStringSubmatch(s); m != nil {
		month, ok := lookupMonth(m[1])
		if !ok {
			return time.Time{}, fmt.Errorf("unknown month %q", m[1])
		}
		return buildDate(m[3], strconv.Itoa(int(month)), m[2])
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", raw)
}

func lookupMonth(name string) (time.Month, bool) {
	lower := strings.ToLower(name)
	if len(lower) < 3 {
		return 0, false
	}
	month, ok := monthsByPrefix[lower[:3]]
	return month, ok
}

func buildDate(yearStr, monthStr, dayStr string) (time.Time, error) {
	year, err := strconv.Atoi(yearStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse year: %w", err)
	}
	switch {
	case len(yearStr) == 2:
		year += 2000
	case len(yearStr) != 4:
		return time.Time{}, fmt.Errorf("ambiguous year %q", yearStr)
	}
	month, err := strconv.Atoi(monthStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse month: %w", err)
	}
	day, err := strconv.Atoi(dayStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse day: %w", err)
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("invalid day-first date %s/%s/%s", dayStr, monthStr, yearStr)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, fmt.Errorf("no such date %s/%s/%s", dayStr, monthStr, yearStr)
	}
	return t, nil
}

// plausible rejects dates before 2010 or more than 30 days after now.
func plausible(t, now time.Time) bool {
	if t.Before(earliestDate) {
		return false
	}
	return !t.After(now.Add(futureLeeway))
}

// daysBetween counts whole calendar days from a to b.
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}
