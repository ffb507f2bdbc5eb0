// Package dates normalizes the date strings that appear in task lines and
// gateway payloads to the canonical YYYY-MM-DD form.
package dates

import (
	"fmt"
	"strings"
	"time"
)

// Canonical is the layout every stored date uses.
const Canonical = "2006-01-02"

// layouts accepted on input, tried in order. The canonical layout comes
// first since it is by far the most common.
var layouts = []string{
	Canonical,
	"2006/01/02",
	"2006.01.02",
	"01/02/2006",
	"Jan 2, 2006",
	"2 Jan 2006",
	time.RFC3339,
}

// Normalize parses s and returns it in canonical form. Whitespace is
// trimmed. An empty input returns an empty string with no error.
func Normalize(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(Canonical), nil
		}
	}
	return "", fmt.Errorf("unrecognized date %q", s)
}

// Valid reports whether s is already a canonical date.
func Valid(s string) bool {
	_, err := time.Parse(Canonical, s)
	return err == nil
}

// FromComponents builds a canonical date from year/month/day components.
// Zero or out-of-range components return an empty string.
func FromComponents(year, month, day int) string {
	if year == 0 || month < 1 || month > 12 || day < 1 || day > 31 {
		return ""
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes overflow (e.g. Feb 30 becomes Mar 2); reject
	// inputs that did not survive the round trip.
	if t.Day() != day || int(t.Month()) != month {
		return ""
	}
	return t.Format(Canonical)
}

// Components splits a canonical date into year/month/day. Returns zeros
// for an empty or malformed input.
func Components(s string) (year, month, day int) {
	t, err := time.Parse(Canonical, s)
	if err != nil {
		return 0, 0, 0
	}
	return t.Year(), int(t.Month()), t.Day()
}

// DaysBetween returns the absolute distance in whole days between two
// canonical dates. Either input being empty or malformed returns -1.
func DaysBetween(a, b string) int {
	ta, errA := time.Parse(Canonical, a)
	tb, errB := time.Parse(Canonical, b)
	if errA != nil || errB != nil {
		return -1
	}
	d := int(ta.Sub(tb).Hours() / 24)
	if d < 0 {
		d = -d
	}
	return d
}

// AddDays shifts a canonical date by n days (n may be negative).
func AddDays(s string, n int) (string, error) {
	t, err := time.Parse(Canonical, s)
	if err != nil {
		return "", fmt.Errorf("unrecognized date %q", s)
	}
	return t.AddDate(0, 0, n).Format(Canonical), nil
}

// Today returns the canonical date for the supplied clock time.
func Today(now time.Time) string {
	return now.Format(Canonical)
}
