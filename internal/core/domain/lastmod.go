package domain

import (
	"strings"
	"time"
)

// Layouts accepted for lastmod values. Comparison happens at second precision.
var lastmodLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"20060102T150405Z",
	"20060102T150405",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// FormatLastmod renders t in the canonical lastmod layout.
func FormatLastmod(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// ParseLastmod parses a lastmod value, truncated to the second in UTC.
func ParseLastmod(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range lastmodLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Second), true
		}
	}
	return time.Time{}, false
}

// CompareLastmod returns -1, 0 or +1 as a is earlier than, equal to or later than b.
// Values that do not parse are compared on their first 14 digits.
func CompareLastmod(a, b string) int {
	ta, okA := ParseLastmod(a)
	tb, okB := ParseLastmod(b)
	if okA && okB {
		return ta.Compare(tb)
	}
	da, db := lastmodDigits(a), lastmodDigits(b)
	return strings.Compare(da, db)
}

// lastmodDigits keeps yyyymmddhhmmss from any separator layout.
func lastmodDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			if b.Len() == 14 {
				break
			}
		}
	}
	return b.String()
}
