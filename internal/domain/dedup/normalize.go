package dedup

import (
	"strings"
	"time"
)

// NormalizeNationalID reduces a national ID to its digits, in order. Dashes,
// spaces and any other characters are dropped. Arabic-Indic digits are read
// as their ASCII equivalents. The result may be empty; callers must not treat
// an empty key as a match.
func NormalizeNationalID(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= '٠' && r <= '٩':
			b.WriteRune('0' + (r - '٠'))
		case r >= '۰' && r <= '۹':
			b.WriteRune('0' + (r - '۰'))
		}
	}
	return b.String()
}

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// minuteOfDay returns the scheduled time as minutes after midnight, or -1
// when unset.
func minuteOfDay(t *time.Time, loc *time.Location) int {
	if t == nil {
		return -1
	}
	lt := t.In(loc)
	return lt.Hour()*60 + lt.Minute()
}
