package types

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// DateLayout is the calendar date format used by rule time conditions
const DateLayout = "2006-01-02"

// ParseClock parses an "HH:MM" time of day into minutes after midnight
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ParseDate parses a "YYYY-MM-DD" date in the given location
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return t, nil
}

// MinuteOfDay returns minutes after midnight for t in its own location
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
