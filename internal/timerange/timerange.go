package timerange

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrBadClock    = errors.New("time must be HH:MM on a 24-hour clock")
	ErrBadInterval = errors.New("interval end must be after its start")
	ErrBadDate     = errors.New("date must be YYYY-MM-DD")
)

const minutesPerDay = 24 * 60

// Interval is a half-open [Start, End) slice of a single day, in minutes
// from midnight. Storing minutes keeps overlap checks integer comparisons
// both here and in SQL.
type Interval struct {
	Start int
	End   int
}

// ParseClock parses a wall-clock string like "09:30" into minutes from
// midnight. The format is strict: exactly HH:MM, digits only.
func ParseClock(s string) (int, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("%w: %q", ErrBadClock, s)
	}
	for _, i := range [4]int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("%w: %q", ErrBadClock, s)
		}
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h > 23 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrBadClock, s)
	}
	return h*60 + m, nil
}

// ParseInterval builds an Interval from two clock strings and validates
// that it is non-empty and stays within one day.
func ParseInterval(start, end string) (Interval, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Interval{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return Interval{}, err
	}
	iv := Interval{Start: s, End: e}
	if err := iv.Validate(); err != nil {
		return Interval{}, err
	}
	return iv, nil
}

// ParseDate parses a calendar day like "2024-03-15" into midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadDate, s)
	}
	return t, nil
}

func (iv Interval) Validate() error {
	if iv.Start < 0 || iv.End > minutesPerDay || iv.End <= iv.Start {
		return fmt.Errorf("%w: [%s, %s)", ErrBadInterval, iv.StartClock(), iv.EndClock())
	}
	return nil
}

// Overlaps reports whether two half-open intervals share any minute.
// Back-to-back intervals (one ends at 09:30, the next starts at 09:30)
// do not overlap.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start < other.End && other.Start < iv.End
}

func (iv Interval) Duration() time.Duration {
	return time.Duration(iv.End-iv.Start) * time.Minute
}

// StartTime combines a calendar day with the interval's start into a
// single instant. Derived on read, never persisted.
func (iv Interval) StartTime(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, iv.Start/60, iv.Start%60, 0, 0, date.Location())
}

// EndTime is the instant the interval ends (exclusive bound).
func (iv Interval) EndTime(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, iv.End/60, iv.End%60, 0, 0, date.Location())
}

func (iv Interval) StartClock() string { return clock(iv.Start) }

func (iv Interval) EndClock() string { return clock(iv.End) }

func (iv Interval) String() string {
	return iv.StartClock() + "-" + iv.EndClock()
}

func clock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
