package timerange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"09:30", 570, false},
		{"23:59", 1439, false},
		{"24:00", 0, true},
		{"9:30", 0, true},
		{"09:60", 0, true},
		{"0930", 0, true},
		{"09:3a", 0, true},
		{"0a:30", 0, true},
		{"-9:30", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrBadClock, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestParseInterval(t *testing.T) {
	iv, err := ParseInterval("09:00", "09:30")
	require.NoError(t, err)
	assert.Equal(t, Interval{Start: 540, End: 570}, iv)
	assert.Equal(t, 30*time.Minute, iv.Duration())
	assert.Equal(t, "09:00-09:30", iv.String())

	_, err = ParseInterval("09:30", "09:30")
	assert.ErrorIs(t, err, ErrBadInterval)

	_, err = ParseInterval("10:00", "09:00")
	assert.ErrorIs(t, err, ErrBadInterval)
}

func TestOverlapsHalfOpen(t *testing.T) {
	base := Interval{Start: 540, End: 570} // 09:00-09:30
	tests := []struct {
		name  string
		other Interval
		want  bool
	}{
		{"identical", Interval{540, 570}, true},
		{"contained", Interval{550, 560}, true},
		{"straddles start", Interval{530, 550}, true},
		{"straddles end", Interval{560, 580}, true},
		{"back to back after", Interval{570, 600}, false},
		{"back to back before", Interval{510, 540}, false},
		{"disjoint", Interval{600, 630}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, base.Overlaps(tt.other))
			assert.Equal(t, tt.want, tt.other.Overlaps(base), "overlap must be symmetric")
		})
	}
}

func TestStartTimeCombinesDateAndClock(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	date, err := ParseDate("2024-03-15", loc)
	require.NoError(t, err)

	iv := Interval{Start: 570, End: 600}
	start := iv.StartTime(date)
	assert.Equal(t, time.Date(2024, 3, 15, 9, 30, 0, 0, loc), start)
	assert.Equal(t, time.Date(2024, 3, 15, 10, 0, 0, 0, loc), iv.EndTime(date))
}

func TestParseDateRejectsGarbage(t *testing.T) {
	_, err := ParseDate("15/03/2024", time.UTC)
	assert.ErrorIs(t, err, ErrBadDate)
}
