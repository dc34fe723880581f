package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weekdayHours() BusinessHours {
	return BusinessHours{
		Monday:    &DayHours{Open: "08:00", Close: "18:00"},
		Tuesday:   &DayHours{Open: "08:00", Close: "18:00"},
		Wednesday: &DayHours{Open: "08:00", Close: "18:00"},
		Thursday:  &DayHours{Open: "08:00", Close: "18:00"},
		Friday:    &DayHours{Open: "08:00", Close: "17:00"},
	}
}

func TestIsOpenAt(t *testing.T) {
	cal, err := New("America/Sao_Paulo", "18:00", weekdayHours())
	require.NoError(t, err)
	loc := cal.Location()

	assert.True(t, cal.IsOpenAt(time.Date(2025, 12, 8, 10, 0, 0, 0, loc)), "monday 10:00")
	assert.False(t, cal.IsOpenAt(time.Date(2025, 12, 8, 7, 59, 0, 0, loc)), "monday before open")
	assert.False(t, cal.IsOpenAt(time.Date(2025, 12, 8, 18, 0, 0, 0, loc)), "monday at close")
	assert.False(t, cal.IsOpenAt(time.Date(2025, 12, 13, 10, 0, 0, 0, loc)), "saturday")
	assert.False(t, cal.IsOpenAt(time.Date(2025, 12, 12, 17, 30, 0, 0, loc)), "friday after early close")
}

func TestIsOpenAtWithoutHoursIsAlwaysOpen(t *testing.T) {
	cal, err := New("UTC", "18:00", BusinessHours{})
	require.NoError(t, err)
	assert.True(t, cal.IsOpenAt(time.Date(2025, 12, 14, 3, 0, 0, 0, time.UTC)))
}

func TestIsOpenAtConvertsTimezone(t *testing.T) {
	cal, err := New("America/Sao_Paulo", "18:00", weekdayHours())
	require.NoError(t, err)
	// 12:00 UTC is 09:00 in Sao Paulo (UTC-3).
	assert.True(t, cal.IsOpenAt(time.Date(2025, 12, 8, 12, 0, 0, 0, time.UTC)))
	// 10:00 UTC is 07:00 local.
	assert.False(t, cal.IsOpenAt(time.Date(2025, 12, 8, 10, 0, 0, 0, time.UTC)))
}

func TestCutoff(t *testing.T) {
	cal, err := New("UTC", "18:00", BusinessHours{})
	require.NoError(t, err)

	before := time.Date(2025, 12, 8, 17, 59, 0, 0, time.UTC)
	at := time.Date(2025, 12, 8, 18, 0, 0, 0, time.UTC)
	assert.False(t, cal.CutoffPassed(before))
	assert.True(t, cal.CutoffPassed(at))
	assert.Equal(t, at, cal.CutoffOn(before))

	yesterday := time.Date(2025, 12, 7, 23, 0, 0, 0, time.UTC)
	assert.True(t, cal.CutoffPassedSince(yesterday, before), "yesterday's cutoff has passed")
	assert.False(t, cal.CutoffPassedSince(before, before))
}

func TestDayUsesCalendarTimezone(t *testing.T) {
	cal, err := New("America/Sao_Paulo", "18:00", BusinessHours{})
	require.NoError(t, err)
	// 01:30 UTC on the 9th is still the 8th in Sao Paulo.
	assert.Equal(t, "2025-12-08", cal.Day(time.Date(2025, 12, 9, 1, 30, 0, 0, time.UTC)))
}

func TestNewValidation(t *testing.T) {
	_, err := New("Mars/Olympus", "18:00", BusinessHours{})
	assert.Error(t, err)

	_, err = New("UTC", "6pm", BusinessHours{})
	assert.Error(t, err)

	_, err = New("UTC", "18:00", BusinessHours{Monday: &DayHours{Open: "18:00", Close: "08:00"}})
	assert.Error(t, err)

	_, err = New("UTC", "18:00", BusinessHours{Tuesday: &DayHours{Open: "nine", Close: "18:00"}})
	assert.Error(t, err)
}

func TestClockString(t *testing.T) {
	c, err := ParseClock("07:05")
	require.NoError(t, err)
	assert.Equal(t, Clock(425), c)
	assert.Equal(t, "07:05", c.String())
}
