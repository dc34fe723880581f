// Package calendar answers business-hours and end-of-day questions in the
// clinic's configured timezone.
package calendar

import (
	"fmt"
	"strings"
	"time"
)

// DayLayout is the layout used for calendar-day buckets.
const DayLayout = "2006-01-02"

// DayHours represents the opening hours for a single day.
// Nil means the clinic is closed that day.
type DayHours struct {
	Open  string `json:"open"`  // "09:00" in 24-hour format
	Close string `json:"close"` // "18:00" in 24-hour format
}

// BusinessHours maps day names to their hours.
type BusinessHours struct {
	Monday    *DayHours `json:"monday,omitempty"`
	Tuesday   *DayHours `json:"tuesday,omitempty"`
	Wednesday *DayHours `json:"wednesday,omitempty"`
	Thursday  *DayHours `json:"thursday,omitempty"`
	Friday    *DayHours `json:"friday,omitempty"`
	Saturday  *DayHours `json:"saturday,omitempty"`
	Sunday    *DayHours `json:"sunday,omitempty"`
}

// GetHoursForDay returns the hours for a given weekday.
func (b *BusinessHours) GetHoursForDay(weekday time.Weekday) *DayHours {
	switch weekday {
	case time.Sunday:
		return b.Sunday
	case time.Monday:
		return b.Monday
	case time.Tuesday:
		return b.Tuesday
	case time.Wednesday:
		return b.Wednesday
	case time.Thursday:
		return b.Thursday
	case time.Friday:
		return b.Friday
	case time.Saturday:
		return b.Saturday
	default:
		return nil
	}
}

// HasAnyHours returns true if at least one day has business hours configured.
func (b *BusinessHours) HasAnyHours() bool {
	return b.Sunday != nil || b.Monday != nil || b.Tuesday != nil ||
		b.Wednesday != nil || b.Thursday != nil || b.Friday != nil || b.Saturday != nil
}

// Validate checks every configured day parses and opens before it closes.
func (b *BusinessHours) Validate() error {
	for d := time.Sunday; d <= time.Saturday; d++ {
		h := b.GetHoursForDay(d)
		if h == nil {
			continue
		}
		open, err := ParseClock(h.Open)
		if err != nil {
			return fmt.Errorf("calendar: %s open: %w", strings.ToLower(d.String()), err)
		}
		closeAt, err := ParseClock(h.Close)
		if err != nil {
			return fmt.Errorf("calendar: %s close: %w", strings.ToLower(d.String()), err)
		}
		if closeAt <= open {
			return fmt.Errorf("calendar: %s closes before it opens", strings.ToLower(d.String()))
		}
	}
	return nil
}

// Clock is a wall-clock time of day expressed in minutes after midnight.
type Clock int

// ParseClock parses "HH:MM" (24-hour).
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return Clock(t.Hour()*60 + t.Minute()), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// Calendar is an immutable view of the clinic's day: timezone, business hours
// and the end-of-day cutoff.
type Calendar struct {
	loc    *time.Location
	cutoff Clock
	hours  BusinessHours
}

// New builds a Calendar. An empty timezone means UTC.
func New(timezone string, cutoff string, hours BusinessHours) (*Calendar, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("calendar: load timezone %q: %w", tz, err)
		}
		loc = l
	}
	c, err := ParseClock(cutoff)
	if err != nil {
		return nil, fmt.Errorf("calendar: cutoff: %w", err)
	}
	if err := hours.Validate(); err != nil {
		return nil, err
	}
	return &Calendar{loc: loc, cutoff: c, hours: hours}, nil
}

// Location returns the calendar's timezone.
func (c *Calendar) Location() *time.Location { return c.loc }

// Cutoff returns the end-of-day cutoff time of day.
func (c *Calendar) Cutoff() Clock { return c.cutoff }

// Day returns the calendar-day bucket of t in the calendar's timezone.
func (c *Calendar) Day(t time.Time) string {
	return t.In(c.loc).Format(DayLayout)
}

// CutoffOn returns the cutoff instant on the calendar day containing t.
func (c *Calendar) CutoffOn(t time.Time) time.Time {
	local := t.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), int(c.cutoff)/60, int(c.cutoff)%60, 0, 0, c.loc)
}

// CutoffPassed reports whether now is at or after the cutoff of its own day.
func (c *Calendar) CutoffPassed(now time.Time) bool {
	return !now.Before(c.CutoffOn(now))
}

// CutoffPassedSince reports whether now is at or after the cutoff of the
// calendar day containing since.
func (c *Calendar) CutoffPassedSince(since, now time.Time) bool {
	return !now.Before(c.CutoffOn(since))
}

// IsOpenAt checks if the clinic is open at the given time.
// If no business hours are configured, the clinic is treated as always open.
func (c *Calendar) IsOpenAt(t time.Time) bool {
	local := t.In(c.loc)

	hours := c.hours.GetHoursForDay(local.Weekday())
	if hours == nil {
		return !c.hours.HasAnyHours()
	}

	open, err := ParseClock(hours.Open)
	if err != nil {
		return false
	}
	closeAt, err := ParseClock(hours.Close)
	if err != nil {
		return false
	}

	current := Clock(local.Hour()*60 + local.Minute())
	return current >= open && current < closeAt
}
