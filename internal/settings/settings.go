// Package settings holds the business rules the notifier evaluates on every
// tick. Settings are loaded from a YAML or JSON file and published as
// immutable snapshots.
package settings

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/triage-notifier/internal/calendar"
)

// Messages holds the outbound bodies per message type. "{name}" is replaced
// with the patient's display name.
type Messages struct {
	ThirtyMinute string `json:"thirty_minute"`
	EndOfDay     string `json:"end_of_day"`
}

// Settings is the on-disk shape of the settings file.
type Settings struct {
	MinWaitMinutes      int                    `json:"min_wait_minutes"`
	MaxWaitMinutes      int                    `json:"max_wait_minutes"`
	EndOfDayCutoff      string                 `json:"end_of_day_cutoff"`
	Timezone            string                 `json:"timezone"`
	BusinessHours       calendar.BusinessHours `json:"business_hours"`
	IgnoreBusinessHours bool                   `json:"ignore_business_hours"`
	ExcludedSectors     []string               `json:"excluded_sectors,omitempty"`
	ExcludedChannels    []string               `json:"excluded_channels,omitempty"`
	Paused              bool                   `json:"paused"`
	PauseEndOfDay       bool                   `json:"pause_end_of_day"`
	Messages            Messages               `json:"messages"`
}

// Defaults returns the settings used when a field is left empty.
func Defaults() Settings {
	return Settings{
		MinWaitMinutes:      30,
		MaxWaitMinutes:      60,
		EndOfDayCutoff:      "18:00",
		Timezone:            "UTC",
		IgnoreBusinessHours: true,
		Messages: Messages{
			ThirtyMinute: "Hi {name}, thanks for waiting. Our team will be with you shortly.",
			EndOfDay:     "Hi {name}, our team has finished for today. We will pick up your conversation on the next business day.",
		},
	}
}

func (s *Settings) applyDefaults() {
	def := Defaults()
	if s.MinWaitMinutes == 0 {
		s.MinWaitMinutes = def.MinWaitMinutes
	}
	if s.MaxWaitMinutes == 0 {
		s.MaxWaitMinutes = def.MaxWaitMinutes
	}
	if strings.TrimSpace(s.EndOfDayCutoff) == "" {
		s.EndOfDayCutoff = def.EndOfDayCutoff
	}
	if strings.TrimSpace(s.Timezone) == "" {
		s.Timezone = def.Timezone
	}
	if strings.TrimSpace(s.Messages.ThirtyMinute) == "" {
		s.Messages.ThirtyMinute = def.Messages.ThirtyMinute
	}
	if strings.TrimSpace(s.Messages.EndOfDay) == "" {
		s.Messages.EndOfDay = def.Messages.EndOfDay
	}
}

// Validate checks the wait window. Calendar fields are checked by Compile.
func (s Settings) Validate() error {
	if s.MinWaitMinutes <= 0 {
		return errors.New("settings: min_wait_minutes must be positive")
	}
	if s.MaxWaitMinutes < s.MinWaitMinutes {
		return fmt.Errorf("settings: max_wait_minutes (%d) is below min_wait_minutes (%d)", s.MaxWaitMinutes, s.MinWaitMinutes)
	}
	return nil
}

// Snapshot is a validated, immutable view of Settings. One tick reads exactly
// one snapshot.
type Snapshot struct {
	Settings Settings
	Calendar *calendar.Calendar
	MinWait  time.Duration
	MaxWait  time.Duration
	LoadedAt time.Time

	excludedSectors  map[string]struct{}
	excludedChannels map[string]struct{}
}

// Compile applies defaults, validates and builds a Snapshot.
func Compile(s Settings, loadedAt time.Time) (*Snapshot, error) {
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	cal, err := calendar.New(s.Timezone, s.EndOfDayCutoff, s.BusinessHours)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	return &Snapshot{
		Settings:         s,
		Calendar:         cal,
		MinWait:          time.Duration(s.MinWaitMinutes) * time.Minute,
		MaxWait:          time.Duration(s.MaxWaitMinutes) * time.Minute,
		LoadedAt:         loadedAt,
		excludedSectors:  toSet(s.ExcludedSectors),
		excludedChannels: toSet(s.ExcludedChannels),
	}, nil
}

// MustCompile is Compile for static settings known to be valid.
func MustCompile(s Settings) *Snapshot {
	snap, err := Compile(s, time.Now())
	if err != nil {
		panic(err)
	}
	return snap
}

// Excluded reports whether the sector or channel is opted out of automatic
// messages.
func (s *Snapshot) Excluded(sectorID, channelID string) bool {
	if _, ok := s.excludedSectors[strings.TrimSpace(sectorID)]; ok && sectorID != "" {
		return true
	}
	if _, ok := s.excludedChannels[strings.TrimSpace(channelID)]; ok && channelID != "" {
		return true
	}
	return false
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out[trimmed] = struct{}{}
		}
	}
	return out
}
