// Package queue reads the chat-triage waiting queue.
package queue

import (
	"context"
	"time"
)

// WaitingPatient is one conversation waiting for a human in triage. ID is
// stable for a waiting episode; a changed WaitStartedAt marks a new episode.
type WaitingPatient struct {
	ID            string    `json:"id"`
	SectorID      string    `json:"sector_id,omitempty"`
	ChannelID     string    `json:"channel_id,omitempty"`
	Contact       string    `json:"contact"`
	DisplayName   string    `json:"display_name,omitempty"`
	WaitStartedAt time.Time `json:"wait_started_at"`
}

// WaitDuration returns how long the patient has been waiting at now.
// Clock skew that puts WaitStartedAt in the future yields zero.
func (p WaitingPatient) WaitDuration(now time.Time) time.Duration {
	d := now.Sub(p.WaitStartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Source returns the patients currently waiting.
type Source interface {
	ListWaiting(ctx context.Context) ([]WaitingPatient, error)
}
