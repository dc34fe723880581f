// Package lifecycle tracks each waiting patient's episode: when it started,
// whether the patient is still waiting, and which messages it has received.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/triage-notifier/internal/eligibility"
	"github.com/wolfman30/triage-notifier/internal/queue"
)

// ErrNotFound is returned when no record exists for a patient.
var ErrNotFound = errors.New("lifecycle: patient not found")

// Status of a patient record.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusProcessed Status = "processed"
	// StatusRemoved is a tombstone: the record only remembers what was sent.
	StatusRemoved Status = "removed"
)

// Record is the persisted state for one patient.
type Record struct {
	PatientID       string          `json:"patient_id"`
	SectorID        string          `json:"sector_id,omitempty"`
	ChannelID       string          `json:"channel_id,omitempty"`
	WaitStartedAt   time.Time       `json:"wait_started_at"`
	FirstSeenAt     time.Time       `json:"first_seen_at"`
	LastSeenWaiting time.Time       `json:"last_seen_waiting"`
	Status          Status          `json:"status"`
	StatusChangedAt time.Time       `json:"status_changed_at"`
	SentTypes       eligibility.Set `json:"sent_types"`
}

// Store is implemented by every lifecycle backend.
//
// UpsertWaiting starts a new episode (status waiting, sent types cleared)
// when the incoming WaitStartedAt differs from the stored one; otherwise it
// refreshes LastSeenWaiting and keeps the sent types.
type Store interface {
	UpsertWaiting(ctx context.Context, p queue.WaitingPatient, now time.Time) error
	MarkSent(ctx context.Context, patientID string, mt eligibility.MessageType, now time.Time) error
	MarkProcessed(ctx context.Context, patientID string, now time.Time) error
	GetAlreadySent(ctx context.Context, patientID string) (eligibility.Set, error)
	Get(ctx context.Context, patientID string) (Record, error)
	ListWaiting(ctx context.Context) ([]Record, error)
	PruneOlderThan(ctx context.Context, now time.Time, retention time.Duration) (int, error)
}

// sameEpisode reports whether an incoming wait start continues the stored
// episode. A zero stored value (record created by MarkSent) adopts the
// incoming one.
func sameEpisode(stored, incoming time.Time) bool {
	return stored.IsZero() || stored.Equal(incoming)
}
