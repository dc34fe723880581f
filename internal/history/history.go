// Package history keeps an append-only log of confirmed sends. It is used for
// reporting only; deduplication never reads it.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/triage-notifier/internal/eligibility"
)

// Entry records one confirmed send.
type Entry struct {
	ID          uuid.UUID               `json:"id"`
	PatientID   string                  `json:"patient_id"`
	MessageType eligibility.MessageType `json:"message_type"`
	Tag         string                  `json:"tag"`
	ChannelID   string                  `json:"channel_id,omitempty"`
	SentAt      time.Time               `json:"sent_at"`
}

// NewEntry stamps a fresh id on a confirmed send.
func NewEntry(patientID string, mt eligibility.MessageType, tag, channelID string, sentAt time.Time) Entry {
	return Entry{
		ID:          uuid.New(),
		PatientID:   patientID,
		MessageType: mt,
		Tag:         tag,
		ChannelID:   channelID,
		SentAt:      sentAt.UTC(),
	}
}

// Store persists history entries.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// List returns a patient's most recent entries, newest first.
	List(ctx context.Context, patientID string, limit int) ([]Entry, error)
	// ListSince returns entries sent at or after since, oldest first.
	ListSince(ctx context.Context, since time.Time) ([]Entry, error)
	Prune(ctx context.Context, before time.Time) (int, error)
}

const defaultListLimit = 50

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}
