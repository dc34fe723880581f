// Package ledger is the tag reservation store: the deduplication ledger that
// guarantees at most one confirmed send per (patient, message type, day).
//
// A tag moves reserved -> confirmed on a successful send. A reserved tag is
// deleted when its send fails, or by SweepAbandoned once it is older than the
// abandon timeout. Confirmed tags are never released.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/wolfman30/triage-notifier/internal/eligibility"
)

var (
	// ErrNotFound is returned when a tag has no reservation.
	ErrNotFound = errors.New("ledger: reservation not found")
	// ErrConfirmed is returned when releasing a tag that was already confirmed.
	ErrConfirmed = errors.New("ledger: reservation already confirmed")
)

// State of a reservation.
type State string

const (
	StateReserved  State = "reserved"
	StateConfirmed State = "confirmed"
)

// Result of TryReserve.
type Result int

const (
	Reserved Result = iota
	AlreadyReserved
	AlreadyConfirmed
)

func (r Result) String() string {
	switch r {
	case Reserved:
		return "reserved"
	case AlreadyReserved:
		return "already_reserved"
	case AlreadyConfirmed:
		return "already_confirmed"
	default:
		return "unknown"
	}
}

// Reservation is one ledger entry.
type Reservation struct {
	Tag         string                  `json:"tag"`
	PatientID   string                  `json:"patient_id"`
	MessageType eligibility.MessageType `json:"message_type"`
	State       State                   `json:"state"`
	ReservedAt  time.Time               `json:"reserved_at"`
	ConfirmedAt time.Time               `json:"confirmed_at,omitempty"`
}

// Store is implemented by every ledger backend. TryReserve must be atomic
// with respect to concurrent callers on the same tag.
type Store interface {
	TryReserve(ctx context.Context, tag, patientID string, mt eligibility.MessageType, now time.Time) (Result, error)
	Confirm(ctx context.Context, tag string, now time.Time) error
	Release(ctx context.Context, tag string) error
	SweepAbandoned(ctx context.Context, now time.Time, timeout time.Duration) (int, error)
	Get(ctx context.Context, tag string) (Reservation, error)
	PurgeConfirmedBefore(ctx context.Context, before time.Time) (int, error)
}

const tagSep = "\x1f"

// NewTag derives the deterministic dispatch tag for one (patient, type, day).
func NewTag(patientID string, mt eligibility.MessageType, day string) string {
	sum := sha256.Sum256([]byte(patientID + tagSep + string(mt) + tagSep + day))
	return hex.EncodeToString(sum[:])
}
