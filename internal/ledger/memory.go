package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/wolfman30/triage-notifier/internal/eligibility"
)

// MemoryStore keeps reservations in process. Suitable for a single instance
// that can afford to forget confirmations on restart, and for tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Reservation
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Reservation)}
}

func (s *MemoryStore) TryReserve(ctx context.Context, tag, patientID string, mt eligibility.MessageType, now time.Time) (Result, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[tag]; ok {
		if existing.State == StateConfirmed {
			return AlreadyConfirmed, nil
		}
		return AlreadyReserved, nil
	}
	s.entries[tag] = Reservation{
		Tag:         tag,
		PatientID:   patientID,
		MessageType: mt,
		State:       StateReserved,
		ReservedAt:  now.UTC(),
	}
	return Reserved, nil
}

func (s *MemoryStore) Confirm(ctx context.Context, tag string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[tag]
	if !ok {
		return ErrNotFound
	}
	if r.State == StateConfirmed {
		return nil
	}
	r.State = StateConfirmed
	r.ConfirmedAt = now.UTC()
	s.entries[tag] = r
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, tag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[tag]
	if !ok {
		return ErrNotFound
	}
	if r.State == StateConfirmed {
		return ErrConfirmed
	}
	delete(s.entries, tag)
	return nil
}

func (s *MemoryStore) SweepAbandoned(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := now.Add(-timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := 0
	for tag, r := range s.entries {
		if r.State == StateReserved && r.ReservedAt.Before(cutoff) {
			delete(s.entries, tag)
			swept++
		}
	}
	return swept, nil
}

func (s *MemoryStore) Get(ctx context.Context, tag string) (Reservation, error) {
	if err := ctx.Err(); err != nil {
		return Reservation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[tag]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) PurgeConfirmedBefore(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for tag, r := range s.entries {
		if r.State == StateConfirmed && r.ConfirmedAt.Before(before) {
			delete(s.entries, tag)
			purged++
		}
	}
	return purged, nil
}
