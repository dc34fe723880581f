package queue

import (
	"context"
	"sync"
)

// StaticSource serves a fixed, replaceable snapshot. Used in dry runs and tests.
type StaticSource struct {
	mu       sync.RWMutex
	patients []WaitingPatient
	err      error
}

// NewStaticSource creates a source serving patients.
func NewStaticSource(patients ...WaitingPatient) *StaticSource {
	s := &StaticSource{}
	s.Set(patients...)
	return s
}

// Set replaces the served snapshot and clears any injected error.
func (s *StaticSource) Set(patients ...WaitingPatient) {
	cp := make([]WaitingPatient, len(patients))
	copy(cp, patients)
	s.mu.Lock()
	s.patients = cp
	s.err = nil
	s.mu.Unlock()
}

// Fail makes subsequent ListWaiting calls return err.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// ListWaiting implements Source.
func (s *StaticSource) ListWaiting(ctx context.Context) ([]WaitingPatient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]WaitingPatient, len(s.patients))
	copy(out, s.patients)
	return out, nil
}
