package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wolfman30/triage-notifier/internal/eligibility"
	"github.com/wolfman30/triage-notifier/internal/queue"
)

// MemoryStore keeps records in process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) UpsertWaiting(_ context.Context, p queue.WaitingPatient, now time.Time) error {
	now = now.UTC()
	start := p.WaitStartedAt.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[p.ID]
	switch {
	case !ok:
		r = Record{PatientID: p.ID, FirstSeenAt: now, StatusChangedAt: now}
	case !sameEpisode(r.WaitStartedAt, start):
		r.FirstSeenAt = now
		r.SentTypes = 0
		r.StatusChangedAt = now
	case r.Status != StatusWaiting:
		r.StatusChangedAt = now
	}
	r.SectorID = p.SectorID
	r.ChannelID = p.ChannelID
	r.WaitStartedAt = start
	r.LastSeenWaiting = now
	r.Status = StatusWaiting
	s.records[p.ID] = r
	return nil
}

func (s *MemoryStore) MarkSent(_ context.Context, patientID string, mt eligibility.MessageType, now time.Time) error {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[patientID]
	if !ok {
		r = Record{
			PatientID:       patientID,
			FirstSeenAt:     now,
			LastSeenWaiting: now,
			Status:          StatusWaiting,
			StatusChangedAt: now,
		}
	}
	r.SentTypes = r.SentTypes.Add(mt)
	s.records[patientID] = r
	return nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, patientID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[patientID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != StatusWaiting {
		return nil
	}
	r.Status = StatusProcessed
	r.StatusChangedAt = now.UTC()
	s.records[patientID] = r
	return nil
}

func (s *MemoryStore) GetAlreadySent(_ context.Context, patientID string) (eligibility.Set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[patientID].SentTypes, nil
}

func (s *MemoryStore) Get(_ context.Context, patientID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[patientID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListWaiting(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if r.Status == StatusWaiting {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out, nil
}

func (s *MemoryStore) PruneOlderThan(_ context.Context, now time.Time, retention time.Duration) (int, error) {
	tombstoneBefore := now.Add(-retention)
	deleteBefore := now.Add(-2 * retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.records {
		switch {
		case r.Status == StatusRemoved && r.StatusChangedAt.Before(deleteBefore):
			delete(s.records, id)
			n++
		case r.Status == StatusProcessed && r.StatusChangedAt.Before(tombstoneBefore):
			r.Status = StatusRemoved
			s.records[id] = r
			n++
		}
	}
	return n, nil
}
