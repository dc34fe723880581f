package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/triage-notifier/internal/eligibility"
)

var t0 = time.Date(2025, 12, 8, 9, 31, 0, 0, time.UTC)

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("reserve confirm and re-reserve", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		tag := NewTag("P", eligibility.ThirtyMinute, "2025-12-08")

		res, err := s.TryReserve(ctx, tag, "P", eligibility.ThirtyMinute, t0)
		require.NoError(t, err)
		assert.Equal(t, Reserved, res)

		res, err = s.TryReserve(ctx, tag, "P", eligibility.ThirtyMinute, t0)
		require.NoError(t, err)
		assert.Equal(t, AlreadyReserved, res)

		require.NoError(t, s.Confirm(ctx, tag, t0.Add(time.Second)))
		require.NoError(t, s.Confirm(ctx, tag, t0.Add(time.Minute)), "confirm is idempotent")

		for i := 0; i < 3; i++ {
			res, err = s.TryReserve(ctx, tag, "P", eligibility.ThirtyMinute, t0.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, AlreadyConfirmed, res)
		}

		got, err := s.Get(ctx, tag)
		require.NoError(t, err)
		assert.Equal(t, StateConfirmed, got.State)
		assert.Equal(t, "P", got.PatientID)
		assert.Equal(t, eligibility.ThirtyMinute, got.MessageType)
		assert.True(t, got.ReservedAt.Equal(t0))
		assert.True(t, got.ConfirmedAt.Equal(t0.Add(time.Second)), "second confirm does not move the timestamp")
	})

	t.Run("release after failed send frees the tag", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		tag := NewTag("Q", eligibility.EndOfDay, "2025-12-08")

		_, err := s.TryReserve(ctx, tag, "Q", eligibility.EndOfDay, t0)
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, tag))

		res, err := s.TryReserve(ctx, tag, "Q", eligibility.EndOfDay, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, Reserved, res)
	})

	t.Run("release and confirm errors", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		tag := NewTag("R", eligibility.EndOfDay, "2025-12-08")

		assert.ErrorIs(t, s.Release(ctx, tag), ErrNotFound)
		assert.ErrorIs(t, s.Confirm(ctx, tag, t0), ErrNotFound)
		_, err := s.Get(ctx, tag)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.TryReserve(ctx, tag, "R", eligibility.EndOfDay, t0)
		require.NoError(t, err)
		require.NoError(t, s.Confirm(ctx, tag, t0))
		assert.ErrorIs(t, s.Release(ctx, tag), ErrConfirmed)

		res, err := s.TryReserve(ctx, tag, "R", eligibility.EndOfDay, t0)
		require.NoError(t, err)
		assert.Equal(t, AlreadyConfirmed, res)
	})

	t.Run("sweep releases abandoned reservations once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		stale := NewTag("S", eligibility.ThirtyMinute, "2025-12-08")
		fresh := NewTag("T", eligibility.ThirtyMinute, "2025-12-08")
		done := NewTag("U", eligibility.ThirtyMinute, "2025-12-08")

		_, err := s.TryReserve(ctx, stale, "S", eligibility.ThirtyMinute, t0)
		require.NoError(t, err)
		_, err = s.TryReserve(ctx, done, "U", eligibility.ThirtyMinute, t0)
		require.NoError(t, err)
		require.NoError(t, s.Confirm(ctx, done, t0))
		_, err = s.TryReserve(ctx, fresh, "T", eligibility.ThirtyMinute, t0.Add(2*time.Minute))
		require.NoError(t, err)

		now := t0.Add(3 * time.Minute)
		n, err := s.SweepAbandoned(ctx, now, 2*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.SweepAbandoned(ctx, now, 2*time.Minute)
		require.NoError(t, err)
		assert.Zero(t, n, "a swept tag is not released twice")

		res, err := s.TryReserve(ctx, stale, "S", eligibility.ThirtyMinute, now)
		require.NoError(t, err)
		assert.Equal(t, Reserved, res)

		res, err = s.TryReserve(ctx, fresh, "T", eligibility.ThirtyMinute, now)
		require.NoError(t, err)
		assert.Equal(t, AlreadyReserved, res)

		got, err := s.Get(ctx, done)
		require.NoError(t, err)
		assert.Equal(t, StateConfirmed, got.State)
	})

	t.Run("purge drops old confirmations only", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		old := NewTag("V", eligibility.EndOfDay, "2025-11-01")
		recent := NewTag("W", eligibility.EndOfDay, "2025-12-08")
		pending := NewTag("X", eligibility.EndOfDay, "2025-11-01")

		for _, tc := range []struct {
			tag, id string
			at      time.Time
		}{{old, "V", t0.AddDate(0, -1, 0)}, {recent, "W", t0}, {pending, "X", t0.AddDate(0, -1, 0)}} {
			_, err := s.TryReserve(ctx, tc.tag, tc.id, eligibility.EndOfDay, tc.at)
			require.NoError(t, err)
		}
		require.NoError(t, s.Confirm(ctx, old, t0.AddDate(0, -1, 0)))
		require.NoError(t, s.Confirm(ctx, recent, t0))

		n, err := s.PurgeConfirmedBefore(ctx, t0.AddDate(0, 0, -7))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, old)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, recent)
		assert.NoError(t, err)
		_, err = s.Get(ctx, pending)
		assert.NoError(t, err)
	})

	t.Run("concurrent reserve on one tag", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		tag := NewTag("D", eligibility.ThirtyMinute, "2025-12-08")

		const workers = 8
		results := make([]Result, workers)
		errs := make([]error, workers)
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				results[i], errs[i] = s.TryReserve(ctx, tag, "D", eligibility.ThirtyMinute, t0)
			}(i)
		}
		close(start)
		wg.Wait()

		reserved := 0
		for i := range results {
			require.NoError(t, errs[i])
			switch results[i] {
			case Reserved:
				reserved++
			default:
				assert.Equal(t, AlreadyReserved, results[i])
			}
		}
		assert.Equal(t, 1, reserved)
	})
}

func TestNewTagIsDeterministic(t *testing.T) {
	a := NewTag("P", eligibility.ThirtyMinute, "2025-12-08")
	assert.Len(t, a, 64)
	assert.Equal(t, a, NewTag("P", eligibility.ThirtyMinute, "2025-12-08"))
	assert.NotEqual(t, a, NewTag("P", eligibility.EndOfDay, "2025-12-08"))
	assert.NotEqual(t, a, NewTag("P", eligibility.ThirtyMinute, "2025-12-09"))
	// the separator keeps ids from bleeding into types
	assert.NotEqual(t, NewTag("Pe", eligibility.MessageType("nd_of_day"), "d"), NewTag("P", eligibility.EndOfDay, "d"))
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "reserved", Reserved.String())
	assert.Equal(t, "already_reserved", AlreadyReserved.String())
	assert.Equal(t, "already_confirmed", AlreadyConfirmed.String())
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}
