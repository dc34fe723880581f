package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/triage-notifier/internal/eligibility"
	"github.com/wolfman30/triage-notifier/internal/history"
	"github.com/wolfman30/triage-notifier/internal/ledger"
	"github.com/wolfman30/triage-notifier/internal/lifecycle"
	"github.com/wolfman30/triage-notifier/internal/outbound"
	"github.com/wolfman30/triage-notifier/internal/queue"
	"github.com/wolfman30/triage-notifier/internal/settings"
	"github.com/wolfman30/triage-notifier/pkg/logging"
)

func at(hour, minute int) time.Time {
	return time.Date(2025, 12, 8, hour, minute, 0, 0, time.UTC)
}

func waiting(id string, start time.Time) queue.WaitingPatient {
	return queue.WaitingPatient{
		ID:            id,
		SectorID:      "triage",
		ChannelID:     "whatsapp",
		Contact:       "+5511999990000",
		DisplayName:   "Ana",
		WaitStartedAt: start,
	}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []outbound.Dispatch
	fail  map[string]error
	delay time.Duration
}

func (f *fakeSender) Send(ctx context.Context, d outbound.Dispatch) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[d.PatientID]; err != nil {
		return err
	}
	f.sent = append(f.sent, d)
	return nil
}

func (f *fakeSender) Sent() []outbound.Dispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]outbound.Dispatch, len(f.sent))
	copy(out, f.sent)
	return out
}

// flakyLedger injects errors into selected ledger calls.
type flakyLedger struct {
	ledger.Store
	sweepErr   error
	reserveErr error
	confirmErr error
}

func (l *flakyLedger) SweepAbandoned(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	if l.sweepErr != nil {
		return 0, l.sweepErr
	}
	return l.Store.SweepAbandoned(ctx, now, timeout)
}

func (l *flakyLedger) TryReserve(ctx context.Context, tag, patientID string, mt eligibility.MessageType, now time.Time) (ledger.Result, error) {
	if l.reserveErr != nil {
		return 0, l.reserveErr
	}
	return l.Store.TryReserve(ctx, tag, patientID, mt, now)
}

func (l *flakyLedger) Confirm(ctx context.Context, tag string, now time.Time) error {
	if l.confirmErr != nil {
		return l.confirmErr
	}
	return l.Store.Confirm(ctx, tag, now)
}

type harness struct {
	source    *queue.StaticSource
	ledger    ledger.Store
	lifecycle *lifecycle.MemoryStore
	history   *history.MemoryStore
	sender    *fakeSender
	clock     *clock
	coord     *Coordinator
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	snap, err := settings.Compile(settings.Defaults(), at(0, 0))
	require.NoError(t, err)

	h := &harness{
		source:    queue.NewStaticSource(),
		ledger:    ledger.NewMemoryStore(),
		lifecycle: lifecycle.NewMemoryStore(),
		history:   history.NewMemoryStore(),
		sender:    &fakeSender{fail: map[string]error{}},
		clock:     &clock{t: at(9, 0)},
	}
	cfg := Config{
		Source:          h.source,
		Settings:        settings.NewStatic(snap),
		Ledger:          h.ledger,
		Lifecycle:       h.lifecycle,
		History:         h.history,
		Sender:          h.sender,
		Logger:          logging.Nop(),
		Clock:           h.clock.Now,
		AbandonTimeout:  2 * time.Minute,
		SendConcurrency: 4,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.coord, err = New(cfg)
	require.NoError(t, err)
	return h
}

func TestTickSendsThirtyMinuteOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.source.Set(waiting("P", at(9, 0)))

	h.clock.Set(at(9, 31))
	out, err := h.coord.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, 1, out.Fetched)
	assert.Equal(t, 1, out.Reserved)
	assert.Equal(t, 1, out.Sent)

	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, eligibility.ThirtyMinute, sent[0].MessageType)
	assert.Contains(t, sent[0].Body, "Hi Ana")
	assert.Equal(t, "+5511999990000", sent[0].Contact)

	tag := ledger.NewTag("P", eligibility.ThirtyMinute, "2025-12-08")
	assert.Equal(t, tag, sent[0].Tag)
	res, err := h.ledger.Get(ctx, tag)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateConfirmed, res.State)

	already, err := h.lifecycle.GetAlreadySent(ctx, "P")
	require.NoError(t, err)
	assert.True(t, already.Has(eligibility.ThirtyMinute))

	entries, err := h.history.List(ctx, "P", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, tag, entries[0].Tag)

	h.clock.Set(at(9, 45))
	out, err = h.coord.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, out.Eligible)
	assert.Len(t, h.sender.Sent(), 1)
}

func TestTickReservesEndOfDayFirst(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SendConcurrency = 1 })
	yesterday := at(17, 0).AddDate(0, 0, -1)
	h.source.Set(waiting("B", at(9, 0)), waiting("A", yesterday))

	h.clock.Set(at(9, 31))
	out, err := h.coord.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, out.Sent)

	sent := h.sender.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "A", sent[0].PatientID)
	assert.Equal(t, eligibility.EndOfDay, sent[0].MessageType)
	assert.Equal(t, eligibility.ThirtyMinute, sent[1].MessageType)
}

func TestAbsentPatientBecomesProcessed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.source.Set(waiting("S", at(9, 0)), waiting("T", at(9, 5)))
	h.clock.Set(at(9, 10))
	_, err := h.coord.Tick(ctx)
	require.NoError(t, err)
	rec, err := h.lifecycle.Get(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusWaiting, rec.Status)

	h.source.Set(waiting("T", at(9, 5)))
	h.clock.Set(at(9, 11))
	out, err := h.coord.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Processed)

	rec, err = h.lifecycle.Get(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusProcessed, rec.Status)
	rec, err = h.lifecycle.Get(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusWaiting, rec.Status)
}

func TestSendFailureReleasesReservation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.source.Set(waiting("P", at(9, 0)))
	h.sender.fail["P"] = errors.New("vendor rejected")

	h.clock.Set(at(9, 31))
	out, err := h.coord.Tick(ctx)
	require.NoError(t, err, "send failures are scoped to the pair")
	assert.Equal(t, 1, out.Failed)
	assert.Zero(t, out.Sent)

	tag := ledger.NewTag("P", eligibility.ThirtyMinute, "2025-12-08")
	_, err = h.ledger.Get(ctx, tag)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	delete(h.sender.fail, "P")
	h.clock.Set(at(9, 32))
	out, err = h.coord.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Sent)
}

func TestDeliveryOutlivesTickDeadline(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.delay = 80 * time.Millisecond
	h.sender.fail["Q"] = errors.New("vendor rejected")
	h.source.Set(waiting("P", at(9, 0)), waiting("Q", at(9, 0)))
	h.clock.Set(at(9, 31))

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	out, err := h.coord.Tick(ctx)
	require.NoError(t, err, "the vendor accepted P before the deadline was noticed")
	assert.Equal(t, StatusOK, out.Status)
	assert.Equal(t, 1, out.Sent)
	assert.Equal(t, 1, out.Failed)

	bg := context.Background()
	res, err := h.ledger.Get(bg, ledger.NewTag("P", eligibility.ThirtyMinute, "2025-12-08"))
	require.NoError(t, err)
	assert.Equal(t, ledger.StateConfirmed, res.State)
	_, err = h.ledger.Get(bg, ledger.NewTag("Q", eligibility.ThirtyMinute, "2025-12-08"))
	assert.ErrorIs(t, err, ledger.ErrNotFound, "a failed send is released even past the deadline")

	h.sender.delay = 0
	delete(h.sender.fail, "Q")
	h.clock.Set(at(9, 34))
	out, err = h.coord.Tick(bg)
	require.NoError(t, err)
	assert.Zero(t, out.Swept)
	assert.Equal(t, 1, out.Sent)

	var toP int
	for _, d := range h.sender.Sent() {
		if d.PatientID == "P" {
			toP++
		}
	}
	assert.Equal(t, 1, toP, "P is never messaged twice")
}

func TestFetchErrorMutatesNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.source.Fail(errors.New("vendor down"))

	h.clock.Set(at(9, 31))
	out, err := h.coord.Tick(ctx)
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, StatusFetchError, out.Status)

	recs, err := h.lifecycle.ListWaiting(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, h.sender.Sent())
}

func TestConfirmFailureIsFatal(t *testing.T) {
	flaky := &flakyLedger{Store: ledger.NewMemoryStore(), confirmErr: errors.New("disk full")}
	h := newHarness(t, func(c *Config) { c.Ledger = flaky })
	ctx := context.Background()
	h.source.Set(waiting("P", at(9, 0)))

	h.clock.Set(at(9, 31))
	out, err := h.coord.Tick(ctx)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "confirm", perr.Op)
	assert.Equal(t, StatusPersistenceError, out.Status)

	tag := ledger.NewTag("P", eligibility.ThirtyMinute, "2025-12-08")
	res, err := flaky.Store.Get(ctx, tag)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateReserved, res.State, "left for the sweep")

	already, err := h.lifecycle.GetAlreadySent(ctx, "P")
	require.NoError(t, err)
	assert.True(t, already.Empty())
}

func TestLedgerErrorsAbortTick(t *testing.T) {
	flaky := &flakyLedger{Store: ledger.NewMemoryStore(), sweepErr: errors.New("timeout")}
	h := newHarness(t, func(c *Config) { c.Ledger = flaky })
	h.source.Set(waiting("P", at(9, 0)))
	h.clock.Set(at(9, 31))

	_, err := h.coord.Tick(context.Background())
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "sweep", perr.Op)

	flaky.sweepErr = nil
	flaky.reserveErr = errors.New("conn refused")
	_, err = h.coord.Tick(context.Background())
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "reserve", perr.Op)
	assert.Empty(t, h.sender.Sent())
}

func TestAbandonedReservationIsSweptAndResent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tag := ledger.NewTag("P", eligibility.ThirtyMinute, "2025-12-08")
	_, err := h.ledger.TryReserve(ctx, tag, "P", eligibility.ThirtyMinute, at(9, 30))
	require.NoError(t, err)

	h.source.Set(waiting("P", at(9, 0)))
	h.clock.Set(at(9, 31))
	out, err := h.coord.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, out.Swept)
	assert.Equal(t, 1, out.Conflicts)
	assert.Empty(t, h.sender.Sent())

	h.clock.Set(at(9, 33))
	out, err = h.coord.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Swept)
	assert.Equal(t, 1, out.Sent)
}

func TestConcurrentTicksSendOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.delay = 20 * time.Millisecond
	h.source.Set(waiting("P", at(9, 0)), waiting("Q", at(9, 1)))
	h.clock.Set(at(9, 31))

	second, err := New(Config{
		Source:    h.source,
		Settings:  h.coord.settings,
		Ledger:    h.ledger,
		Lifecycle: h.lifecycle,
		Sender:    h.sender,
		Logger:    logging.Nop(),
		Clock:     h.clock.Now,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		c := h.coord
		if i%2 == 1 {
			c = second
		}
		go func() {
			defer wg.Done()
			_, err := c.Tick(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	counts := map[string]int{}
	for _, d := range h.sender.Sent() {
		counts[d.Tag]++
	}
	assert.Len(t, counts, 2)
	for tag, n := range counts {
		assert.Equal(t, 1, n, "tag %s sent more than once", tag)
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
