package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/triage-notifier/pkg/logging"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []EmailMessage
}

func (r *recordingSender) Send(_ context.Context, msg EmailMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestNewAlerterDisabled(t *testing.T) {
	assert.Nil(t, NewAlerter(nil, AlerterConfig{Recipients: []string{"a@example.com"}}, nil))
	assert.Nil(t, NewAlerter(&recordingSender{}, AlerterConfig{}, nil))

	var a *Alerter
	a.TickFailed(context.Background(), "tick", errors.New("boom"))
}

func TestAlerterThrottles(t *testing.T) {
	sender := &recordingSender{}
	a := NewAlerter(sender, AlerterConfig{
		Recipients:  []string{"ops@example.com", "oncall@example.com"},
		MinInterval: time.Hour,
	}, logging.Nop())
	require.NotNil(t, a)

	clock := time.Date(2025, 12, 8, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return clock }

	a.TickFailed(context.Background(), "t1", errors.New("ledger down"))
	require.Len(t, sender.msgs, 2)
	assert.Contains(t, sender.msgs[0].Body, "ledger down")
	assert.Equal(t, "oncall@example.com", sender.msgs[1].To)

	clock = clock.Add(time.Minute)
	a.TickFailed(context.Background(), "t2", errors.New("ledger down"))
	a.TickFailed(context.Background(), "t3", errors.New("ledger down"))
	assert.Len(t, sender.msgs, 2, "throttled")

	clock = clock.Add(time.Hour)
	a.TickFailed(context.Background(), "t4", errors.New("ledger down"))
	require.Len(t, sender.msgs, 4)
	assert.Contains(t, sender.msgs[2].Body, "2 earlier failure(s)")
}

func TestAlerterIgnoresNilError(t *testing.T) {
	sender := &recordingSender{}
	a := NewAlerter(sender, AlerterConfig{Recipients: []string{"ops@example.com"}}, logging.Nop())
	a.TickFailed(context.Background(), "t1", nil)
	assert.Empty(t, sender.msgs)
}
