package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wolfman30/triage-notifier/pkg/logging"
)

// Alerter emails operators about fatal tick failures. Alerts are throttled to
// one per MinInterval; suppressed alerts are counted into the next one.
type Alerter struct {
	email      EmailSender
	recipients []string
	limiter    *rate.Limiter
	logger     *logging.Logger
	now        func() time.Time

	mu         sync.Mutex
	suppressed int
}

// AlerterConfig configures an Alerter.
type AlerterConfig struct {
	Recipients  []string
	MinInterval time.Duration
	Env         string
}

// NewAlerter returns nil when there is no sender or no recipient, which makes
// every method a no-op.
func NewAlerter(email EmailSender, cfg AlerterConfig, logger *logging.Logger) *Alerter {
	if email == nil || len(cfg.Recipients) == 0 {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	interval := cfg.MinInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Alerter{
		email:      email,
		recipients: cfg.Recipients,
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		logger:     logger.Component("alerts").With("env", cfg.Env),
		now:        time.Now,
	}
}

// TickFailed reports a tick that ended with a fatal error.
func (a *Alerter) TickFailed(ctx context.Context, tickID string, tickErr error) {
	if a == nil || tickErr == nil {
		return
	}

	a.mu.Lock()
	if !a.limiter.AllowN(a.now(), 1) {
		a.suppressed++
		a.mu.Unlock()
		a.logger.Debug("alert throttled", "tick_id", tickID)
		return
	}
	suppressed := a.suppressed
	a.suppressed = 0
	a.mu.Unlock()

	var body strings.Builder
	fmt.Fprintf(&body, "Tick %s failed at %s.\n\n", tickID, a.now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&body, "Error: %v\n", tickErr)
	if suppressed > 0 {
		fmt.Fprintf(&body, "\n%d earlier failure(s) were not emailed.\n", suppressed)
	}
	body.WriteString("\nReservations left behind are released by the next sweep.\n")

	msg := EmailMessage{
		Subject: "[triage-notifier] tick failed",
		Body:    body.String(),
	}
	for _, to := range a.recipients {
		msg.To = to
		if err := a.email.Send(ctx, msg); err != nil {
			a.logger.Error("failed to send alert email", "error", err, "to", to, "tick_id", tickID)
		}
	}
}
