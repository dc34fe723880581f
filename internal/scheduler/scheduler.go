// Package scheduler drives coordinator ticks on a fixed schedule and exposes
// pause, resume and manual trigger controls.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wolfman30/triage-notifier/internal/dispatch"
	"github.com/wolfman30/triage-notifier/internal/observability/metrics"
	"github.com/wolfman30/triage-notifier/pkg/logging"
)

var (
	// ErrTickInProgress is returned by TriggerNow while another tick runs.
	ErrTickInProgress = errors.New("scheduler: tick in progress")
	// ErrInvalidTransition is returned for a control call the current state
	// does not allow.
	ErrInvalidTransition = errors.New("scheduler: invalid state transition")
)

// State of the scheduler.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// Ticker runs one tick.
type Ticker interface {
	Tick(ctx context.Context) (dispatch.Outcome, error)
}

// FailureHook is called after a tick that returned an error.
type FailureHook func(ctx context.Context, out dispatch.Outcome, err error)

// Config configures a Scheduler.
type Config struct {
	// Spec is a cron expression or descriptor such as "@every 1m".
	Spec     string
	Location *time.Location
	// TickTimeout bounds a single tick. Zero means no bound.
	TickTimeout time.Duration
	OnFailure   FailureHook
	Metrics     *metrics.DispatchMetrics
	Logger      *logging.Logger
	Clock       func() time.Time
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State        State             `json:"state"`
	Running      bool              `json:"running"`
	Paused       bool              `json:"paused"`
	TickInFlight bool              `json:"tick_in_flight"`
	LastTickAt   time.Time         `json:"last_tick_at,omitempty"`
	LastOutcome  *dispatch.Outcome `json:"last_outcome,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	TicksRun     int64             `json:"ticks_run"`
	TicksSkipped int64             `json:"ticks_skipped"`
	NextTickAt   time.Time         `json:"next_tick_at,omitempty"`
}

// Scheduler is a stopped → running ⇄ paused → stopped state machine. Cron
// only computes fire times; an explicit timer loop does the waiting.
type Scheduler struct {
	runner    Ticker
	sched     cron.Schedule
	loc       *time.Location
	timeout   time.Duration
	onFailure FailureHook
	metrics   *metrics.DispatchMetrics
	logger    *logging.Logger
	now       func() time.Time

	mu           sync.Mutex
	state        State
	inFlight     bool
	lastTickAt   time.Time
	lastOutcome  *dispatch.Outcome
	lastErr      error
	ticksRun     int64
	ticksSkipped int64
	nextTickAt   time.Time
	cancelLoop   context.CancelFunc
	loopDone     chan struct{}
	ticks        sync.WaitGroup
}

var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSpec validates a schedule expression.
func ParseSpec(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("scheduler: schedule required")
	}
	s, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse %q: %w", spec, err)
	}
	return s, nil
}

// New builds a stopped scheduler.
func New(runner Ticker, cfg Config) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler: ticker is required")
	}
	sched, err := ParseSpec(cfg.Spec)
	if err != nil {
		return nil, err
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	s := &Scheduler{
		runner:    runner,
		sched:     sched,
		loc:       loc,
		timeout:   cfg.TickTimeout,
		onFailure: cfg.OnFailure,
		metrics:   cfg.Metrics,
		logger:    logger.Component("scheduler"),
		now:       clock,
		state:     StateStopped,
	}
	s.metrics.SetSchedulerState(string(StateStopped))
	return s, nil
}

// Start moves stopped → running and begins the timer loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s.state)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	s.loopDone = make(chan struct{})
	s.setStateLocked(StateRunning)
	go s.loop(loopCtx, s.loopDone)
	s.logger.Info("scheduler started")
	return nil
}

// Pause moves running → paused. An in-flight tick finishes normally.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, s.state)
	}
	s.setStateLocked(StatePaused)
	s.logger.Info("scheduler paused")
	return nil
}

// Resume moves paused → running.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, s.state)
	}
	s.setStateLocked(StateRunning)
	s.logger.Info("scheduler resumed")
	return nil
}

// Stop halts the loop and waits for any in-flight tick. It is a no-op when
// already stopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancelLoop, s.loopDone
	s.setStateLocked(StateStopped)
	s.nextTickAt = time.Time{}
	s.mu.Unlock()

	cancel()
	<-done
	s.ticks.Wait()
	s.logger.Info("scheduler stopped")
}

// TriggerNow runs an out-of-band tick synchronously in any state.
func (s *Scheduler) TriggerNow(ctx context.Context) (dispatch.Outcome, error) {
	if !s.begin() {
		return dispatch.Outcome{}, ErrTickInProgress
	}
	s.ticks.Add(1)
	defer s.ticks.Done()
	return s.runTick(ctx, "manual")
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:        s.state,
		Running:      s.state == StateRunning,
		Paused:       s.state == StatePaused,
		TickInFlight: s.inFlight,
		LastTickAt:   s.lastTickAt,
		TicksRun:     s.ticksRun,
		TicksSkipped: s.ticksSkipped,
		NextTickAt:   s.nextTickAt,
	}
	if s.lastOutcome != nil {
		out := *s.lastOutcome
		st.LastOutcome = &out
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Scheduler) setStateLocked(state State) {
	s.state = state
	s.metrics.SetSchedulerState(string(state))
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		now := s.now().In(s.loc)
		next := s.sched.Next(now)
		s.mu.Lock()
		s.nextTickAt = next
		s.mu.Unlock()

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		paused := s.state == StatePaused
		s.mu.Unlock()
		if paused {
			continue
		}
		s.fire(ctx)
	}
}

// fire starts a scheduled tick unless one is still running.
func (s *Scheduler) fire(ctx context.Context) {
	if !s.begin() {
		s.mu.Lock()
		s.ticksSkipped++
		s.mu.Unlock()
		s.metrics.ObserveSkippedTick()
		s.logger.Warn("tick skipped, previous tick still running")
		return
	}
	s.ticks.Add(1)
	go func() {
		defer s.ticks.Done()
		// a tick runs to completion even if the loop is stopped
		_, _ = s.runTick(context.WithoutCancel(ctx), "scheduled")
	}()
}

func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return false
	}
	s.inFlight = true
	return true
}

// safeTick turns a panic in the runner into an error so inFlight is always
// cleared and the loop keeps running.
func (s *Scheduler) safeTick(ctx context.Context) (out dispatch.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tick panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("scheduler: tick panicked: %v", r)
		}
	}()
	return s.runner.Tick(ctx)
}

func (s *Scheduler) runTick(ctx context.Context, trigger string) (dispatch.Outcome, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	out, err := s.safeTick(ctx)

	s.mu.Lock()
	s.inFlight = false
	s.lastTickAt = s.now()
	s.lastOutcome = &out
	s.lastErr = err
	s.ticksRun++
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("tick returned error", "trigger", trigger, "tick_id", out.TickID, "error", err)
		if s.onFailure != nil {
			hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			s.onFailure(hookCtx, out, err)
			cancel()
		}
	}
	return out, err
}
