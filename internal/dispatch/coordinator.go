// Package dispatch runs one notifier tick: fetch the waiting queue, sweep
// abandoned reservations, evaluate, reserve, send and settle.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/triage-notifier/internal/eligibility"
	"github.com/wolfman30/triage-notifier/internal/history"
	"github.com/wolfman30/triage-notifier/internal/ledger"
	"github.com/wolfman30/triage-notifier/internal/lifecycle"
	"github.com/wolfman30/triage-notifier/internal/observability/metrics"
	"github.com/wolfman30/triage-notifier/internal/outbound"
	"github.com/wolfman30/triage-notifier/internal/queue"
	"github.com/wolfman30/triage-notifier/internal/settings"
	"github.com/wolfman30/triage-notifier/pkg/logging"
)

var tracer = otel.Tracer("triage.internal.dispatch")

// SnapshotSource supplies the settings snapshot read at the top of each tick.
type SnapshotSource interface {
	Current() *settings.Snapshot
}

// DailyExporter is called after every successful tick.
type DailyExporter interface {
	ExportPrevious(ctx context.Context, now time.Time) error
}

// DefaultAbandonTimeout is used when Config.AbandonTimeout is zero.
const DefaultAbandonTimeout = 2 * time.Minute

// Config wires a Coordinator. History, Exporter and Metrics are optional.
type Config struct {
	Source    queue.Source
	Settings  SnapshotSource
	Ledger    ledger.Store
	Lifecycle lifecycle.Store
	History   history.Store
	Sender    outbound.Sender
	Exporter  DailyExporter
	Metrics   *metrics.DispatchMetrics
	Logger    *logging.Logger
	Clock     func() time.Time

	// AbandonTimeout is how old a reservation must be before the sweep
	// releases it. It must exceed the tick timeout, or a tick still waiting
	// on the vendor can have its reservation swept and resent by the next
	// tick. Zero means DefaultAbandonTimeout.
	AbandonTimeout     time.Duration
	SendConcurrency    int
	LifecycleRetention time.Duration
	HistoryRetention   time.Duration
	// PruneInterval spaces out retention passes. Zero means hourly.
	PruneInterval time.Duration
}

// Coordinator executes ticks. It is safe to call Tick concurrently; the
// reserve step is serialized across all callers.
type Coordinator struct {
	source    queue.Source
	settings  SnapshotSource
	ledger    ledger.Store
	lifecycle lifecycle.Store
	history   history.Store
	sender    outbound.Sender
	exporter  DailyExporter
	metrics   *metrics.DispatchMetrics
	logger    *logging.Logger
	now       func() time.Time
	evaluator eligibility.Evaluator

	abandonTimeout     time.Duration
	concurrency        int
	lifecycleRetention time.Duration
	historyRetention   time.Duration
	pruneInterval      time.Duration

	reserveMu sync.Mutex

	pruneMu   sync.Mutex
	lastPrune time.Time
}

// New validates cfg and builds a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Source == nil:
		return nil, errors.New("dispatch: queue source is required")
	case cfg.Settings == nil:
		return nil, errors.New("dispatch: settings source is required")
	case cfg.Ledger == nil:
		return nil, errors.New("dispatch: ledger is required")
	case cfg.Lifecycle == nil:
		return nil, errors.New("dispatch: lifecycle store is required")
	case cfg.Sender == nil:
		return nil, errors.New("dispatch: sender is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	abandon := cfg.AbandonTimeout
	if abandon <= 0 {
		abandon = DefaultAbandonTimeout
	}
	concurrency := cfg.SendConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	lifecycleRetention := cfg.LifecycleRetention
	if lifecycleRetention <= 0 {
		lifecycleRetention = 7 * 24 * time.Hour
	}
	historyRetention := cfg.HistoryRetention
	if historyRetention <= 0 {
		historyRetention = 30 * 24 * time.Hour
	}
	pruneInterval := cfg.PruneInterval
	if pruneInterval <= 0 {
		pruneInterval = time.Hour
	}
	return &Coordinator{
		source:             cfg.Source,
		settings:           cfg.Settings,
		ledger:             cfg.Ledger,
		lifecycle:          cfg.Lifecycle,
		history:            cfg.History,
		sender:             cfg.Sender,
		exporter:           cfg.Exporter,
		metrics:            cfg.Metrics,
		logger:             logger.Component("dispatch"),
		now:                clock,
		abandonTimeout:     abandon,
		concurrency:        concurrency,
		lifecycleRetention: lifecycleRetention,
		historyRetention:   historyRetention,
		pruneInterval:      pruneInterval,
	}, nil
}

// pair is one (patient, message type) decision.
type pair struct {
	patient queue.WaitingPatient
	mt      eligibility.MessageType
	tag     string
}

// Tick runs one full tick. The returned error is a *FetchError or a
// *PersistenceError; every other failure is scoped to a single pair and only
// shows up in the Outcome counters and logs.
func (c *Coordinator) Tick(ctx context.Context) (Outcome, error) {
	out := Outcome{TickID: uuid.NewString(), StartedAt: c.now()}
	ctx, span := tracer.Start(ctx, "dispatch.tick", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(attribute.String("triage.tick_id", out.TickID))

	log := c.logger.With("tick_id", out.TickID)
	err := c.run(ctx, log, &out)

	out.FinishedAt = c.now()
	switch {
	case err == nil:
		out.Status = StatusOK
	case errors.As(err, new(*FetchError)):
		out.Status = StatusFetchError
	default:
		out.Status = StatusPersistenceError
	}
	c.metrics.ObserveTick(out.Status, out.Duration().Seconds())
	span.SetAttributes(
		attribute.String("triage.tick_status", out.Status),
		attribute.Int("triage.fetched", out.Fetched),
		attribute.Int("triage.sent", out.Sent),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, out.Status)
		log.Error("tick failed", "status", out.Status, "error", err, "duration_ms", out.Duration().Milliseconds())
		return out, err
	}
	log.Info("tick complete",
		"fetched", out.Fetched,
		"swept", out.Swept,
		"eligible", out.Eligible,
		"reserved", out.Reserved,
		"conflicts", out.Conflicts,
		"sent", out.Sent,
		"failed", out.Failed,
		"processed", out.Processed,
		"duration_ms", out.Duration().Milliseconds(),
	)
	return out, nil
}

func (c *Coordinator) run(ctx context.Context, log *logging.Logger, out *Outcome) error {
	snap := c.settings.Current()
	if snap == nil {
		return &PersistenceError{Op: "load settings", Err: errors.New("no settings snapshot")}
	}

	// Fetch
	patients, err := c.source.ListWaiting(ctx)
	if err != nil {
		return &FetchError{Err: err}
	}
	patients = dedupe(patients)
	out.Fetched = len(patients)

	// Sweep
	now := c.now()
	swept, err := c.ledger.SweepAbandoned(ctx, now, c.abandonTimeout)
	if err != nil {
		return &PersistenceError{Op: "sweep", Err: err}
	}
	out.Swept = swept
	c.metrics.ObserveSwept(swept)
	if swept > 0 {
		log.Warn("released abandoned reservations", "count", swept, "abandon_timeout", c.abandonTimeout.String())
	}

	// Evaluate
	candidates := c.evaluate(ctx, log, patients, now, snap)
	out.Eligible = len(candidates)

	// Reserve
	reserved, conflicts, err := c.reserve(ctx, log, candidates, now)
	out.Reserved = len(reserved)
	out.Conflicts = conflicts
	if err != nil {
		return err
	}

	// Send
	sent, failed, err := c.send(ctx, log, reserved, snap)
	out.Sent = sent
	out.Failed = failed
	if err != nil {
		return err
	}

	// Settle
	out.Processed, out.Pruned = c.settle(ctx, log, patients)
	return nil
}

func dedupe(patients []queue.WaitingPatient) []queue.WaitingPatient {
	seen := make(map[string]struct{}, len(patients))
	out := patients[:0:0]
	for _, p := range patients {
		if p.ID == "" {
			continue
		}
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}

// evaluate upserts every patient and returns the eligible pairs, EndOfDay
// pairs first.
func (c *Coordinator) evaluate(ctx context.Context, log *logging.Logger, patients []queue.WaitingPatient, now time.Time, snap *settings.Snapshot) []pair {
	var endOfDay, thirty []pair
	for _, p := range patients {
		if err := c.lifecycle.UpsertWaiting(ctx, p, now); err != nil {
			log.Error("lifecycle upsert failed", "patient_id", p.ID, "error", err)
			continue
		}
		sent, err := c.lifecycle.GetAlreadySent(ctx, p.ID)
		if err != nil {
			log.Error("read already-sent failed", "patient_id", p.ID, "error", err)
			continue
		}
		decision := c.evaluator.Explain(p, now, snap, sent)
		for _, mt := range decision.Eligible.Ordered() {
			pr := pair{
				patient: p,
				mt:      mt,
				tag:     ledger.NewTag(p.ID, mt, eligibility.WindowDay(p, mt, snap)),
			}
			if mt == eligibility.EndOfDay {
				endOfDay = append(endOfDay, pr)
			} else {
				thirty = append(thirty, pr)
			}
		}
		if len(decision.Skipped) > 0 {
			log.Debug("patient skipped", "patient_id", p.ID, "eligible", decision.Eligible.String(), "skipped", decision.Skipped)
		}
	}
	return append(endOfDay, thirty...)
}

// reserve claims tags one at a time under the coordinator mutex. On a ledger
// error it releases what this call reserved and fails the tick.
func (c *Coordinator) reserve(ctx context.Context, log *logging.Logger, candidates []pair, now time.Time) ([]pair, int, error) {
	c.reserveMu.Lock()
	defer c.reserveMu.Unlock()

	var (
		reserved  []pair
		conflicts int
	)
	for _, pr := range candidates {
		res, err := c.ledger.TryReserve(ctx, pr.tag, pr.patient.ID, pr.mt, now)
		if err != nil {
			c.metrics.ObserveReservation(string(pr.mt), "error")
			for _, r := range reserved {
				c.release(ctx, log, r, "reserve failed")
			}
			return nil, conflicts, &PersistenceError{Op: "reserve", Tag: pr.tag, Err: err}
		}
		c.metrics.ObserveReservation(string(pr.mt), res.String())
		if res != ledger.Reserved {
			conflicts++
			log.Debug("reservation conflict", "patient_id", pr.patient.ID, "message_type", string(pr.mt), "tag", pr.tag, "result", res.String())
			continue
		}
		reserved = append(reserved, pr)
	}
	return reserved, conflicts, nil
}

// send delivers reserved pairs with bounded parallelism. A Confirm failure is
// fatal; pairs not yet started are released.
func (c *Coordinator) send(ctx context.Context, log *logging.Logger, reserved []pair, snap *settings.Snapshot) (int, int, error) {
	if len(reserved) == 0 {
		return 0, 0, nil
	}
	var sent, failed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, pr := range reserved {
		g.Go(func() error {
			if gctx.Err() != nil {
				c.release(ctx, log, pr, "aborted")
				return nil
			}
			err := c.sendOne(ctx, log, pr, snap)
			if err == nil {
				sent.Add(1)
				return nil
			}
			var perr *PersistenceError
			if errors.As(err, &perr) {
				return err
			}
			failed.Add(1)
			return nil
		})
	}
	err := g.Wait()
	return int(sent.Load()), int(failed.Load()), err
}

func (c *Coordinator) sendOne(ctx context.Context, log *logging.Logger, pr pair, snap *settings.Snapshot) error {
	ctx, span := tracer.Start(ctx, "dispatch.send", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("triage.patient_id", pr.patient.ID),
		attribute.String("triage.message_type", string(pr.mt)),
		attribute.String("triage.tag", pr.tag),
	)

	d := outbound.Dispatch{
		PatientID:   pr.patient.ID,
		Contact:     pr.patient.Contact,
		DisplayName: pr.patient.DisplayName,
		ChannelID:   pr.patient.ChannelID,
		MessageType: pr.mt,
		Tag:         pr.tag,
		Body:        outbound.RenderBody(bodyTemplate(snap, pr.mt), pr.patient.DisplayName),
	}
	if err := c.sender.Send(ctx, d); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		c.metrics.ObserveSend(string(pr.mt), "failed")
		log.Warn("send failed", "patient_id", pr.patient.ID, "message_type", string(pr.mt), "tag", pr.tag, "error", err)
		c.release(ctx, log, pr, "send failed")
		return fmt.Errorf("dispatch: send: %w", err)
	}

	// The vendor accepted the message. Recording it must not depend on the
	// tick deadline, or the sweep would release the tag and resend.
	settleCtx, cancel := detached(ctx)
	defer cancel()

	sentAt := c.now()
	if err := c.ledger.Confirm(settleCtx, pr.tag, sentAt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirm failed")
		c.metrics.ObserveSend(string(pr.mt), "unconfirmed")
		return &PersistenceError{Op: "confirm", Tag: pr.tag, Err: err}
	}
	c.metrics.ObserveSend(string(pr.mt), "sent")

	if err := c.lifecycle.MarkSent(settleCtx, pr.patient.ID, pr.mt, sentAt); err != nil {
		log.Error("mark sent failed", "patient_id", pr.patient.ID, "message_type", string(pr.mt), "tag", pr.tag, "error", err)
	}
	if c.history != nil {
		entry := history.NewEntry(pr.patient.ID, pr.mt, pr.tag, pr.patient.ChannelID, sentAt)
		if err := c.history.Append(settleCtx, entry); err != nil {
			log.Error("history append failed", "patient_id", pr.patient.ID, "tag", pr.tag, "error", err)
		}
	}
	log.Info("notification sent", "patient_id", pr.patient.ID, "message_type", string(pr.mt), "tag", pr.tag)
	return nil
}

func (c *Coordinator) release(ctx context.Context, log *logging.Logger, pr pair, reason string) {
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := c.ledger.Release(ctx, pr.tag); err != nil {
		log.Error("release failed, left for sweep", "tag", pr.tag, "reason", reason, "error", err)
	}
}

// settleTimeout bounds ledger writes that run after the tick context is done.
const settleTimeout = 10 * time.Second

// detached keeps ctx values (trace span, logger fields) but drops its
// cancellation and deadline.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func bodyTemplate(snap *settings.Snapshot, mt eligibility.MessageType) string {
	if mt == eligibility.EndOfDay {
		return snap.Settings.Messages.EndOfDay
	}
	return snap.Settings.Messages.ThirtyMinute
}

// settle marks waiting records that left the queue as processed and runs
// retention at most once per prune interval.
func (c *Coordinator) settle(ctx context.Context, log *logging.Logger, patients []queue.WaitingPatient) (int, int) {
	now := c.now()
	present := make(map[string]struct{}, len(patients))
	for _, p := range patients {
		present[p.ID] = struct{}{}
	}

	processed := 0
	waiting, err := c.lifecycle.ListWaiting(ctx)
	if err != nil {
		log.Error("list waiting records failed", "error", err)
	}
	for _, rec := range waiting {
		if _, ok := present[rec.PatientID]; ok {
			continue
		}
		if err := c.lifecycle.MarkProcessed(ctx, rec.PatientID, now); err != nil {
			log.Error("mark processed failed", "patient_id", rec.PatientID, "error", err)
			continue
		}
		processed++
	}

	pruned := c.prune(ctx, log, now)

	if c.exporter != nil {
		if err := c.exporter.ExportPrevious(ctx, now); err != nil {
			log.Warn("history export failed", "error", err)
		}
	}
	return processed, pruned
}

func (c *Coordinator) prune(ctx context.Context, log *logging.Logger, now time.Time) int {
	c.pruneMu.Lock()
	if !c.lastPrune.IsZero() && now.Sub(c.lastPrune) < c.pruneInterval {
		c.pruneMu.Unlock()
		return 0
	}
	c.lastPrune = now
	c.pruneMu.Unlock()

	total := 0
	if n, err := c.lifecycle.PruneOlderThan(ctx, now, c.lifecycleRetention); err != nil {
		log.Error("lifecycle prune failed", "error", err)
	} else {
		total += n
	}
	cutoff := now.Add(-c.historyRetention)
	if c.history != nil {
		if n, err := c.history.Prune(ctx, cutoff); err != nil {
			log.Error("history prune failed", "error", err)
		} else {
			total += n
		}
	}
	if n, err := c.ledger.PurgeConfirmedBefore(ctx, cutoff); err != nil {
		log.Error("ledger purge failed", "error", err)
	} else {
		total += n
	}
	if total > 0 {
		log.Info("retention pass", "removed", total)
	}
	return total
}
