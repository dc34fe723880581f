// Package eligibility decides which automatic messages a waiting patient
// qualifies for at a given instant.
package eligibility

import (
	"time"

	"github.com/wolfman30/triage-notifier/internal/queue"
	"github.com/wolfman30/triage-notifier/internal/settings"
)

// Skip reasons reported by Explain.
const (
	ReasonPaused         = "paused"
	ReasonExcluded       = "excluded"
	ReasonAlreadySent    = "already_sent"
	ReasonBelowMinWait   = "below_min_wait"
	ReasonAboveMaxWait   = "above_max_wait"
	ReasonClosed         = "outside_business_hours"
	ReasonCutoffPassed   = "cutoff_passed"
	ReasonBeforeCutoff   = "before_cutoff"
	ReasonEndOfDayPaused = "end_of_day_paused"
)

// Decision is the evaluated set plus the reason each missing type was skipped.
type Decision struct {
	Eligible Set
	Skipped  map[MessageType]string
}

// Evaluator is stateless and safe for concurrent use.
type Evaluator struct{}

// Evaluate returns the message types p qualifies for at now.
func (e Evaluator) Evaluate(p queue.WaitingPatient, now time.Time, snap *settings.Snapshot, alreadySent Set) Set {
	return e.Explain(p, now, snap, alreadySent).Eligible
}

// Explain is Evaluate with skip reasons.
func (Evaluator) Explain(p queue.WaitingPatient, now time.Time, snap *settings.Snapshot, alreadySent Set) Decision {
	d := Decision{Skipped: make(map[MessageType]string, 2)}
	s := snap.Settings

	if s.Paused {
		d.Skipped[ThirtyMinute] = ReasonPaused
		d.Skipped[EndOfDay] = ReasonPaused
		return d
	}
	if snap.Excluded(p.SectorID, p.ChannelID) {
		d.Skipped[ThirtyMinute] = ReasonExcluded
		d.Skipped[EndOfDay] = ReasonExcluded
		return d
	}

	if reason := thirtyMinuteBlock(p, now, snap, alreadySent); reason != "" {
		d.Skipped[ThirtyMinute] = reason
	} else {
		d.Eligible = d.Eligible.Add(ThirtyMinute)
	}

	switch {
	case s.PauseEndOfDay:
		d.Skipped[EndOfDay] = ReasonEndOfDayPaused
	case alreadySent.Has(EndOfDay):
		d.Skipped[EndOfDay] = ReasonAlreadySent
	case !snap.Calendar.CutoffPassedSince(p.WaitStartedAt, now):
		d.Skipped[EndOfDay] = ReasonBeforeCutoff
	default:
		d.Eligible = d.Eligible.Add(EndOfDay)
	}
	return d
}

func thirtyMinuteBlock(p queue.WaitingPatient, now time.Time, snap *settings.Snapshot, alreadySent Set) string {
	if alreadySent.Has(ThirtyMinute) {
		return ReasonAlreadySent
	}
	waited := p.WaitDuration(now)
	if waited < snap.MinWait {
		return ReasonBelowMinWait
	}
	if waited > snap.MaxWait {
		return ReasonAboveMaxWait
	}
	if !snap.Settings.IgnoreBusinessHours && !snap.Calendar.IsOpenAt(now) {
		return ReasonClosed
	}
	if snap.Calendar.CutoffPassed(now) {
		return ReasonCutoffPassed
	}
	return ""
}

// WindowDay is the calendar day on which the eligibility window for mt
// opened. It is the day component of the dispatch tag.
func WindowDay(p queue.WaitingPatient, mt MessageType, snap *settings.Snapshot) string {
	switch mt {
	case ThirtyMinute:
		return snap.Calendar.Day(p.WaitStartedAt.Add(snap.MinWait))
	default:
		return snap.Calendar.Day(p.WaitStartedAt)
	}
}
