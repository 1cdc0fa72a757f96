package proctor

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// DefaultStrikeThreshold is the number of counted violations that forces
// submission.
const DefaultStrikeThreshold = 3

// Decision is the escalation outcome for one recorded violation.
type Decision int

const (
	// DecisionLog records the violation without further action.
	DecisionLog Decision = iota
	// DecisionWarn warns the student and re-requests the integrity lock.
	DecisionWarn
	// DecisionForceSubmit ends the attempt as if the timer expired.
	DecisionForceSubmit
)

func (d Decision) String() string {
	switch d {
	case DecisionWarn:
		return "warn"
	case DecisionForceSubmit:
		return "force_submit"
	default:
		return "log"
	}
}

// Violation is a classified, timestamped signal.
type Violation struct {
	Entry   model.CheatingLogEntry
	Counted bool
}

// Monitor classifies integrity signals and applies the strike policy.
// Clipboard interception is passive prevention and never counts as a
// strike; losing the lock or visibility is an active breach and does.
type Monitor struct {
	threshold int
	strikes   int
	total     int
}

// NewMonitor creates a monitor. threshold <= 0 selects the default.
func NewMonitor(threshold int) *Monitor {
	if threshold <= 0 {
		threshold = DefaultStrikeThreshold
	}
	return &Monitor{threshold: threshold}
}

// Restore seeds counters from a resumed attempt. The durable counters
// are written with each report while log rows land later, so whichever
// is higher wins.
func (m *Monitor) Restore(a *model.Attempt) {
	m.strikes, m.total = 0, 0
	for _, e := range a.CheatingLogs {
		m.total++
		if e.Type.IsStrike() {
			m.strikes++
		}
	}
	m.total = max(m.total, a.CheatingAttemptsCount)
	m.strikes = max(m.strikes, a.StrikeCount)
}

// Classify maps a raw signal to a violation. now is used when the signal
// carries no timestamp.
func (m *Monitor) Classify(sig Signal, now time.Time) Violation {
	at := sig.At
	if at.IsZero() {
		at = now
	}

	var typ model.ViolationType
	var desc string
	switch sig.Kind {
	case SignalLockLost:
		typ, desc = model.ViolationFullscreenExit, "Exited full-screen mode"
	case SignalVisibilityLost:
		typ, desc = model.ViolationTabSwitch, "Switched tab or minimized window"
	default:
		typ, desc = model.ViolationCopyPasteAttempt, "Attempted copy, paste or context menu"
	}
	if sig.Detail != "" {
		desc = sig.Detail
	}

	return Violation{
		Entry:   model.CheatingLogEntry{Type: typ, Description: desc, Timestamp: at},
		Counted: typ.IsStrike(),
	}
}

// Record counts a violation and returns the escalation decision.
func (m *Monitor) Record(v Violation) Decision {
	m.total++
	if !v.Counted {
		return DecisionLog
	}
	m.strikes++
	if m.strikes >= m.threshold {
		return DecisionForceSubmit
	}
	return DecisionWarn
}

// Strikes returns the number of counted violations.
func (m *Monitor) Strikes() int { return m.strikes }

// Total returns the number of recorded violations of any class.
func (m *Monitor) Total() int { return m.total }

// Threshold returns the configured strike threshold.
func (m *Monitor) Threshold() int { return m.threshold }
