package proctor

import (
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// State is the lifecycle position of a session.
type State string

const (
	StateIdle         State = "idle"
	StateInstructions State = "instructions"
	StateActive       State = "active"
	StateSubmitting   State = "submitting"
	StateEnded        State = "ended"
)

// Outcome qualifies the Ended state.
type Outcome string

const (
	OutcomeNone             Outcome = ""
	OutcomeSubmitted        Outcome = "submitted"
	OutcomeSubmissionFailed Outcome = "submission_failed"
)

// SubmitReason records what moved the session into Submitting.
type SubmitReason string

const (
	ReasonUser      SubmitReason = "user"
	ReasonTimeout   SubmitReason = "timeout"
	ReasonThreshold SubmitReason = "threshold"
)

// Snapshot is a consistent, read-only copy of session state.
type Snapshot struct {
	State            State                   `json:"state"`
	Outcome          Outcome                 `json:"outcome,omitempty"`
	SubmitReason     SubmitReason            `json:"submit_reason,omitempty"`
	Locked           bool                    `json:"locked"`
	ExamID           uuid.UUID               `json:"exam_id"`
	CurrentIndex     int                     `json:"current_index"`
	RemainingSeconds int                     `json:"remaining_seconds"`
	Strikes          int                     `json:"strikes"`
	StrikeThreshold  int                     `json:"strike_threshold"`
	Attempt          *model.Attempt          `json:"attempt,omitempty"`
	Result           *model.SubmissionResult `json:"result,omitempty"`
	Error            string                  `json:"error,omitempty"`
}

// EventType classifies session events.
type EventType string

const (
	EventState            EventType = "state"
	EventTick             EventType = "tick"
	EventWarning          EventType = "warning"
	EventSubmitted        EventType = "submitted"
	EventSubmissionFailed EventType = "submission_failed"
)

// Event is emitted on state changes, countdown ticks and warnings.
type Event struct {
	Type     EventType `json:"type"`
	Message  string    `json:"message,omitempty"`
	Snapshot Snapshot  `json:"snapshot"`
}

// Options tunes a session.
type Options struct {
	TickInterval    time.Duration
	AutosavePeriod  time.Duration
	StrikeThreshold int
	TimeStrategy    TimeStrategy
	FlushTimeout    time.Duration
	RetryBackoff    time.Duration
	// ViolationLogTimeout bounds each fire-and-forget violation report.
	ViolationLogTimeout time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		TickInterval:        time.Second,
		AutosavePeriod:      30 * time.Second,
		StrikeThreshold:     DefaultStrikeThreshold,
		TimeStrategy:        FixedIncrement{Seconds: 10},
		FlushTimeout:        5 * time.Second,
		ViolationLogTimeout: 10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TickInterval <= 0 {
		o.TickInterval = d.TickInterval
	}
	if o.AutosavePeriod <= 0 {
		o.AutosavePeriod = d.AutosavePeriod
	}
	if o.StrikeThreshold <= 0 {
		o.StrikeThreshold = d.StrikeThreshold
	}
	if o.TimeStrategy == nil {
		o.TimeStrategy = d.TimeStrategy
	}
	if o.ViolationLogTimeout <= 0 {
		o.ViolationLogTimeout = d.ViolationLogTimeout
	}
	return o
}
