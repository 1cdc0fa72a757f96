package websocket

import (
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionSelectExam   Action = "select_exam"
	ActionBegin        Action = "begin"
	ActionLockGranted  Action = "lock_granted"
	ActionLockDenied   Action = "lock_denied"
	ActionSelectOption Action = "select_option"
	ActionMarkReview   Action = "mark_review"
	ActionNavigate     Action = "navigate"
	ActionSubmit       Action = "submit"
	ActionViolation    Action = "violation"
	ActionPing         Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// SelectOptionRequest toggles one option of a question.
type SelectOptionRequest struct {
	Action      Action `json:"action"`
	QuestionID  string `json:"question_id"`
	OptionIndex int    `json:"option_index"`
}

// MarkReviewRequest flags a question for review.
type MarkReviewRequest struct {
	Action     Action `json:"action"`
	QuestionID string `json:"question_id"`
}

// NavigateRequest moves to the question at Index.
type NavigateRequest struct {
	Action Action `json:"action"`
	Index  int    `json:"index"`
}

// SubmitRequest ends the attempt. Confirmed must be true.
type SubmitRequest struct {
	Action    Action `json:"action"`
	Confirmed bool   `json:"confirmed"`
}

// ViolationRequest reports an integrity signal observed by the browser.
type ViolationRequest struct {
	Action Action             `json:"action"`
	Kind   proctor.SignalKind `json:"kind"`
	Detail string             `json:"detail"`
}

// LockReply answers a request_lock event.
type LockReply struct {
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState            Event = "state"
	EventTick             Event = "tick"
	EventWarning          Event = "warning"
	EventRequestLock      Event = "request_lock"
	EventSubmitted        Event = "submitted"
	EventSubmissionFailed Event = "submission_failed"
	EventError            Event = "error"
	EventPong             Event = "pong"
)

// SessionResponse carries a session event with the snapshot it produced.
type SessionResponse struct {
	Event    Event            `json:"event"`
	Message  string           `json:"message,omitempty"`
	Snapshot proctor.Snapshot `json:"snapshot"`
}

// TickResponse is the lightweight countdown update.
type TickResponse struct {
	Event            Event `json:"event"`
	RemainingSeconds int   `json:"remaining_seconds"`
}

// SubmittedResponse confirms a submit action.
type SubmittedResponse struct {
	Event  Event                   `json:"event"`
	Result *model.SubmissionResult `json:"result"`
}

type RequestLockResponse struct {
	Event Event `json:"event"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}

// FromSessionEvent maps a session event onto the wire.
func FromSessionEvent(ev proctor.Event) interface{} {
	switch ev.Type {
	case proctor.EventTick:
		return TickResponse{Event: EventTick, RemainingSeconds: ev.Snapshot.RemainingSeconds}
	case proctor.EventWarning:
		return SessionResponse{Event: EventWarning, Message: ev.Message, Snapshot: ev.Snapshot}
	case proctor.EventSubmitted:
		return SessionResponse{Event: EventSubmitted, Message: ev.Message, Snapshot: ev.Snapshot}
	case proctor.EventSubmissionFailed:
		return SessionResponse{Event: EventSubmissionFailed, Message: ev.Message, Snapshot: ev.Snapshot}
	default:
		return SessionResponse{Event: EventState, Message: ev.Message, Snapshot: ev.Snapshot}
	}
}
