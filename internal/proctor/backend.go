package proctor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Backend is the durable side of an attempt, already bound to an
// authenticated student.
type Backend interface {
	GetExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error)
	HasAttempted(ctx context.Context, examID uuid.UUID) (bool, error)
	// StartAttempt creates the attempt or returns the in-progress one.
	// It fails with ErrAlreadyAttempted when the attempt was submitted.
	StartAttempt(ctx context.Context, examID uuid.UUID) (*model.Attempt, error)
	SaveAnswer(ctx context.Context, examID, questionID uuid.UUID, answer model.Answer) (*model.Attempt, error)
	LogViolation(ctx context.Context, examID uuid.UUID, entry model.CheatingLogEntry) error
	SubmitAttempt(ctx context.Context, examID uuid.UUID) (*model.SubmissionResult, error)
}

// IntegrityLock is the exclusive environment-control state (forced
// full-screen) held throughout Active. Acquire may block on a user gesture.
type IntegrityLock interface {
	Acquire(ctx context.Context) error
	Release() error
}

// SignalKind is the platform-level class of an integrity signal.
type SignalKind string

const (
	SignalLockLost       SignalKind = "lock_lost"
	SignalVisibilityLost SignalKind = "visibility_lost"
	SignalClipboard      SignalKind = "clipboard"
)

// Signal is a raw observation pushed by the platform.
type Signal struct {
	Kind   SignalKind
	Detail string
	At     time.Time
}

// SignalSource delivers integrity signals. The channel is closed when the
// platform stops observing.
type SignalSource interface {
	Signals() <-chan Signal
}
