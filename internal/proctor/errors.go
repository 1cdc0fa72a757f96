package proctor

import "errors"

// Session errors. Fatal ones end the flow before Active; recoverable ones
// leave the session in a state that accepts a retry.
var (
	ErrExamUnavailable       = errors.New("exam is not available")
	ErrAlreadyAttempted      = errors.New("exam already attempted")
	ErrLockAcquisitionFailed = errors.New("integrity lock acquisition failed")
	ErrSubmissionFailed      = errors.New("submission failed")
	ErrNotActive             = errors.New("session is not active")
	ErrConfirmationRequired  = errors.New("submit requires confirmation")
	ErrUnknownQuestion       = errors.New("unknown question")
	ErrInvalidOption         = errors.New("option index out of range")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrSessionClosed         = errors.New("session closed")
)
