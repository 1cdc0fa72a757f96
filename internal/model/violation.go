package model

import "time"

// ViolationType classifies a detected breach of the proctoring environment.
type ViolationType string

const (
	ViolationTabSwitch        ViolationType = "tab_switch"
	ViolationFullscreenExit   ViolationType = "fullscreen_exit"
	ViolationCopyPasteAttempt ViolationType = "copy_paste_attempt"
)

// IsValid reports whether t is a known violation type.
func (t ViolationType) IsValid() bool {
	switch t {
	case ViolationTabSwitch, ViolationFullscreenExit, ViolationCopyPasteAttempt:
		return true
	}
	return false
}

// IsStrike reports whether t counts toward the forced-submit threshold.
// Clipboard interception is logged but never counted.
func (t ViolationType) IsStrike() bool {
	return t == ViolationTabSwitch || t == ViolationFullscreenExit
}

// CheatingLogEntry is one append-only record of a violation.
type CheatingLogEntry struct {
	Type        ViolationType `json:"type"`
	Description string        `json:"description"`
	Timestamp   time.Time     `json:"timestamp"`
}

// LogViolationRequest is the payload for reporting a violation.
type LogViolationRequest struct {
	Type        ViolationType `json:"type" binding:"required,violation_type"`
	Description string        `json:"description" binding:"max=500"`
}
