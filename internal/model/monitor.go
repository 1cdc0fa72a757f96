package model

import (
	"time"

	"github.com/google/uuid"
)

// MonitorEventType classifies live monitor events.
type MonitorEventType string

const (
	MonitorAttemptStarted   MonitorEventType = "attempt_started"
	MonitorViolation        MonitorEventType = "violation"
	MonitorAttemptSubmitted MonitorEventType = "attempt_submitted"
)

// MonitorEvent is published on an exam's monitor channel for proctors.
type MonitorEvent struct {
	Type                  MonitorEventType `json:"type"`
	StudentID             int              `json:"student_id"`
	AttemptID             uuid.UUID        `json:"attempt_id"`
	ViolationType         ViolationType    `json:"violation_type,omitempty"`
	CheatingAttemptsCount int              `json:"cheating_attempts_count"`
	QuestionsAttempted    int              `json:"questions_attempted"`
	Score                 *float64         `json:"score,omitempty"`
	Timestamp             time.Time        `json:"timestamp"`
}
