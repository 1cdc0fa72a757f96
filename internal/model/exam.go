package model

import (
	"time"

	"github.com/google/uuid"
)

// Exam is the student-facing exam definition. It never carries correct answers.
type Exam struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	Questions       []Question `json:"questions"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         time.Time  `json:"end_time"`
	DurationSeconds int        `json:"duration_seconds"`
}

// Duration returns the configured attempt duration.
func (e *Exam) Duration() time.Duration {
	return time.Duration(e.DurationSeconds) * time.Second
}

// IsOpenAt reports whether t lies within [StartTime, EndTime).
func (e *Exam) IsOpenAt(t time.Time) bool {
	return !t.Before(e.StartTime) && t.Before(e.EndTime)
}

// QuestionIndex returns the position of a question in the exam, or -1.
func (e *Exam) QuestionIndex(id uuid.UUID) int {
	for i := range e.Questions {
		if e.Questions[i].ID == id {
			return i
		}
	}
	return -1
}
