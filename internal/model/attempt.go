package model

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates the states of a stored attempt.
type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "in_progress"
	AttemptStatusSubmitted  AttemptStatus = "submitted"
)

// AnswerStatus enumerates the per-question answer states.
type AnswerStatus string

const (
	AnswerNotAttempted    AnswerStatus = "not_attempted"
	AnswerAttempted       AnswerStatus = "attempted"
	AnswerMarkedForReview AnswerStatus = "marked_for_review"
)

// IsValid reports whether s is a known answer status.
func (s AnswerStatus) IsValid() bool {
	switch s {
	case AnswerNotAttempted, AnswerAttempted, AnswerMarkedForReview:
		return true
	}
	return false
}

// Answer is the current state of one question within an attempt.
type Answer struct {
	SelectedOptions  []int        `json:"selected_options"`
	AttemptStatus    AnswerStatus `json:"attempt_status"`
	TimeSpentSeconds int          `json:"time_spent_seconds"`
}

// Clone returns a deep copy of the answer.
func (a Answer) Clone() Answer {
	out := a
	out.SelectedOptions = append([]int(nil), a.SelectedOptions...)
	return out
}

// Counts reports whether the answer contributes to QuestionsAttempted.
func (a Answer) Counts() bool {
	if len(a.SelectedOptions) == 0 {
		return false
	}
	return a.AttemptStatus == AnswerAttempted || a.AttemptStatus == AnswerMarkedForReview
}

// Normalize sorts and deduplicates the selected option indices.
func (a *Answer) Normalize() {
	if len(a.SelectedOptions) == 0 {
		a.SelectedOptions = []int{}
		return
	}
	sort.Ints(a.SelectedOptions)
	out := a.SelectedOptions[:1]
	for _, v := range a.SelectedOptions[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	a.SelectedOptions = out
}

// CountAttempted returns the number of answers that count as attempted.
func CountAttempted(answers map[uuid.UUID]Answer) int {
	n := 0
	for _, a := range answers {
		if a.Counts() {
			n++
		}
	}
	return n
}

// Attempt is one student's in-progress or completed exam session.
type Attempt struct {
	ID                    uuid.UUID            `json:"id"`
	StudentID             int                  `json:"student_id"`
	ExamID                uuid.UUID            `json:"exam_id"`
	StartedAt             time.Time            `json:"started_at"`
	Answers               map[uuid.UUID]Answer `json:"answers"`
	QuestionsAttempted    int                  `json:"questions_attempted"`
	CheatingAttemptsCount int                  `json:"cheating_attempts_count"`
	StrikeCount           int                  `json:"strike_count"`
	CheatingLogs          []CheatingLogEntry   `json:"cheating_logs"`
	Status                AttemptStatus        `json:"status"`
	SubmittedAt           *time.Time           `json:"submitted_at,omitempty"`
	Score                 *float64             `json:"score,omitempty"`
	MaxScore              *float64             `json:"max_score,omitempty"`
}

// Clone returns a deep copy of the attempt.
func (a *Attempt) Clone() *Attempt {
	if a == nil {
		return nil
	}
	out := *a
	out.Answers = make(map[uuid.UUID]Answer, len(a.Answers))
	for k, v := range a.Answers {
		out.Answers[k] = v.Clone()
	}
	out.CheatingLogs = append([]CheatingLogEntry(nil), a.CheatingLogs...)
	return &out
}

// SubmissionResult is returned by every submit call for an attempt.
type SubmissionResult struct {
	AttemptID             uuid.UUID `json:"attempt_id"`
	ExamID                uuid.UUID `json:"exam_id"`
	Score                 float64   `json:"score"`
	MaxScore              float64   `json:"max_score"`
	QuestionsAttempted    int       `json:"questions_attempted"`
	CheatingAttemptsCount int       `json:"cheating_attempts_count"`
	SubmittedAt           time.Time `json:"submitted_at"`
}

// SaveAnswerRequest is the payload for persisting a single answer.
type SaveAnswerRequest struct {
	SelectedOptions  []int        `json:"selected_options" binding:"omitempty,dive,min=0"`
	TimeSpentSeconds int          `json:"time_spent_seconds" binding:"min=0"`
	AttemptStatus    AnswerStatus `json:"attempt_status" binding:"required,answer_status"`
}

// AttemptStatusResponse answers whether the student already finished an exam.
type AttemptStatusResponse struct {
	HasAttempted bool `json:"has_attempted"`
}
