package model

import (
	"github.com/google/uuid"
)

// Question is a single multiple-choice question as shown to students.
type Question struct {
	ID            uuid.UUID `json:"id"`
	Text          string    `json:"text"`
	Options       []Option  `json:"options"`
	Marks         float64   `json:"marks"`
	NegativeMarks float64   `json:"negative_marks"`
}

// Option is one selectable choice of a question.
type Option struct {
	ID   uuid.UUID `json:"id"`
	Text string    `json:"text"`
}

// AnswerKey maps question ID to the correct option indices. Server-side only.
type AnswerKey map[uuid.UUID][]int
