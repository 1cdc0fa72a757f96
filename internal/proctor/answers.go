package proctor

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AnswerStore holds the answer state of every question of the active
// attempt. It is not safe for concurrent use; the session actor owns it.
type AnswerStore struct {
	order   []uuid.UUID
	options map[uuid.UUID]int
	answers map[uuid.UUID]*model.Answer
}

// NewAnswerStore creates a store with a not_attempted entry per question.
func NewAnswerStore(exam *model.Exam) *AnswerStore {
	s := &AnswerStore{
		order:   make([]uuid.UUID, 0, len(exam.Questions)),
		options: make(map[uuid.UUID]int, len(exam.Questions)),
		answers: make(map[uuid.UUID]*model.Answer, len(exam.Questions)),
	}
	for _, q := range exam.Questions {
		s.order = append(s.order, q.ID)
		s.options[q.ID] = len(q.Options)
		s.answers[q.ID] = &model.Answer{
			SelectedOptions: []int{},
			AttemptStatus:   model.AnswerNotAttempted,
		}
	}
	return s
}

// Len returns the number of questions.
func (s *AnswerStore) Len() int { return len(s.order) }

// QuestionAt returns the question ID at index i.
func (s *AnswerStore) QuestionAt(i int) (uuid.UUID, bool) {
	if i < 0 || i >= len(s.order) {
		return uuid.Nil, false
	}
	return s.order[i], true
}

// Rehydrate overwrites entries with persisted answers. Unknown questions
// and out-of-range option indices are dropped.
func (s *AnswerStore) Rehydrate(persisted map[uuid.UUID]model.Answer) {
	for qid, a := range persisted {
		cur, ok := s.answers[qid]
		if !ok {
			continue
		}
		n := s.options[qid]
		sel := make([]int, 0, len(a.SelectedOptions))
		for _, idx := range a.SelectedOptions {
			if idx >= 0 && idx < n {
				sel = append(sel, idx)
			}
		}
		next := model.Answer{
			SelectedOptions:  sel,
			AttemptStatus:    a.AttemptStatus,
			TimeSpentSeconds: a.TimeSpentSeconds,
		}
		if !next.AttemptStatus.IsValid() {
			next.AttemptStatus = statusFor(next.SelectedOptions, model.AnswerNotAttempted)
		}
		if next.TimeSpentSeconds < cur.TimeSpentSeconds {
			next.TimeSpentSeconds = cur.TimeSpentSeconds
		}
		next.Normalize()
		*cur = next
	}
}

// Toggle flips membership of optionIndex in the question's selection.
func (s *AnswerStore) Toggle(qid uuid.UUID, optionIndex int) (model.Answer, error) {
	a, ok := s.answers[qid]
	if !ok {
		return model.Answer{}, fmt.Errorf("%w: %s", ErrUnknownQuestion, qid)
	}
	if optionIndex < 0 || optionIndex >= s.options[qid] {
		return model.Answer{}, fmt.Errorf("%w: %d", ErrInvalidOption, optionIndex)
	}

	removed := false
	sel := a.SelectedOptions[:0:0]
	for _, v := range a.SelectedOptions {
		if v == optionIndex {
			removed = true
			continue
		}
		sel = append(sel, v)
	}
	if !removed {
		sel = append(sel, optionIndex)
	}
	a.SelectedOptions = sel
	a.Normalize()
	a.AttemptStatus = statusFor(a.SelectedOptions, a.AttemptStatus)
	return a.Clone(), nil
}

// MarkForReview flags the question for review. Marking is idempotent.
func (s *AnswerStore) MarkForReview(qid uuid.UUID) (model.Answer, error) {
	a, ok := s.answers[qid]
	if !ok {
		return model.Answer{}, fmt.Errorf("%w: %s", ErrUnknownQuestion, qid)
	}
	a.AttemptStatus = model.AnswerMarkedForReview
	return a.Clone(), nil
}

// AddTime accrues seconds on a question. Negative values are ignored so
// TimeSpentSeconds never decreases.
func (s *AnswerStore) AddTime(qid uuid.UUID, seconds int) {
	a, ok := s.answers[qid]
	if !ok || seconds <= 0 {
		return
	}
	a.TimeSpentSeconds += seconds
}

// Get returns a copy of the question's answer.
func (s *AnswerStore) Get(qid uuid.UUID) (model.Answer, bool) {
	a, ok := s.answers[qid]
	if !ok {
		return model.Answer{}, false
	}
	return a.Clone(), true
}

// Snapshot returns a deep copy of every answer.
func (s *AnswerStore) Snapshot() map[uuid.UUID]model.Answer {
	out := make(map[uuid.UUID]model.Answer, len(s.answers))
	for k, v := range s.answers {
		out[k] = v.Clone()
	}
	return out
}

// QuestionsAttempted recomputes the attempted count from current state.
func (s *AnswerStore) QuestionsAttempted() int {
	n := 0
	for _, a := range s.answers {
		if a.Counts() {
			n++
		}
	}
	return n
}

// statusFor derives the status after a selection change. A review mark
// survives selection changes.
func statusFor(selected []int, current model.AnswerStatus) model.AnswerStatus {
	if current == model.AnswerMarkedForReview {
		return current
	}
	if len(selected) == 0 {
		return model.AnswerNotAttempted
	}
	return model.AnswerAttempted
}
