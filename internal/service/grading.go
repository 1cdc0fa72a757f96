package service

import (
	"slices"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Grade scores answers against the key. A question earns its marks only
// when the selection matches the key exactly; a wrong non-empty selection
// costs its negative marks; a blank one scores zero.
func Grade(exam *model.Exam, key model.AnswerKey, answers map[uuid.UUID]model.Answer) (score, maxScore float64) {
	for _, q := range exam.Questions {
		maxScore += q.Marks

		ans, ok := answers[q.ID]
		if !ok || len(ans.SelectedOptions) == 0 {
			continue
		}
		correct, ok := key[q.ID]
		if !ok {
			continue
		}

		got := normalized(ans.SelectedOptions)
		want := normalized(correct)
		if slices.Equal(got, want) {
			score += q.Marks
		} else {
			score -= q.NegativeMarks
		}
	}
	return score, maxScore
}

func normalized(in []int) []int {
	a := model.Answer{SelectedOptions: append([]int(nil), in...)}
	a.Normalize()
	return a.SelectedOptions
}
