package service

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestGrade(t *testing.T) {
	q1, q2, q3 := uuid.New(), uuid.New(), uuid.New()
	exam := &model.Exam{Questions: []model.Question{
		{ID: q1, Marks: 4, NegativeMarks: 1},
		{ID: q2, Marks: 4, NegativeMarks: 1},
		{ID: q3, Marks: 2},
	}}
	key := model.AnswerKey{q1: {0, 2}, q2: {1}, q3: {3}}

	tests := []struct {
		name    string
		answers map[uuid.UUID]model.Answer
		want    float64
	}{
		{"blank", nil, 0},
		{"all correct", map[uuid.UUID]model.Answer{
			q1: {SelectedOptions: []int{2, 0}},
			q2: {SelectedOptions: []int{1}},
			q3: {SelectedOptions: []int{3}},
		}, 10},
		{"partial selection is wrong", map[uuid.UUID]model.Answer{
			q1: {SelectedOptions: []int{0}},
		}, -1},
		{"duplicates normalize", map[uuid.UUID]model.Answer{
			q2: {SelectedOptions: []int{1, 1}},
		}, 4},
		{"wrong without negative marks", map[uuid.UUID]model.Answer{
			q3: {SelectedOptions: []int{0}},
		}, 0},
		{"empty selection scores zero", map[uuid.UUID]model.Answer{
			q1: {SelectedOptions: []int{}, AttemptStatus: model.AnswerMarkedForReview},
		}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, max := Grade(exam, key, tt.answers)
			assert.Equal(t, tt.want, score)
			assert.Equal(t, 10.0, max)
		})
	}
}
