package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ExamRepository handles exam data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetByID retrieves an exam with its questions in display order.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, start_time, end_time, duration_seconds
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.StartTime, &e.EndTime, &e.DurationSeconds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, text, options, marks, negative_marks
		 FROM questions
		 WHERE exam_id = $1
		 ORDER BY position ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.Text, &q.Options, &q.Marks, &q.NegativeMarks); err != nil {
			return nil, err
		}
		e.Questions = append(e.Questions, q)
	}
	return e, rows.Err()
}

// GetAnswerKey returns the correct option indices of every question of an exam.
func (r *ExamRepository) GetAnswerKey(ctx context.Context, examID uuid.UUID) (model.AnswerKey, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, correct_options FROM questions WHERE exam_id = $1`, examID,
	)
	if err != nil {
		return nil, fmt.Errorf("get answer key: %w", err)
	}
	defer rows.Close()

	key := make(model.AnswerKey)
	for rows.Next() {
		var qid uuid.UUID
		var correct []int32
		if err := rows.Scan(&qid, &correct); err != nil {
			return nil, err
		}
		key[qid] = fromInt32s(correct)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, ErrNotFound
	}
	return key, nil
}

func fromInt32s(in []int32) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}

func toInt32s(in []int) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}
