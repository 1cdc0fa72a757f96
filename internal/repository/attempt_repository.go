package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// GradeFunc scores the final answers of an attempt.
type GradeFunc func(answers map[uuid.UUID]model.Answer) (score, maxScore float64)

// upsertAnswerSQL only writes while the attempt is in progress. FOR SHARE
// waits on a concurrent submit and re-checks the status after it commits.
const upsertAnswerSQL = `
	INSERT INTO attempt_answers (attempt_id, question_id, selected_options, attempt_status, time_spent_seconds, saved_at)
	SELECT a.id, $3, $4, $5, $6, $7
	FROM exam_attempts a
	WHERE a.exam_id = $1 AND a.student_id = $2 AND a.status = 'in_progress'
	FOR SHARE
	ON CONFLICT (attempt_id, question_id) DO UPDATE
	SET selected_options   = EXCLUDED.selected_options,
	    attempt_status     = EXCLUDED.attempt_status,
	    time_spent_seconds = GREATEST(attempt_answers.time_spent_seconds, EXCLUDED.time_spent_seconds),
	    saved_at           = EXCLUDED.saved_at
	WHERE attempt_answers.saved_at <= EXCLUDED.saved_at`

// AttemptRepository handles exam attempt data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// Create inserts the attempt for (exam, student) unless one exists. The
// boolean reports whether a new row was created; otherwise the existing
// attempt is returned.
func (r *AttemptRepository) Create(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, bool, error) {
	a := &model.Attempt{
		ExamID:    examID,
		StudentID: studentID,
		Status:    model.AttemptStatusInProgress,
		Answers:   map[uuid.UUID]model.Answer{},
	}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO exam_attempts (exam_id, student_id, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (exam_id, student_id) DO NOTHING
		 RETURNING id, started_at`,
		examID, studentID, model.AttemptStatusInProgress,
	).Scan(&a.ID, &a.StartedAt)
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("create attempt: %w", err)
	}

	existing, err := r.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetByExamAndStudent loads an attempt with its answers and violation log.
func (r *AttemptRepository) GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	return r.load(ctx, r.pool, examID, studentID, false)
}

// HasSubmitted reports whether the student already submitted the exam.
func (r *AttemptRepository) HasSubmitted(ctx context.Context, examID uuid.UUID, studentID int) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM exam_attempts
		     WHERE exam_id = $1 AND student_id = $2 AND status = $3)`,
		examID, studentID, model.AttemptStatusSubmitted,
	).Scan(&exists)
	return exists, err
}

// UpsertAnswer writes one answer of an in-progress attempt. Older writes
// never overwrite newer ones. It reports whether a row was written.
func (r *AttemptRepository) UpsertAnswer(ctx context.Context, examID uuid.UUID, studentID int, questionID uuid.UUID, answer model.Answer, savedAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, upsertAnswerSQL,
		examID, studentID, questionID,
		toInt32s(answer.SelectedOptions), answer.AttemptStatus, answer.TimeSpentSeconds, savedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// IncrementViolations bumps the violation counter of an in-progress
// attempt, and its strike counter when typ is a strike. It returns the
// attempt ID and new total.
func (r *AttemptRepository) IncrementViolations(ctx context.Context, examID uuid.UUID, studentID int, typ model.ViolationType) (uuid.UUID, int, error) {
	var id uuid.UUID
	var count int
	err := r.pool.QueryRow(ctx,
		`UPDATE exam_attempts
		 SET cheating_attempts_count = cheating_attempts_count + 1,
		     strike_count = strike_count + CASE WHEN $4 THEN 1 ELSE 0 END
		 WHERE exam_id = $1 AND student_id = $2 AND status = $3
		 RETURNING id, cheating_attempts_count`,
		examID, studentID, model.AttemptStatusInProgress, typ.IsStrike(),
	).Scan(&id, &count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, 0, ErrNotFound
		}
		return uuid.Nil, 0, err
	}
	return id, count, nil
}

// RevertViolation undoes one IncrementViolations for an attempt whose log
// row could not be stored.
func (r *AttemptRepository) RevertViolation(ctx context.Context, attemptID uuid.UUID, typ model.ViolationType) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_attempts
		 SET cheating_attempts_count = GREATEST(cheating_attempts_count - 1, 0),
		     strike_count = GREATEST(strike_count - CASE WHEN $2 THEN 1 ELSE 0 END, 0)
		 WHERE id = $1`,
		attemptID, typ.IsStrike(),
	)
	return err
}

// InsertViolation writes one log row directly, bypassing the queue.
func (r *AttemptRepository) InsertViolation(ctx context.Context, attemptID uuid.UUID, entry model.CheatingLogEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_violations (attempt_id, type, description, recorded_at)
		 VALUES ($1, $2, $3, $4)`,
		attemptID, entry.Type, entry.Description, entry.Timestamp,
	)
	return err
}

// Submit finalizes an attempt in one transaction: final answers are merged
// over the stored ones, graded, and the attempt is marked submitted. An
// already submitted attempt is returned unchanged with submitted=false.
func (r *AttemptRepository) Submit(ctx context.Context, examID uuid.UUID, studentID int, final map[uuid.UUID]model.Answer, grade GradeFunc, now time.Time) (attempt *model.Attempt, submitted bool, err error) {
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		a, err := r.load(ctx, tx, examID, studentID, true)
		if err != nil {
			return err
		}
		if a.Status == model.AttemptStatusSubmitted {
			attempt = a
			return nil
		}

		if len(final) > 0 {
			batch := &pgx.Batch{}
			for qid, ans := range final {
				batch.Queue(upsertAnswerSQL,
					examID, studentID, qid,
					toInt32s(ans.SelectedOptions), ans.AttemptStatus, ans.TimeSpentSeconds, now,
				)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("write final answers: %w", err)
			}
		}

		for qid, ans := range final {
			if prev, ok := a.Answers[qid]; ok && prev.TimeSpentSeconds > ans.TimeSpentSeconds {
				ans.TimeSpentSeconds = prev.TimeSpentSeconds
			}
			a.Answers[qid] = ans.Clone()
		}
		score, maxScore := grade(a.Answers)
		a.QuestionsAttempted = model.CountAttempted(a.Answers)

		if _, err := tx.Exec(ctx,
			`UPDATE exam_attempts
			 SET status = $2, submitted_at = $3, score = $4, max_score = $5, questions_attempted = $6
			 WHERE id = $1`,
			a.ID, model.AttemptStatusSubmitted, now, score, maxScore, a.QuestionsAttempted,
		); err != nil {
			return fmt.Errorf("mark submitted: %w", err)
		}

		a.Status = model.AttemptStatusSubmitted
		a.SubmittedAt = &now
		a.Score = &score
		a.MaxScore = &maxScore
		attempt, submitted = a, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return attempt, submitted, nil
}

func (r *AttemptRepository) load(ctx context.Context, q dbtx, examID uuid.UUID, studentID int, forUpdate bool) (*model.Attempt, error) {
	query := `SELECT id, exam_id, student_id, started_at, status, questions_attempted,
	                 cheating_attempts_count, strike_count, submitted_at, score, max_score
	          FROM exam_attempts
	          WHERE exam_id = $1 AND student_id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	a := &model.Attempt{}
	err := q.QueryRow(ctx, query, examID, studentID).Scan(
		&a.ID, &a.ExamID, &a.StudentID, &a.StartedAt, &a.Status, &a.QuestionsAttempted,
		&a.CheatingAttemptsCount, &a.StrikeCount, &a.SubmittedAt, &a.Score, &a.MaxScore,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}

	if a.Answers, err = r.loadAnswers(ctx, q, a.ID); err != nil {
		return nil, err
	}
	if a.CheatingLogs, err = r.loadViolations(ctx, q, a.ID); err != nil {
		return nil, err
	}
	if a.Status == model.AttemptStatusInProgress {
		a.QuestionsAttempted = model.CountAttempted(a.Answers)
	}
	return a, nil
}

func (r *AttemptRepository) loadAnswers(ctx context.Context, q dbtx, attemptID uuid.UUID) (map[uuid.UUID]model.Answer, error) {
	rows, err := q.Query(ctx,
		`SELECT question_id, selected_options, attempt_status, time_spent_seconds
		 FROM attempt_answers WHERE attempt_id = $1`, attemptID,
	)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	answers := make(map[uuid.UUID]model.Answer)
	for rows.Next() {
		var qid uuid.UUID
		var sel []int32
		var ans model.Answer
		if err := rows.Scan(&qid, &sel, &ans.AttemptStatus, &ans.TimeSpentSeconds); err != nil {
			return nil, err
		}
		ans.SelectedOptions = fromInt32s(sel)
		ans.Normalize()
		answers[qid] = ans
	}
	return answers, rows.Err()
}

func (r *AttemptRepository) loadViolations(ctx context.Context, q dbtx, attemptID uuid.UUID) ([]model.CheatingLogEntry, error) {
	rows, err := q.Query(ctx,
		`SELECT type, description, recorded_at
		 FROM attempt_violations
		 WHERE attempt_id = $1
		 ORDER BY recorded_at ASC, id ASC`, attemptID,
	)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	logs := []model.CheatingLogEntry{}
	for rows.Next() {
		var e model.CheatingLogEntry
		if err := rows.Scan(&e.Type, &e.Description, &e.Timestamp); err != nil {
			return nil, err
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}
