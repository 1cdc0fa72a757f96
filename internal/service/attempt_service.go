package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

// Domain errors.
var (
	ErrExamNotFound     = errors.New("exam not found")
	ErrExamClosed       = errors.New("exam is not open for attempts")
	ErrConflict         = errors.New("exam already attempted")
	ErrAttemptNotFound  = errors.New("no attempt in progress")
	ErrAttemptSubmitted = errors.New("attempt already submitted")
	ErrInvalidAnswer    = errors.New("invalid answer")
	ErrInvalidViolation = errors.New("invalid violation")
)

// ExamStore reads exam definitions from durable storage.
type ExamStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error)
	GetAnswerKey(ctx context.Context, examID uuid.UUID) (model.AnswerKey, error)
}

// ExamCache caches student-facing exam payloads.
type ExamCache interface {
	Get(ctx context.Context, examID uuid.UUID) (*model.Exam, error)
	Set(ctx context.Context, exam *model.Exam, ttl time.Duration) error
}

// AttemptStore is the durable attempt record.
type AttemptStore interface {
	Create(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, bool, error)
	GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error)
	HasSubmitted(ctx context.Context, examID uuid.UUID, studentID int) (bool, error)
	IncrementViolations(ctx context.Context, examID uuid.UUID, studentID int, typ model.ViolationType) (uuid.UUID, int, error)
	RevertViolation(ctx context.Context, attemptID uuid.UUID, typ model.ViolationType) error
	InsertViolation(ctx context.Context, attemptID uuid.UUID, entry model.CheatingLogEntry) error
	Submit(ctx context.Context, examID uuid.UUID, studentID int, final map[uuid.UUID]model.Answer, grade repository.GradeFunc, now time.Time) (*model.Attempt, bool, error)
}

// AnswerCache is the fast lane for in-progress answers.
type AnswerCache interface {
	Seed(ctx context.Context, examID uuid.UUID, studentID int, answers map[uuid.UUID]model.Answer) error
	Put(ctx context.Context, examID uuid.UUID, studentID int, questionID uuid.UUID, answer model.Answer, savedAt int64) error
	All(ctx context.Context, examID uuid.UUID, studentID int) (map[uuid.UUID]model.Answer, error)
	Clear(ctx context.Context, examID uuid.UUID, studentID int) error
}

// MonitorFeed receives violation rows and live attempt events.
type MonitorFeed interface {
	QueueViolation(ctx context.Context, job repository.ViolationJob) error
	Publish(ctx context.Context, examID uuid.UUID, ev model.MonitorEvent) error
}

// AttemptDeps are the collaborators of AttemptService.
type AttemptDeps struct {
	Exams     ExamStore
	ExamCache ExamCache
	Attempts  AttemptStore
	Answers   AnswerCache
	Monitor   MonitorFeed
	Clock     clock.PassiveClock
	CacheTTL  time.Duration
	Log       zerolog.Logger
}

// AttemptService implements the student side of an exam attempt: exam
// fetch, attempt status, start, answer save, violation log and submit.
type AttemptService struct {
	exams     ExamStore
	examCache ExamCache
	attempts  AttemptStore
	answers   AnswerCache
	monitor   MonitorFeed
	clock     clock.PassiveClock
	cacheTTL  time.Duration
	log       zerolog.Logger
	group     singleflight.Group
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(deps AttemptDeps) *AttemptService {
	clk := deps.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &AttemptService{
		exams:     deps.Exams,
		examCache: deps.ExamCache,
		attempts:  deps.Attempts,
		answers:   deps.Answers,
		monitor:   deps.Monitor,
		clock:     clk,
		cacheTTL:  deps.CacheTTL,
		log:       deps.Log.With().Str("component", "attempt_service").Logger(),
	}
}

// GetExam returns the student-facing exam, served from Redis when cached.
// Concurrent misses for the same exam share one database load.
func (s *AttemptService) GetExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error) {
	exam, err := s.examCache.Get(ctx, examID)
	if err == nil {
		return exam, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Exam cache read failed")
	}

	v, err, _ := s.group.Do(examID.String(), func() (interface{}, error) {
		exam, err := s.exams.GetByID(ctx, examID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, ErrExamNotFound
			}
			return nil, fmt.Errorf("get exam: %w", err)
		}
		if err := s.examCache.Set(ctx, exam, s.cacheTTL); err != nil {
			s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Exam cache write failed")
		}
		return exam, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Exam), nil
}

// HasAttempted reports whether the student already submitted the exam.
func (s *AttemptService) HasAttempted(ctx context.Context, examID uuid.UUID, studentID int) (bool, error) {
	return s.attempts.HasSubmitted(ctx, examID, studentID)
}

// StartAttempt creates the student's attempt, or resumes the one in
// progress. A submitted attempt yields ErrConflict.
func (s *AttemptService) StartAttempt(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	exam, err := s.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	existing, err := s.attempts.GetByExamAndStudent(ctx, examID, studentID)
	switch {
	case err == nil:
		return s.resume(ctx, existing)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	if !exam.IsOpenAt(s.clock.Now()) || len(exam.Questions) == 0 {
		return nil, ErrExamClosed
	}

	a, created, err := s.attempts.Create(ctx, examID, studentID)
	if err != nil {
		return nil, err
	}
	if !created {
		return s.resume(ctx, a)
	}

	s.log.Info().
		Int("student_id", studentID).
		Str("exam_id", examID.String()).
		Str("attempt_id", a.ID.String()).
		Msg("Attempt started")
	s.publish(ctx, examID, model.MonitorEvent{
		Type:      model.MonitorAttemptStarted,
		StudentID: studentID,
		AttemptID: a.ID,
	})
	return a, nil
}

func (s *AttemptService) resume(ctx context.Context, a *model.Attempt) (*model.Attempt, error) {
	if a.Status == model.AttemptStatusSubmitted {
		return nil, ErrConflict
	}
	if err := s.overlayCached(ctx, a); err != nil {
		return nil, err
	}
	if err := s.answers.Seed(ctx, a.ExamID, a.StudentID, a.Answers); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("Answer cache seed failed")
	}
	return a, nil
}

// SaveAnswer stores one question's answer of an in-progress attempt and
// returns the attempt with every answer merged. Other questions are never
// touched.
func (s *AttemptService) SaveAnswer(ctx context.Context, examID uuid.UUID, studentID int, questionID uuid.UUID, answer model.Answer) (*model.Attempt, error) {
	exam, err := s.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	answer, err = sanitizeAnswer(exam, questionID, answer)
	if err != nil {
		return nil, err
	}

	a, err := s.inProgress(ctx, examID, studentID)
	if err != nil {
		return nil, err
	}
	if err := s.overlayCached(ctx, a); err != nil {
		return nil, err
	}
	if prev, ok := a.Answers[questionID]; ok && prev.TimeSpentSeconds > answer.TimeSpentSeconds {
		answer.TimeSpentSeconds = prev.TimeSpentSeconds
	}

	if err := s.answers.Put(ctx, examID, studentID, questionID, answer, s.clock.Now().UnixNano()); err != nil {
		return nil, fmt.Errorf("save answer: %w", err)
	}

	a.Answers[questionID] = answer
	a.QuestionsAttempted = model.CountAttempted(a.Answers)
	return a, nil
}

// LogViolation bumps the attempt's counters and queues its log row. When
// the queue is unavailable the row is written directly; if that fails too
// the counters are reverted so they never exceed the log.
func (s *AttemptService) LogViolation(ctx context.Context, examID uuid.UUID, studentID int, entry model.CheatingLogEntry) error {
	if !entry.Type.IsValid() {
		return fmt.Errorf("%w: type %q", ErrInvalidViolation, entry.Type)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now()
	}

	attemptID, count, err := s.attempts.IncrementViolations(ctx, examID, studentID, entry.Type)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return s.missingAttempt(ctx, examID, studentID)
		}
		return fmt.Errorf("count violation: %w", err)
	}

	job := repository.ViolationJob{
		AttemptID:   attemptID.String(),
		StudentID:   studentID,
		ExamID:      examID.String(),
		Type:        entry.Type,
		Description: entry.Description,
		Timestamp:   entry.Timestamp.UnixMilli(),
	}
	if err := s.monitor.QueueViolation(ctx, job); err != nil {
		s.log.Warn().Err(err).
			Int("student_id", studentID).
			Str("type", string(entry.Type)).
			Msg("Violation queue unavailable, writing log row directly")

		if err := s.attempts.InsertViolation(ctx, attemptID, entry); err != nil {
			if rerr := s.attempts.RevertViolation(ctx, attemptID, entry.Type); rerr != nil {
				s.log.Error().Err(rerr).
					Str("attempt_id", attemptID.String()).
					Msg("Violation counter revert failed")
			}
			return fmt.Errorf("store violation: %w", err)
		}
	}

	s.publish(ctx, examID, model.MonitorEvent{
		Type:                  model.MonitorViolation,
		StudentID:             studentID,
		AttemptID:             attemptID,
		ViolationType:         entry.Type,
		CheatingAttemptsCount: count,
	})
	return nil
}

// SubmitAttempt finalizes and grades the attempt. Repeated calls return
// the same result.
func (s *AttemptService) SubmitAttempt(ctx context.Context, examID uuid.UUID, studentID int) (*model.SubmissionResult, error) {
	exam, err := s.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	key, err := s.exams.GetAnswerKey(ctx, examID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("get answer key: %w", err)
	}

	cached, err := s.answers.All(ctx, examID, studentID)
	if err != nil {
		return nil, err
	}
	final := make(map[uuid.UUID]model.Answer, len(cached))
	for qid, ans := range cached {
		if exam.QuestionIndex(qid) >= 0 {
			final[qid] = ans
		}
	}

	grade := func(answers map[uuid.UUID]model.Answer) (float64, float64) {
		return Grade(exam, key, answers)
	}
	a, submitted, err := s.attempts.Submit(ctx, examID, studentID, final, grade, s.clock.Now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("submit attempt: %w", err)
	}

	res := resultOf(a)
	if !submitted {
		return res, nil
	}

	if err := s.answers.Clear(ctx, examID, studentID); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("Answer cache clear failed")
	}
	s.log.Info().
		Int("student_id", studentID).
		Str("attempt_id", a.ID.String()).
		Float64("score", res.Score).
		Int("violations", res.CheatingAttemptsCount).
		Msg("Attempt submitted")
	s.publish(ctx, examID, model.MonitorEvent{
		Type:                  model.MonitorAttemptSubmitted,
		StudentID:             studentID,
		AttemptID:             a.ID,
		CheatingAttemptsCount: res.CheatingAttemptsCount,
		QuestionsAttempted:    res.QuestionsAttempted,
		Score:                 a.Score,
	})
	return res, nil
}

// GetAttempt returns the student's attempt with the freshest answers.
func (s *AttemptService) GetAttempt(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	a, err := s.attempts.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	if a.Status == model.AttemptStatusInProgress {
		if err := s.overlayCached(ctx, a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (s *AttemptService) inProgress(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	a, err := s.attempts.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	if a.Status == model.AttemptStatusSubmitted {
		return nil, ErrAttemptSubmitted
	}
	return a, nil
}

func (s *AttemptService) missingAttempt(ctx context.Context, examID uuid.UUID, studentID int) error {
	submitted, err := s.attempts.HasSubmitted(ctx, examID, studentID)
	if err != nil {
		return err
	}
	if submitted {
		return ErrAttemptSubmitted
	}
	return ErrAttemptNotFound
}

// overlayCached merges cached answers over the persisted ones.
func (s *AttemptService) overlayCached(ctx context.Context, a *model.Attempt) error {
	cached, err := s.answers.All(ctx, a.ExamID, a.StudentID)
	if err != nil {
		return err
	}
	if a.Answers == nil {
		a.Answers = make(map[uuid.UUID]model.Answer, len(cached))
	}
	for qid, ans := range cached {
		if prev, ok := a.Answers[qid]; ok && prev.TimeSpentSeconds > ans.TimeSpentSeconds {
			ans.TimeSpentSeconds = prev.TimeSpentSeconds
		}
		a.Answers[qid] = ans
	}
	a.QuestionsAttempted = model.CountAttempted(a.Answers)
	return nil
}

func (s *AttemptService) publish(ctx context.Context, examID uuid.UUID, ev model.MonitorEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock.Now()
	}
	if err := s.monitor.Publish(ctx, examID, ev); err != nil {
		s.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("Monitor publish failed")
	}
}

// sanitizeAnswer validates an answer against the exam and derives a
// status consistent with the selection.
func sanitizeAnswer(exam *model.Exam, questionID uuid.UUID, answer model.Answer) (model.Answer, error) {
	idx := exam.QuestionIndex(questionID)
	if idx < 0 {
		return answer, fmt.Errorf("%w: unknown question %s", ErrInvalidAnswer, questionID)
	}
	if !answer.AttemptStatus.IsValid() {
		return answer, fmt.Errorf("%w: status %q", ErrInvalidAnswer, answer.AttemptStatus)
	}
	if answer.TimeSpentSeconds < 0 {
		return answer, fmt.Errorf("%w: negative time", ErrInvalidAnswer)
	}
	n := len(exam.Questions[idx].Options)
	for _, opt := range answer.SelectedOptions {
		if opt < 0 || opt >= n {
			return answer, fmt.Errorf("%w: option %d out of range", ErrInvalidAnswer, opt)
		}
	}

	answer = answer.Clone()
	answer.Normalize()
	switch {
	case answer.AttemptStatus == model.AnswerAttempted && len(answer.SelectedOptions) == 0:
		answer.AttemptStatus = model.AnswerNotAttempted
	case answer.AttemptStatus == model.AnswerNotAttempted && len(answer.SelectedOptions) > 0:
		answer.AttemptStatus = model.AnswerAttempted
	}
	return answer, nil
}

func resultOf(a *model.Attempt) *model.SubmissionResult {
	res := &model.SubmissionResult{
		AttemptID:             a.ID,
		ExamID:                a.ExamID,
		QuestionsAttempted:    a.QuestionsAttempted,
		CheatingAttemptsCount: a.CheatingAttemptsCount,
	}
	if a.Score != nil {
		res.Score = *a.Score
	}
	if a.MaxScore != nil {
		res.MaxScore = *a.MaxScore
	}
	if a.SubmittedAt != nil {
		res.SubmittedAt = *a.SubmittedAt
	}
	return res
}
