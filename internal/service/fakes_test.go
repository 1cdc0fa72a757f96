package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

type memExams struct {
	exams map[uuid.UUID]*model.Exam
	keys  map[uuid.UUID]model.AnswerKey
	loads atomic.Int32
	gate  chan struct{}
}

func (m *memExams) GetByID(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	m.loads.Add(1)
	if m.gate != nil {
		<-m.gate
	}
	e, ok := m.exams[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return e, nil
}

func (m *memExams) GetAnswerKey(_ context.Context, examID uuid.UUID) (model.AnswerKey, error) {
	k, ok := m.keys[examID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return k, nil
}

type memExamCache struct {
	mu    sync.Mutex
	exams map[uuid.UUID]*model.Exam
}

func (c *memExamCache) Get(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.exams[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return e, nil
}

func (c *memExamCache) Set(_ context.Context, e *model.Exam, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exams[e.ID] = e
	return nil
}

type attemptKey struct {
	exam    uuid.UUID
	student int
}

// memAttempts mirrors the row-locked submit of AttemptRepository.
type memAttempts struct {
	mu        sync.Mutex
	attempts  map[attemptKey]*model.Attempt
	submits   int
	insertErr error
}

func (m *memAttempts) Create(_ context.Context, examID uuid.UUID, studentID int) (*model.Attempt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := attemptKey{examID, studentID}
	if a, ok := m.attempts[k]; ok {
		return a.Clone(), false, nil
	}
	a := &model.Attempt{
		ID:        uuid.New(),
		StudentID: studentID,
		ExamID:    examID,
		StartedAt: t0,
		Answers:   map[uuid.UUID]model.Answer{},
		Status:    model.AttemptStatusInProgress,
	}
	m.attempts[k] = a
	return a.Clone(), true, nil
}

func (m *memAttempts) GetByExamAndStudent(_ context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptKey{examID, studentID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a.Clone(), nil
}

func (m *memAttempts) HasSubmitted(_ context.Context, examID uuid.UUID, studentID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptKey{examID, studentID}]
	return ok && a.Status == model.AttemptStatusSubmitted, nil
}

func (m *memAttempts) IncrementViolations(_ context.Context, examID uuid.UUID, studentID int, typ model.ViolationType) (uuid.UUID, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptKey{examID, studentID}]
	if !ok || a.Status == model.AttemptStatusSubmitted {
		return uuid.Nil, 0, repository.ErrNotFound
	}
	a.CheatingAttemptsCount++
	if typ.IsStrike() {
		a.StrikeCount++
	}
	return a.ID, a.CheatingAttemptsCount, nil
}

func (m *memAttempts) byID(id uuid.UUID) *model.Attempt {
	for _, a := range m.attempts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (m *memAttempts) RevertViolation(_ context.Context, attemptID uuid.UUID, typ model.ViolationType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.byID(attemptID)
	if a == nil {
		return repository.ErrNotFound
	}
	a.CheatingAttemptsCount--
	if typ.IsStrike() {
		a.StrikeCount--
	}
	return nil
}

func (m *memAttempts) InsertViolation(_ context.Context, attemptID uuid.UUID, entry model.CheatingLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	a := m.byID(attemptID)
	if a == nil {
		return repository.ErrNotFound
	}
	a.CheatingLogs = append(a.CheatingLogs, entry)
	return nil
}

func (m *memAttempts) Submit(_ context.Context, examID uuid.UUID, studentID int, final map[uuid.UUID]model.Answer, grade repository.GradeFunc, now time.Time) (*model.Attempt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptKey{examID, studentID}]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	if a.Status == model.AttemptStatusSubmitted {
		return a.Clone(), false, nil
	}
	m.submits++
	for qid, ans := range final {
		a.Answers[qid] = ans.Clone()
	}
	score, max := grade(a.Answers)
	a.Score, a.MaxScore = &score, &max
	a.SubmittedAt = &now
	a.Status = model.AttemptStatusSubmitted
	a.QuestionsAttempted = model.CountAttempted(a.Answers)
	return a.Clone(), true, nil
}

type memAnswers struct {
	mu      sync.Mutex
	answers map[attemptKey]map[uuid.UUID]model.Answer
	puts    int
}

func (c *memAnswers) bucket(examID uuid.UUID, studentID int) map[uuid.UUID]model.Answer {
	k := attemptKey{examID, studentID}
	if c.answers[k] == nil {
		c.answers[k] = map[uuid.UUID]model.Answer{}
	}
	return c.answers[k]
}

func (c *memAnswers) Seed(_ context.Context, examID uuid.UUID, studentID int, answers map[uuid.UUID]model.Answer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.bucket(examID, studentID)
	for qid, a := range answers {
		if _, ok := b[qid]; !ok {
			b[qid] = a.Clone()
		}
	}
	return nil
}

func (c *memAnswers) Put(_ context.Context, examID uuid.UUID, studentID int, qid uuid.UUID, a model.Answer, _ int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	c.bucket(examID, studentID)[qid] = a.Clone()
	return nil
}

func (c *memAnswers) All(_ context.Context, examID uuid.UUID, studentID int) (map[uuid.UUID]model.Answer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[uuid.UUID]model.Answer{}
	for qid, a := range c.answers[attemptKey{examID, studentID}] {
		out[qid] = a.Clone()
	}
	return out, nil
}

func (c *memAnswers) Clear(_ context.Context, examID uuid.UUID, studentID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.answers, attemptKey{examID, studentID})
	return nil
}

type memMonitor struct {
	mu       sync.Mutex
	jobs     []repository.ViolationJob
	events   []model.MonitorEvent
	queueErr error
}

func (m *memMonitor) QueueViolation(_ context.Context, job repository.ViolationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queueErr != nil {
		return m.queueErr
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *memMonitor) Publish(_ context.Context, _ uuid.UUID, ev model.MonitorEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memMonitor) eventTypes() []model.MonitorEventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.MonitorEventType
	for _, ev := range m.events {
		out = append(out, ev.Type)
	}
	return out
}
