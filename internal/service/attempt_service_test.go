package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const studentID = 7

type harness struct {
	svc      *AttemptService
	clock    *testingclock.FakePassiveClock
	exams    *memExams
	cache    *memExamCache
	attempts *memAttempts
	answers  *memAnswers
	monitor  *memMonitor
	exam     *model.Exam
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	exam := &model.Exam{
		ID:              uuid.New(),
		Title:           "Chemistry Unit Test",
		StartTime:       t0.Add(-time.Hour),
		EndTime:         t0.Add(time.Hour),
		DurationSeconds: 1800,
	}
	key := model.AnswerKey{}
	for i := 0; i < 3; i++ {
		q := model.Question{ID: uuid.New(), Text: "Q", Marks: 4, NegativeMarks: 1}
		for j := 0; j < 4; j++ {
			q.Options = append(q.Options, model.Option{ID: uuid.New(), Text: "opt"})
		}
		exam.Questions = append(exam.Questions, q)
		key[q.ID] = []int{i}
	}

	h := &harness{
		clock:    testingclock.NewFakePassiveClock(t0),
		exams:    &memExams{exams: map[uuid.UUID]*model.Exam{exam.ID: exam}, keys: map[uuid.UUID]model.AnswerKey{exam.ID: key}},
		cache:    &memExamCache{exams: map[uuid.UUID]*model.Exam{}},
		attempts: &memAttempts{attempts: map[attemptKey]*model.Attempt{}},
		answers:  &memAnswers{answers: map[attemptKey]map[uuid.UUID]model.Answer{}},
		monitor:  &memMonitor{},
		exam:     exam,
	}
	h.svc = NewAttemptService(AttemptDeps{
		Exams:     h.exams,
		ExamCache: h.cache,
		Attempts:  h.attempts,
		Answers:   h.answers,
		Monitor:   h.monitor,
		Clock:     h.clock,
		CacheTTL:  time.Minute,
		Log:       zerolog.Nop(),
	})
	return h
}

func (h *harness) q(i int) uuid.UUID { return h.exam.Questions[i].ID }

func TestGetExam_CachesAndSharesLoads(t *testing.T) {
	h := newHarness(t)
	h.exams.gate = make(chan struct{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exam, err := h.svc.GetExam(ctx, h.exam.ID)
			assert.NoError(t, err)
			assert.Equal(t, h.exam.ID, exam.ID)
		}()
	}
	require.Eventually(t, func() bool { return h.exams.loads.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(h.exams.gate)
	wg.Wait()

	assert.Equal(t, int32(1), h.exams.loads.Load())
	assert.Contains(t, h.cache.exams, h.exam.ID)

	_, err := h.svc.GetExam(ctx, h.exam.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.exams.loads.Load(), "cached exam must not hit the store")
}

func TestGetExam_UnknownExam(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.GetExam(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrExamNotFound)
}

func TestStartAttempt_CreatesThenResumes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.StartAttempt(ctx, h.exam.ID, studentID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusInProgress, first.Status)

	_, err = h.svc.SaveAnswer(ctx, h.exam.ID, studentID, h.q(0), model.Answer{
		SelectedOptions: []int{0}, AttemptStatus: model.AnswerAttempted, TimeSpentSeconds: 10,
	})
	require.NoError(t, err)

	again, err := h.svc.StartAttempt(ctx, h.exam.ID, studentID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, []int{0}, again.Answers[h.q(0)].SelectedOptions)
	assert.Equal(t, 1, again.QuestionsAttempted)
	assert.Equal(t, []model.MonitorEventType{model.MonitorAttemptStarted}, h.monitor.eventTypes())
}

func TestStartAttempt_ClosedExam(t *testing.T) {
	h := newHarness(t)
	h.clock.SetTime(t0.Add(2 * time.Hour))

	_, err := h.svc.StartAttempt(context.Background(), h.exam.ID, studentID)
	assert.ErrorIs(t, err, ErrExamClosed)
}

func TestStartAttempt_SubmittedIsConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.StartAttempt(ctx, h.exam.ID, studentID)
	require.NoError(t, err)
	_, err = h.svc.SubmitAttempt(ctx, h.exam.ID, studentID)
	require.NoError(t, err)

	_, err = h.svc.StartAttempt(ctx, h.exam.ID, studentID)
	assert.ErrorIs(t, err, ErrConflict)

	attempted, err := h.svc.HasAttempted(ctx, h.exam.ID, studentID)
	require.NoError(t, err)
	assert.True(t, attempted)
}

func TestSaveAnswer_MergesPerQuestion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.StartAttempt(ctx, h.exam.ID, studentID)
	require.NoError(t, err)

	_, err = h.svc.SaveAnswer(ctx, h.exam.ID, studentID, h.q(0), model.Answer{
		SelectedOptions: []int{2, 0, 2}, AttemptStatus: model.AnswerAttempted, TimeSpentSeconds: 30,
	})
	require.NoError(t, err)
	a, err := h.svc.SaveAnswer(ctx, h.exam.ID, studentID, h.q(1), model.Answer{
		SelectedOptions: []int{1}, AttemptStatus: model.AnswerMarkedForReview, TimeSpentSeconds: 5,
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 2}, a.Answers[h.q(0)].SelectedOptions)
	assert.Equal(t, 30, a.Answers[h.q(0)].TimeSpentSeconds)
	assert.Equal(t, model.AnswerMarkedForReview, a.Answers[h.q(1)].AttemptStatus)
	assert.Equal(t, 2, a.QuestionsAttempted)
}

func TestSaveAnswer_TimeNeverDecreases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.StartAttempt(ctx, h.exam.ID, studentID)
	require.NoError(t, err)

	_, err = h.svc.SaveAnswer(ctx, h.exam.ID, studentID, h.q(0), model.Answer{
		SelectedOptions: []int{1}, AttemptStatus: model.AnswerAttempted, TimeSpentSeconds: 40,
	})
	require.NoError(t, err)
	a, err := h.svc.SaveAnswer(ctx, h.exam.ID, studentID, h.q(0), model.Answer{
		SelectedOptions: []int{2}, AttemptStatus: model.AnswerAttempted, TimeSpentSeconds: 10,
	})
	require.NoError(t, err)

	assert.Equal(t, []int{2}, a.Answers[h.q(0)].SelectedOptions)
	assert.Equal(t, 40, a.Answers[h.q(0)].TimeSpentSeconds)
}

func TestSaveAnswer_DerivesStatusFromSelection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.StartAttempt(ctx, h.exam.ID, studentID)
	require.NoError(t, err)

	a, err := h.svc.SaveAnswer(ctx, h.exam.ID, studentID, h.q(0), model.Answer{AttemptStatus: model.AnswerAttempted})
	require.NoError(t, err)
	assert.Equal(t, model.AnswerNotAttempted, a.Answers[h.q(0)].AttemptStatus)

	a, err = h.svc.SaveAnswer(ctx, h.exam.ID, studentID, h.q(1), model.Answer{
		SelectedOptions: []int{3}, AttemptStatus: model.AnswerNotAttempted,
	})
	require.NoError(t, err)
	assert.Equal(t, model.AnswerAttempted, a.Answers[h.q(1)].AttemptStatus)
}

func TestSaveAnswer_Rejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.StartAttempt(ctx, h.exam.ID, studentID)
	require.NoError(t, err)

	tests := []struct {
		name     string
		question uuid.UUID
		answer   model.Answer
	}{
		{"unknown question", uuid.New(), model.Answer{AttemptStatus: model.AnswerAttempted, SelectedOptions: []int{0}}},
		{"option out of range", h.q(0), model.Answer{AttemptStatus: model.AnswerAttempted, SelectedOptions: []int{4}}},
		{"negative option", h.q(0), model.Answer{AttemptStatus: model.AnswerAttempted, SelectedOptions: []int{-1}}},
		{"unknown status", h.q(0), model.Answer{AttemptStatus: "skipped"}},
		{"negative time", h.q(0), model.Answer{AttemptStatus: model.AnswerNotAttempted, TimeSpentSeconds: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.SaveAnswer(ctx, h.exam.ID, studentID, tt.question, tt.answer)
			assert.ErrorIs(t, err, ErrInvalidAnswer)
		})
	}
	assert.Zero(t, h.answers.puts)
}

func TestSaveAnswer_WithoutAttempt(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.SaveAnswer(context.Background(), h.exam.ID, studentID, h.q(0), model.Answer{
		SelectedOptions: []int{0}, AttemptStatus: model.AnswerAttempted,
	})
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestSubmitAttempt_GradesAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.StartAttempt(ctx, h.exam.ID, studentID)
	require.NoError(t, err)

	// q0 correct, q1 wrong, q2 blank.
	_, err = h.svc.SaveAnswer(ctx, h.exam.ID, studentID, h.q(0), model.Answer{SelectedOptions: []int{0}, AttemptStatus: model.AnswerAttempted})
	require.NoError(t, err)
	_, err = h.svc.SaveAnswer(ctx, h.exam.ID, studentID, h.q(1), model.Answer{SelectedOptions: []int{0}, AttemptStatus: model.AnswerAttempted})
	require.NoError(t, err)

	h.clock.SetTime(t0.Add(10 * time.Minute))
	first, err := h.svc.SubmitAttempt(ctx, h.exam.ID, studentID)
	require.NoError(t, err)
	assert.Equal(t, 3.0, first.Score)
	assert.Equal(t, 12.0, first.MaxScore)
	assert.Equal(t, 2, first.QuestionsAttempted)
	assert.Equal(t, t0.Add(10*time.Minute), first.SubmittedAt)

	h.clock.SetTime(t0.Add(20 * time.Minute))
	second, err := h.svc.SubmitAttempt(ctx, h.exam.ID, studentID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.attempts.submits)

	assert.Equal(t, []model.MonitorEventType{model.MonitorAttemptStarted, model.MonitorAttemptSubmitted}, h.monitor.eventTypes())
	all, err := h.answers.All(ctx, h.exam.ID, studentID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSubmitAttempt_FreezesAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.StartAttempt(ctx, h.exam.ID, studentID)
	require.NoError(t, err)
	_, err = h.svc.SubmitAttempt(ctx, h.exam.ID, studentID)
	require.NoError(t, err)

	_, err = h.svc.SaveAnswer(ctx, h.exam.ID, studentID, h.q(0), model.Answer{SelectedOptions: []int{0}, AttemptStatus: model.AnswerAttempted})
	assert.ErrorIs(t, err, ErrAttemptSubmitted)

	err = h.svc.LogViolation(ctx, h.exam.ID, studentID, model.CheatingLogEntry{Type: model.ViolationTabSwitch})
	assert.ErrorIs(t, err, ErrAttemptSubmitted)

	a, err := h.svc.GetAttempt(ctx, h.exam.ID, studentID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusSubmitted, a.Status)
	assert.Zero(t, a.CheatingAttemptsCount)
}

func TestSubmitAttempt_WithoutAttempt(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.SubmitAttempt(context.Background(), h.exam.ID, studentID)
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestLogViolation_CountsAndQueues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, err := h.svc.StartAttempt(ctx, h.exam.ID, studentID)
	require.NoError(t, err)

	for _, typ := range []model.ViolationType{model.ViolationTabSwitch, model.ViolationCopyPasteAttempt} {
		require.NoError(t, h.svc.LogViolation(ctx, h.exam.ID, studentID, model.CheatingLogEntry{Type: typ, Description: "left page"}))
	}

	got, err := h.svc.GetAttempt(ctx, h.exam.ID, studentID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CheatingAttemptsCount)

	require.Len(t, h.monitor.jobs, 2)
	assert.Equal(t, a.ID.String(), h.monitor.jobs[0].AttemptID)
	assert.Equal(t, t0.UnixMilli(), h.monitor.jobs[0].Timestamp)
	assert.Equal(t, model.ViolationCopyPasteAttempt, h.monitor.jobs[1].Type)
	assert.Equal(t, 2, h.monitor.events[len(h.monitor.events)-1].CheatingAttemptsCount)
}

func TestLogViolation_StrikesAreDurable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.StartAttempt(ctx, h.exam.ID, studentID)
	require.NoError(t, err)

	for _, typ := range []model.ViolationType{
		model.ViolationTabSwitch, model.ViolationCopyPasteAttempt, model.ViolationFullscreenExit,
	} {
		require.NoError(t, h.svc.LogViolation(ctx, h.exam.ID, studentID, model.CheatingLogEntry{Type: typ}))
	}

	// No log rows have been written by the worker yet.
	resumed, err := h.svc.StartAttempt(ctx, h.exam.ID, studentID)
	require.NoError(t, err)
	assert.Empty(t, resumed.CheatingLogs)
	assert.Equal(t, 3, resumed.CheatingAttemptsCount)
	assert.Equal(t, 2, resumed.StrikeCount)
}

func TestLogViolation_QueueFailure(t *testing.T) {
	tests := []struct {
		name      string
		insertErr error
		wantErr   bool
		wantCount int
		wantLogs  int
	}{
		{"writes the row directly", nil, false, 1, 1},
		{"reverts the counters when the row is lost", errors.New("db down"), true, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			_, err := h.svc.StartAttempt(ctx, h.exam.ID, studentID)
			require.NoError(t, err)

			h.monitor.queueErr = errors.New("redis down")
			h.attempts.insertErr = tt.insertErr

			err = h.svc.LogViolation(ctx, h.exam.ID, studentID, model.CheatingLogEntry{Type: model.ViolationTabSwitch})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			got, err := h.attempts.GetByExamAndStudent(ctx, h.exam.ID, studentID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCount, got.CheatingAttemptsCount)
			assert.Equal(t, tt.wantCount, got.StrikeCount)
			assert.Len(t, got.CheatingLogs, tt.wantLogs)
			assert.Empty(t, h.monitor.jobs)
		})
	}
}

func TestLogViolation_Rejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.svc.LogViolation(ctx, h.exam.ID, studentID, model.CheatingLogEntry{Type: "devtools"})
	assert.ErrorIs(t, err, ErrInvalidViolation)

	err = h.svc.LogViolation(ctx, h.exam.ID, studentID, model.CheatingLogEntry{Type: model.ViolationTabSwitch})
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestForStudent_MapsSessionErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	backend := h.svc.ForStudent(studentID)

	_, err := backend.GetExam(ctx, uuid.New())
	assert.ErrorIs(t, err, proctor.ErrExamUnavailable)

	_, err = backend.StartAttempt(ctx, h.exam.ID)
	require.NoError(t, err)
	_, err = backend.SubmitAttempt(ctx, h.exam.ID)
	require.NoError(t, err)

	_, err = backend.StartAttempt(ctx, h.exam.ID)
	assert.ErrorIs(t, err, proctor.ErrAlreadyAttempted)
	assert.ErrorIs(t, err, ErrConflict)

	attempted, err := backend.HasAttempted(ctx, h.exam.ID)
	require.NoError(t, err)
	assert.True(t, attempted)
}
