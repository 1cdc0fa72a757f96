package proctor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

var errNetwork = errors.New("network unreachable")

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newExam(durationSeconds int, questions int, start, end time.Time) *model.Exam {
	exam := &model.Exam{
		ID:              uuid.New(),
		Title:           "Physics Mock Test",
		StartTime:       start,
		EndTime:         end,
		DurationSeconds: durationSeconds,
	}
	for i := 0; i < questions; i++ {
		q := model.Question{ID: uuid.New(), Text: "Q", Marks: 4, NegativeMarks: 1}
		for j := 0; j < 4; j++ {
			q.Options = append(q.Options, model.Option{ID: uuid.New(), Text: "opt"})
		}
		exam.Questions = append(exam.Questions, q)
	}
	return exam
}

// fakeBackend is an in-memory durable store with per-question merge and an
// idempotent submit.
type fakeBackend struct {
	mu         sync.Mutex
	clock      Clock
	lock       *fakeLock
	exam       *model.Exam
	attempted  bool
	attempt    *model.Attempt
	saveErr    error
	saves      int
	violations []model.CheatingLogEntry
	logErr     error
	submitErrs []error
	calls      int
	lockAtCall []bool
	result     *model.SubmissionResult
}

func (b *fakeBackend) GetExam(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exam == nil || b.exam.ID != id {
		return nil, errors.New("exam not found")
	}
	return b.exam, nil
}

func (b *fakeBackend) HasAttempted(_ context.Context, _ uuid.UUID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempted, nil
}

func (b *fakeBackend) StartAttempt(_ context.Context, examID uuid.UUID) (*model.Attempt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attempt != nil {
		if b.attempt.Status == model.AttemptStatusSubmitted {
			return nil, ErrAlreadyAttempted
		}
		return b.attempt.Clone(), nil
	}
	b.attempt = &model.Attempt{
		ID:        uuid.New(),
		StudentID: 7,
		ExamID:    examID,
		StartedAt: b.clock.Now(),
		Answers:   map[uuid.UUID]model.Answer{},
		Status:    model.AttemptStatusInProgress,
	}
	return b.attempt.Clone(), nil
}

func (b *fakeBackend) SaveAnswer(_ context.Context, _, qid uuid.UUID, answer model.Answer) (*model.Attempt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return nil, b.saveErr
	}
	if b.attempt.Status == model.AttemptStatusSubmitted {
		return nil, errors.New("attempt already submitted")
	}
	b.saves++
	b.attempt.Answers[qid] = answer.Clone()
	b.attempt.QuestionsAttempted = model.CountAttempted(b.attempt.Answers)
	return b.attempt.Clone(), nil
}

func (b *fakeBackend) LogViolation(_ context.Context, _ uuid.UUID, entry model.CheatingLogEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.logErr != nil {
		return b.logErr
	}
	b.violations = append(b.violations, entry)
	if b.attempt.Status == model.AttemptStatusInProgress {
		b.attempt.CheatingLogs = append(b.attempt.CheatingLogs, entry)
		b.attempt.CheatingAttemptsCount++
	}
	return nil
}

func (b *fakeBackend) SubmitAttempt(_ context.Context, examID uuid.UUID) (*model.SubmissionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.lock != nil {
		b.lockAtCall = append(b.lockAtCall, b.lock.isHeld())
	}
	if len(b.submitErrs) > 0 {
		err := b.submitErrs[0]
		b.submitErrs = b.submitErrs[1:]
		return nil, err
	}
	if b.result != nil {
		return b.result, nil
	}
	b.attempt.Status = model.AttemptStatusSubmitted
	b.result = &model.SubmissionResult{
		AttemptID:             b.attempt.ID,
		ExamID:                examID,
		Score:                 4,
		MaxScore:              12,
		QuestionsAttempted:    model.CountAttempted(b.attempt.Answers),
		CheatingAttemptsCount: b.attempt.CheatingAttemptsCount,
		SubmittedAt:           b.clock.Now(),
	}
	return b.result, nil
}

func (b *fakeBackend) submitCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *fakeBackend) stored() *model.Attempt {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt.Clone()
}

func (b *fakeBackend) violationCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.violations)
}

type fakeLock struct {
	mu         sync.Mutex
	acquireErr error
	held       bool
	acquires   int
	releases   int
}

func (l *fakeLock) Acquire(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	if l.acquireErr != nil {
		return l.acquireErr
	}
	l.held = true
	return nil
}

func (l *fakeLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	l.held = false
	return nil
}

func (l *fakeLock) setErr(err error) {
	l.mu.Lock()
	l.acquireErr = err
	l.mu.Unlock()
}

func (l *fakeLock) isHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *fakeLock) counts() (acquires, releases int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquires, l.releases
}

type chanSource chan Signal

func (c chanSource) Signals() <-chan Signal { return c }

type harness struct {
	t       *testing.T
	clock   *testingclock.FakeClock
	backend *fakeBackend
	lock    *fakeLock
	signals chanSource
	session *Session
	exam    *model.Exam
}

func newHarness(t *testing.T, exam *model.Exam, opts Options) *harness {
	t.Helper()
	fc := testingclock.NewFakeClock(t0)
	lock := &fakeLock{}
	backend := &fakeBackend{clock: fc, lock: lock, exam: exam}
	signals := make(chanSource, 16)

	s := NewSession(opts, Deps{
		Backend: backend,
		Lock:    lock,
		Signals: signals,
		Clock:   fc,
		Log:     zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	go func() {
		for range s.Events() {
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})

	return &harness{t: t, clock: fc, backend: backend, lock: lock, signals: signals, session: s, exam: exam}
}

func (h *harness) start() {
	h.t.Helper()
	ctx := context.Background()
	require.NoError(h.t, h.session.Select(ctx, h.exam.ID))
	require.NoError(h.t, h.session.Begin(ctx))
	require.Equal(h.t, StateActive, h.session.Snapshot().State)
}

func (h *harness) waitState(state State) Snapshot {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.session.Snapshot().State == state
	}, 2*time.Second, 5*time.Millisecond, "state %s not reached", state)
	return h.session.Snapshot()
}

func (h *harness) signal(kind SignalKind, n int) {
	for i := 0; i < n; i++ {
		h.signals <- Signal{Kind: kind}
	}
}
