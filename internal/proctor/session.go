package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"k8s.io/utils/clock"
)

const eventBuffer = 64

// Deps are the collaborators of a session.
type Deps struct {
	Backend Backend
	Lock    IntegrityLock
	Signals SignalSource
	Clock   Clock
	Log     zerolog.Logger
}

// Session drives one student's proctored attempt. All mutable state is
// owned by the goroutine running Run; every input (commands, countdown
// ticks, autosave ticks, violation signals, async results) is serialized
// through it.
type Session struct {
	opts    Options
	backend Backend
	lock    IntegrityLock
	signals <-chan Signal
	clock   Clock
	log     zerolog.Logger

	inbox   chan func()
	events  chan Event
	snap    atomic.Pointer[Snapshot]
	done    chan struct{}
	closeCh chan struct{}
	closeMu sync.Once

	lockMu   sync.Mutex
	lockHeld bool

	// Owned by the actor goroutine.
	ctx         context.Context
	state       State
	outcome     Outcome
	reason      SubmitReason
	exam        *model.Exam
	attempt     *model.Attempt
	store       *AnswerStore
	monitor     *Monitor
	autosaver   *Autosaver
	stopSaver   context.CancelFunc
	coordinator *Coordinator
	round       *submitRound
	current     int
	enteredAt   time.Time
	deadline    time.Time
	countdown   clock.Ticker
	sweeper     clock.Ticker
	relocking   bool
	lastErr     error
}

type submitRound struct {
	done   chan struct{}
	result *model.SubmissionResult
	err    error
}

// NewSession creates an idle session. Call Run before any other method.
func NewSession(opts Options, deps Deps) *Session {
	clk := deps.Clock
	if clk == nil {
		clk = DefaultClock()
	}
	opts = opts.withDefaults()

	s := &Session{
		opts:    opts,
		backend: deps.Backend,
		lock:    deps.Lock,
		clock:   clk,
		log:     deps.Log.With().Str("component", "proctor_session").Logger(),
		inbox:   make(chan func()),
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
		closeCh: make(chan struct{}),
		state:   StateIdle,
		monitor: NewMonitor(opts.StrikeThreshold),
	}
	if deps.Signals != nil {
		s.signals = deps.Signals.Signals()
	}
	s.publish()
	return s
}

// Events streams session events. The channel is closed when Run returns.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns the latest published state.
func (s *Session) Snapshot() Snapshot { return *s.snap.Load() }

// Close stops the session: timers are cancelled and the integrity lock is
// released. An already issued submit keeps running to completion.
func (s *Session) Close() {
	s.closeMu.Do(func() { close(s.closeCh) })
}

// Run is the actor loop. It returns when ctx is cancelled or Close is
// called.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	defer close(s.events)
	defer close(s.done)
	defer cancel()
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		case fn := <-s.inbox:
			fn()
		case <-tickerC(s.countdown):
			s.onTick()
		case <-tickerC(s.sweeper):
			s.onSweep()
		case sig, ok := <-s.signals:
			if !ok {
				s.signals = nil
				continue
			}
			s.onSignal(sig)
		}
	}
}

// Select picks an exam: Idle -> Instructions.
func (s *Session) Select(ctx context.Context, examID uuid.UUID) error {
	return s.do(ctx, func() error {
		if s.state != StateIdle {
			return fmt.Errorf("%w: select in %s", ErrInvalidTransition, s.state)
		}

		exam, err := s.backend.GetExam(ctx, examID)
		if err != nil {
			return fmt.Errorf("get exam: %w", err)
		}
		if !exam.IsOpenAt(s.clock.Now()) || len(exam.Questions) == 0 {
			return ErrExamUnavailable
		}

		attempted, err := s.backend.HasAttempted(ctx, examID)
		if err != nil {
			return fmt.Errorf("attempt status: %w", err)
		}
		if attempted {
			return ErrAlreadyAttempted
		}

		s.exam = exam
		s.state = StateInstructions
		s.emit(EventState, "")
		return nil
	})
}

// Begin enters Active: acquires the integrity lock, creates or resumes the
// attempt and starts the countdown.
func (s *Session) Begin(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.state != StateInstructions {
			return fmt.Errorf("%w: begin in %s", ErrInvalidTransition, s.state)
		}
		if !s.exam.IsOpenAt(s.clock.Now()) {
			return ErrExamUnavailable
		}

		if err := s.lock.Acquire(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrLockAcquisitionFailed, err)
		}
		s.setLockHeld(true)

		attempt, err := s.backend.StartAttempt(ctx, s.exam.ID)
		if err != nil {
			s.releaseLock()
			if errors.Is(err, ErrAlreadyAttempted) {
				return err
			}
			return fmt.Errorf("start attempt: %w", err)
		}

		s.activate(attempt)
		return nil
	})
}

// SelectOption toggles an option of a question.
func (s *Session) SelectOption(ctx context.Context, questionID uuid.UUID, optionIndex int) error {
	return s.do(ctx, func() error {
		if err := s.requireActive(); err != nil {
			return err
		}
		ans, err := s.store.Toggle(questionID, optionIndex)
		if err != nil {
			return err
		}
		s.afterInteraction(questionID, ans)
		return nil
	})
}

// MarkForReview flags a question for review.
func (s *Session) MarkForReview(ctx context.Context, questionID uuid.UUID) error {
	return s.do(ctx, func() error {
		if err := s.requireActive(); err != nil {
			return err
		}
		ans, err := s.store.MarkForReview(questionID)
		if err != nil {
			return err
		}
		s.afterInteraction(questionID, ans)
		return nil
	})
}

// Navigate moves to the question at targetIndex.
func (s *Session) Navigate(ctx context.Context, targetIndex int) error {
	return s.do(ctx, func() error {
		if err := s.requireActive(); err != nil {
			return err
		}
		if _, ok := s.store.QuestionAt(targetIndex); !ok {
			return fmt.Errorf("%w: index %d", ErrUnknownQuestion, targetIndex)
		}
		s.accrueCurrent()
		s.enqueueCurrent()
		s.current = targetIndex
		s.enteredAt = s.clock.Now()
		s.emit(EventState, "")
		return nil
	})
}

// Submit ends the attempt on user request. Calls made while a submission
// is in flight join it; after success the recorded result is returned.
func (s *Session) Submit(ctx context.Context, confirmed bool) (*model.SubmissionResult, error) {
	if !confirmed {
		return nil, ErrConfirmationRequired
	}

	var round *submitRound
	err := s.do(ctx, func() error {
		r, err := s.requestSubmit(ReasonUser)
		round = r
		return err
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-round.done:
		return round.result, round.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// do runs fn on the actor goroutine and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	cmd := func() {
		err := fn()
		s.publish()
		reply <- err
	}

	select {
	case s.inbox <- cmd:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post hands fn to the actor from a background goroutine. It reports
// false when the actor is gone.
func (s *Session) post(fn func()) bool {
	select {
	case s.inbox <- func() { fn(); s.publish() }:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) activate(attempt *model.Attempt) {
	now := s.clock.Now()

	s.store = NewAnswerStore(s.exam)
	s.store.Rehydrate(attempt.Answers)
	s.monitor.Restore(attempt)
	s.attempt = attempt.Clone()
	s.attempt.Status = model.AttemptStatusInProgress
	s.attempt.CheatingAttemptsCount = s.monitor.Total()
	s.attempt.StrikeCount = s.monitor.Strikes()

	saverCtx, stop := context.WithCancel(s.ctx)
	s.autosaver = NewAutosaver(s.backend, s.exam.ID, s.log)
	s.stopSaver = stop
	go s.autosaver.Run(saverCtx)

	s.coordinator = NewCoordinator(s.backend, s.autosaver, s.exam.ID, s.clock, CoordinatorOptions{
		FlushTimeout: s.opts.FlushTimeout,
		RetryBackoff: s.opts.RetryBackoff,
		BeforeRetry:  s.releaseLock,
	}, s.log)

	remaining := s.exam.Duration()
	if untilEnd := s.exam.EndTime.Sub(now); untilEnd < remaining {
		remaining = untilEnd
	}
	if !attempt.StartedAt.IsZero() {
		if left := attempt.StartedAt.Add(s.exam.Duration()).Sub(now); left < remaining {
			remaining = left
		}
	}
	s.deadline = now.Add(remaining)
	s.current = 0
	s.enteredAt = now
	s.state = StateActive
	s.countdown = s.clock.NewTicker(s.opts.TickInterval)
	s.sweeper = s.clock.NewTicker(s.opts.AutosavePeriod)

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("exam_id", s.exam.ID.String()).
		Dur("remaining", remaining).
		Msg("Session active")
	s.emit(EventState, "")

	switch {
	case remaining <= 0:
		s.requestSubmit(ReasonTimeout)
	case s.monitor.Strikes() >= s.monitor.Threshold():
		s.requestSubmit(ReasonThreshold)
	}
}

// requireActive rejects interactions outside Active. It also catches an
// expired deadline whose tick has not been processed yet.
func (s *Session) requireActive() error {
	if s.state != StateActive {
		return ErrNotActive
	}
	if !s.clock.Now().Before(s.deadline) {
		s.requestSubmit(ReasonTimeout)
		return ErrNotActive
	}
	return nil
}

func (s *Session) afterInteraction(questionID uuid.UUID, ans model.Answer) {
	s.accrueCurrent()
	if cur, _ := s.store.QuestionAt(s.current); cur != questionID {
		s.autosaver.Enqueue(questionID, ans)
	}
	s.enqueueCurrent()
	s.emit(EventState, "")
}

func (s *Session) accrueCurrent() {
	qid, ok := s.store.QuestionAt(s.current)
	if !ok {
		return
	}
	now := s.clock.Now()
	s.store.AddTime(qid, s.opts.TimeStrategy.Accrue(s.enteredAt, now))
	s.enteredAt = now
}

func (s *Session) enqueueCurrent() {
	qid, ok := s.store.QuestionAt(s.current)
	if !ok {
		return
	}
	ans, _ := s.store.Get(qid)
	s.autosaver.Enqueue(qid, ans)
}

func (s *Session) onTick() {
	if s.state != StateActive {
		return
	}
	if !s.clock.Now().Before(s.deadline) {
		s.log.Info().Msg("Countdown reached zero")
		s.requestSubmit(ReasonTimeout)
		s.publish()
		return
	}
	s.publish()
	s.emit(EventTick, "")
}

func (s *Session) onSweep() {
	if s.state != StateActive {
		return
	}
	s.enqueueCurrent()
}

func (s *Session) onSignal(sig Signal) {
	if s.state != StateActive {
		s.log.Debug().Str("kind", string(sig.Kind)).Str("state", string(s.state)).Msg("Signal ignored outside active state")
		return
	}

	v := s.monitor.Classify(sig, s.clock.Now())
	s.attempt.CheatingLogs = append(s.attempt.CheatingLogs, v.Entry)
	decision := s.monitor.Record(v)
	s.attempt.CheatingAttemptsCount = s.monitor.Total()
	s.attempt.StrikeCount = s.monitor.Strikes()
	s.reportViolation(v.Entry)

	if sig.Kind == SignalLockLost {
		s.setLockHeld(false)
	}

	s.log.Warn().
		Str("type", string(v.Entry.Type)).
		Int("strikes", s.monitor.Strikes()).
		Str("decision", decision.String()).
		Msg("Integrity violation")

	switch decision {
	case DecisionWarn:
		s.emit(EventWarning, fmt.Sprintf("Warning %d of %d: %s", s.monitor.Strikes(), s.monitor.Threshold(), v.Entry.Description))
		s.relock()
	case DecisionForceSubmit:
		s.requestSubmit(ReasonThreshold)
	default:
		s.emit(EventState, "")
	}
	s.publish()
}

// reportViolation sends the entry to the durable store without waiting.
func (s *Session) reportViolation(entry model.CheatingLogEntry) {
	examID := s.exam.ID
	base := context.WithoutCancel(s.ctx)
	go func() {
		ctx, cancel := context.WithTimeout(base, s.opts.ViolationLogTimeout)
		defer cancel()
		if err := s.backend.LogViolation(ctx, examID, entry); err != nil {
			s.log.Warn().Err(err).Str("type", string(entry.Type)).Msg("Violation log failed")
		}
	}()
}

// relock re-requests the integrity lock in the background.
func (s *Session) relock() {
	if s.relocking {
		return
	}
	s.relocking = true
	ctx := s.ctx

	go func() {
		err := s.lock.Acquire(ctx)
		if err == nil {
			s.setLockHeld(true)
		}
		applied := s.post(func() {
			s.relocking = false
			if err != nil {
				s.log.Warn().Err(err).Msg("Integrity lock re-acquisition failed")
				return
			}
			if s.state != StateActive {
				s.releaseLock()
				return
			}
			s.emit(EventState, "")
		})
		if !applied && err == nil {
			s.releaseLock()
		}
	}()
}

// requestSubmit moves the session into Submitting, or returns the round
// already running or recorded.
func (s *Session) requestSubmit(reason SubmitReason) (*submitRound, error) {
	switch s.state {
	case StateActive:
	case StateSubmitting:
		return s.round, nil
	case StateEnded:
		if s.outcome == OutcomeSubmitted {
			return s.round, nil
		}
		if reason != ReasonUser {
			return nil, ErrNotActive
		}
	default:
		return nil, fmt.Errorf("%w: submit in %s", ErrInvalidTransition, s.state)
	}

	if s.state == StateActive {
		s.accrueCurrent()
		s.enqueueCurrent()
		stopTicker(s.countdown)
		stopTicker(s.sweeper)
		s.countdown, s.sweeper = nil, nil
	}

	s.state = StateSubmitting
	s.outcome = OutcomeNone
	s.reason = reason
	s.lastErr = nil

	round := &submitRound{done: make(chan struct{})}
	s.round = round
	base := context.WithoutCancel(s.ctx)

	s.log.Info().Str("reason", string(reason)).Msg("Submitting attempt")
	s.emit(EventState, "")

	go func() {
		res, err := s.coordinator.Submit(base)
		round.result, round.err = res, err
		s.releaseLock()
		close(round.done)
		s.post(func() { s.finishSubmit(round) })
	}()
	return round, nil
}

func (s *Session) finishSubmit(round *submitRound) {
	if s.round != round || s.state != StateSubmitting {
		return
	}
	s.state = StateEnded

	if round.err != nil {
		s.outcome = OutcomeSubmissionFailed
		s.lastErr = round.err
		s.emit(EventSubmissionFailed, round.err.Error())
		return
	}

	res := round.result
	s.outcome = OutcomeSubmitted
	s.attempt.Status = model.AttemptStatusSubmitted
	submittedAt := res.SubmittedAt
	score, maxScore := res.Score, res.MaxScore
	s.attempt.SubmittedAt = &submittedAt
	s.attempt.Score = &score
	s.attempt.MaxScore = &maxScore
	if s.stopSaver != nil {
		s.stopSaver()
	}
	s.log.Info().Float64("score", res.Score).Msg("Attempt submitted")
	s.emit(EventSubmitted, "")
}

func (s *Session) shutdown() {
	stopTicker(s.countdown)
	stopTicker(s.sweeper)
	s.countdown, s.sweeper = nil, nil
	if s.stopSaver != nil {
		s.stopSaver()
	}
	s.releaseLock()
}

func (s *Session) setLockHeld(held bool) {
	s.lockMu.Lock()
	s.lockHeld = held
	s.lockMu.Unlock()
}

func (s *Session) isLocked() bool {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	return s.lockHeld
}

// releaseLock releases the integrity lock if held. Safe from any goroutine.
func (s *Session) releaseLock() {
	s.lockMu.Lock()
	held := s.lockHeld
	s.lockHeld = false
	s.lockMu.Unlock()
	if !held {
		return
	}
	if err := s.lock.Release(); err != nil {
		s.log.Warn().Err(err).Msg("Integrity lock release failed")
	}
}

// publish stores a fresh snapshot. Actor goroutine only.
func (s *Session) publish() {
	snap := &Snapshot{
		State:           s.state,
		Outcome:         s.outcome,
		SubmitReason:    s.reason,
		Locked:          s.isLocked(),
		CurrentIndex:    s.current,
		Strikes:         s.monitor.Strikes(),
		StrikeThreshold: s.monitor.Threshold(),
	}
	if s.exam != nil {
		snap.ExamID = s.exam.ID
	}
	if s.state == StateActive {
		if left := s.deadline.Sub(s.clock.Now()); left > 0 {
			snap.RemainingSeconds = int((left + time.Second - 1) / time.Second)
		}
	}
	if s.attempt != nil {
		a := s.attempt.Clone()
		a.Answers = s.store.Snapshot()
		a.QuestionsAttempted = s.store.QuestionsAttempted()
		snap.Attempt = a
	}
	if s.round != nil && s.outcome == OutcomeSubmitted {
		snap.Result = s.round.result
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	s.snap.Store(snap)
}

// emit publishes and queues an event without blocking the actor.
func (s *Session) emit(typ EventType, msg string) {
	s.publish()
	ev := Event{Type: typ, Message: msg, Snapshot: *s.snap.Load()}
	select {
	case s.events <- ev:
	default:
		s.log.Debug().Str("event", string(typ)).Msg("Event buffer full, dropping")
	}
}

func tickerC(t clock.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

func stopTicker(t clock.Ticker) {
	if t != nil {
		t.Stop()
	}
}
