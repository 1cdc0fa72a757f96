package proctor

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AnswerSaver persists a single question's answer.
type AnswerSaver interface {
	SaveAnswer(ctx context.Context, examID, questionID uuid.UUID, answer model.Answer) (*model.Attempt, error)
}

// Autosaver persists answers in the background. Pending saves are keyed by
// question so only the latest state of each question is sent; the durable
// side merges per question, so a lost or reordered save never touches
// other questions. Failed saves stay pending until the next trigger.
type Autosaver struct {
	saver  AnswerSaver
	examID uuid.UUID
	log    zerolog.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]model.Answer
	seq     map[uuid.UUID]uint64
	next    uint64

	// sendMu serializes drains so saves of one question never overtake
	// each other.
	sendMu sync.Mutex
	wake   chan struct{}
}

// NewAutosaver creates an Autosaver for one exam.
func NewAutosaver(saver AnswerSaver, examID uuid.UUID, log zerolog.Logger) *Autosaver {
	return &Autosaver{
		saver:   saver,
		examID:  examID,
		log:     log.With().Str("component", "autosave").Logger(),
		pending: make(map[uuid.UUID]model.Answer),
		seq:     make(map[uuid.UUID]uint64),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue schedules a save of the question's answer and never blocks.
func (a *Autosaver) Enqueue(qid uuid.UUID, answer model.Answer) {
	a.mu.Lock()
	a.next++
	a.pending[qid] = answer.Clone()
	a.seq[qid] = a.next
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of questions waiting to be saved.
func (a *Autosaver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Run drains pending saves whenever woken. Call in a goroutine.
func (a *Autosaver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.wake:
			a.drain(ctx)
		}
	}
}

// Flush synchronously saves everything pending. It returns the first error
// encountered; failed entries remain pending.
func (a *Autosaver) Flush(ctx context.Context) error {
	return a.drain(ctx)
}

func (a *Autosaver) drain(ctx context.Context) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	a.mu.Lock()
	batch := make(map[uuid.UUID]model.Answer, len(a.pending))
	seqs := make(map[uuid.UUID]uint64, len(a.pending))
	for qid, ans := range a.pending {
		batch[qid] = ans
		seqs[qid] = a.seq[qid]
	}
	a.mu.Unlock()

	var firstErr error
	for qid, ans := range batch {
		if ctx.Err() != nil {
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			break
		}

		_, err := a.saver.SaveAnswer(ctx, a.examID, qid, ans)

		a.mu.Lock()
		if err == nil && a.seq[qid] == seqs[qid] {
			// Nothing newer was enqueued while saving.
			delete(a.pending, qid)
			delete(a.seq, qid)
		}
		a.mu.Unlock()

		if err != nil {
			a.log.Warn().Err(err).
				Str("question_id", qid.String()).
				Msg("Autosave failed, will retry on next trigger")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
