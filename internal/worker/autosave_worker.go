package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// AnswerWriter persists one answer of an in-progress attempt.
type AnswerWriter interface {
	UpsertAnswer(ctx context.Context, examID uuid.UUID, studentID int, questionID uuid.UUID, answer model.Answer, savedAt time.Time) (bool, error)
}

// AutosaveWorker consumes persist_answers_queue and UPSERTs answers to PostgreSQL.
type AutosaveWorker struct {
	answers    AnswerWriter
	queue      Queue
	retryDelay time.Duration
	log        zerolog.Logger
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(answers AnswerWriter, queue Queue, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		answers:    answers,
		queue:      queue,
		retryDelay: 5 * time.Second,
		log:        log.With().Str("component", "autosave_worker").Logger(),
	}
}

// Start runs the worker loop until ctx is cancelled, then drains the queue.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			w.drain(drainCtx)
			cancel()
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AutosaveWorker) processNext(ctx context.Context) {
	result, err := w.queue.BLPop(ctx, PollTimeout, config.WorkerKey.PersistAnswersQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
			time.Sleep(w.retryDelay)
		}
		return
	}
	if len(result) < 2 {
		return
	}

	if err := w.handle(ctx, result[1]); err != nil {
		w.log.Error().Err(err).Msg("Persist error, requeueing")
		w.queue.RPush(ctx, config.WorkerKey.PersistAnswersQueue, result[1])
		time.Sleep(w.retryDelay)
	}
}

// handle persists one raw job. Malformed jobs are logged and dropped;
// only storage errors are returned for a retry.
func (w *AutosaveWorker) handle(ctx context.Context, raw string) error {
	var job repository.AnswerJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed job")
		return nil
	}
	examID, err := uuid.Parse(job.ExamID)
	if err != nil {
		w.log.Error().Str("exam_id", job.ExamID).Msg("Discarding job with invalid exam ID")
		return nil
	}
	questionID, err := uuid.Parse(job.QuestionID)
	if err != nil {
		w.log.Error().Str("q_id", job.QuestionID).Msg("Discarding job with invalid question ID")
		return nil
	}

	written, err := w.answers.UpsertAnswer(ctx, examID, job.StudentID, questionID, job.Answer, time.Unix(0, job.SavedAt))
	if err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	if !written {
		w.log.Debug().
			Int("student_id", job.StudentID).
			Str("exam_id", job.ExamID).
			Msg("Skipped stale answer or closed attempt")
	}
	return nil
}

// drain processes all remaining items in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	drained := 0
	for ctx.Err() == nil {
		raw, err := w.queue.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			break
		}
		if err := w.handle(ctx, raw); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.queue.RPush(ctx, config.WorkerKey.PersistAnswersQueue, raw)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
