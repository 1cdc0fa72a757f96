package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
)

// CopyExecer is the subset of *pgxpool.Pool the violation worker writes through.
type CopyExecer interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var violationColumns = []string{"attempt_id", "type", "description", "recorded_at"}

// ViolationWorker batches persist_violations_queue into attempt_violations.
type ViolationWorker struct {
	db         CopyExecer
	queue      Queue
	retryDelay time.Duration
	log        zerolog.Logger
}

// NewViolationWorker creates a new ViolationWorker.
func NewViolationWorker(db CopyExecer, queue Queue, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		db:         db,
		queue:      queue,
		retryDelay: 2 * time.Second,
		log:        log.With().Str("component", "violation_worker").Logger(),
	}
}

// Start runs the batching loop until ctx is cancelled, then flushes the
// buffer.
func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ViolationWorker started")

	buffer := make([]*repository.ViolationJob, 0, BatchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		result, err := w.queue.BLPop(ctx, PollTimeout, config.WorkerKey.PersistViolationsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var job repository.ViolationJob
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		buffer = append(buffer, &job)
	}
}

// flushSafe attempts a bulk copy, then row-by-row inserts, then requeues
// what still failed.
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []*repository.ViolationJob) {
	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
	}
}

func (w *ViolationWorker) bulkInsert(ctx context.Context, batch []*repository.ViolationJob) error {
	rows := make([][]interface{}, 0, len(batch))
	for _, j := range batch {
		attemptID, err := uuid.Parse(j.AttemptID)
		if err != nil {
			return err
		}
		rows = append(rows, []interface{}{attemptID, string(j.Type), j.Description, time.UnixMilli(j.Timestamp)})
	}

	_, err := w.db.CopyFrom(ctx, pgx.Identifier{"attempt_violations"}, violationColumns, pgx.CopyFromRows(rows))
	return err
}

func (w *ViolationWorker) fallbackInsert(ctx context.Context, batch []*repository.ViolationJob) {
	var requeue []*repository.ViolationJob

	for _, j := range batch {
		attemptID, err := uuid.Parse(j.AttemptID)
		if err != nil {
			w.log.Error().Str("attempt_id", j.AttemptID).Msg("Dropping violation with invalid attempt ID")
			continue
		}

		_, err = w.db.Exec(ctx,
			`INSERT INTO attempt_violations (attempt_id, type, description, recorded_at)
			 VALUES ($1, $2, $3, $4)`,
			attemptID, string(j.Type), j.Description, time.UnixMilli(j.Timestamp),
		)
		if err != nil {
			w.log.Error().Err(err).Int("student_id", j.StudentID).Msg("Insert failed, requeueing")
			requeue = append(requeue, j)
		}
	}

	if len(requeue) > 0 {
		w.requeue(ctx, requeue)
	}
}

func (w *ViolationWorker) requeue(ctx context.Context, items []*repository.ViolationJob) {
	values := make([]interface{}, 0, len(items))
	for _, j := range items {
		data, err := json.Marshal(j)
		if err != nil {
			continue
		}
		values = append(values, data)
	}
	if len(values) == 0 {
		return
	}

	if err := w.queue.RPush(ctx, config.WorkerKey.PersistViolationsQueue, values...).Err(); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue violations. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	time.Sleep(w.retryDelay)
}

func (w *ViolationWorker) shutdown(buffer []*repository.ViolationJob) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(ctx, buffer)
	}
}
