package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Submitter performs the terminal submit call.
type Submitter interface {
	SubmitAttempt(ctx context.Context, examID uuid.UUID) (*model.SubmissionResult, error)
}

// Flusher drains pending answer saves.
type Flusher interface {
	Flush(ctx context.Context) error
}

// CoordinatorOptions tunes the submission path.
type CoordinatorOptions struct {
	// FlushTimeout bounds the pre-submit flush; on expiry the flush is
	// abandoned with a warning and submit proceeds.
	FlushTimeout time.Duration
	// RetryBackoff is the wait before the single retry. Zero retries
	// immediately.
	RetryBackoff time.Duration
	// BeforeRetry runs once after the first failed submit, before the retry.
	BeforeRetry func()
}

// Coordinator owns the terminal submit of one attempt. Concurrent callers
// share a single in-flight call; once it succeeds every later call returns
// the recorded result without contacting the backend.
type Coordinator struct {
	submitter Submitter
	flusher   Flusher
	examID    uuid.UUID
	clock     Clock
	opts      CoordinatorOptions
	log       zerolog.Logger

	mu       sync.Mutex
	inflight *submitCall
	result   *model.SubmissionResult
}

type submitCall struct {
	done   chan struct{}
	result *model.SubmissionResult
	err    error
}

// NewCoordinator creates a Coordinator. flusher may be nil.
func NewCoordinator(submitter Submitter, flusher Flusher, examID uuid.UUID, clk Clock, opts CoordinatorOptions, log zerolog.Logger) *Coordinator {
	if clk == nil {
		clk = DefaultClock()
	}
	return &Coordinator{
		submitter: submitter,
		flusher:   flusher,
		examID:    examID,
		clock:     clk,
		opts:      opts,
		log:       log.With().Str("component", "submission").Logger(),
	}
}

// Result returns the recorded result, or nil before a successful submit.
func (c *Coordinator) Result() *model.SubmissionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Submit flushes pending answers and submits the attempt. The call itself
// is detached from ctx cancellation once issued; ctx only bounds how long
// this caller waits.
func (c *Coordinator) Submit(ctx context.Context) (*model.SubmissionResult, error) {
	c.mu.Lock()
	if c.result != nil {
		res := c.result
		c.mu.Unlock()
		return res, nil
	}
	call := c.inflight
	if call == nil {
		call = &submitCall{done: make(chan struct{})}
		c.inflight = call
		go c.run(context.WithoutCancel(ctx), call)
	}
	c.mu.Unlock()

	select {
	case <-call.done:
		return call.result, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context, call *submitCall) {
	c.flush(ctx)

	first := true
	res, err := retry(ctx, c.clock, 2, c.opts.RetryBackoff, func() (*model.SubmissionResult, error) {
		if !first && c.opts.BeforeRetry != nil {
			c.opts.BeforeRetry()
		}
		first = false
		return c.submitter.SubmitAttempt(ctx, c.examID)
	}, func(attempt int, err error) {
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("Submit attempt failed")
	})

	c.mu.Lock()
	if err != nil {
		call.err = fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
		c.log.Error().Err(err).Str("exam_id", c.examID.String()).Msg("Submission failed after retry")
	} else {
		call.result = res
		c.result = res
	}
	c.inflight = nil
	c.mu.Unlock()
	close(call.done)
}

func (c *Coordinator) flush(ctx context.Context) {
	if c.flusher == nil {
		return
	}
	fctx := ctx
	if c.opts.FlushTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, c.opts.FlushTimeout)
		defer cancel()
	}
	if err := c.flusher.Flush(fctx); err != nil {
		c.log.Warn().Err(err).Msg("Final flush abandoned, submitting anyway")
	}
}

// retry calls fn up to attempts times, waiting backoff between calls.
func retry[T any](ctx context.Context, clk Clock, attempts int, backoff time.Duration, fn func() (T, error), onErr func(int, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 1; i <= attempts; i++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if onErr != nil {
			onErr(i, err)
		}
		if i == attempts {
			break
		}
		if backoff > 0 {
			select {
			case <-ctx.Done():
				return zero, errors.Join(lastErr, ctx.Err())
			case <-clk.After(backoff):
			}
		}
	}
	return zero, lastErr
}
