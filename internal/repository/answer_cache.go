package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AnswerJob is the persist_answers_queue payload.
type AnswerJob struct {
	StudentID  int          `json:"student_id"`
	ExamID     string       `json:"exam_id"`
	QuestionID string       `json:"q_id"`
	Answer     model.Answer `json:"answer"`
	SavedAt    int64        `json:"saved_at"`
}

// AnswerCache is the Redis fast lane for in-progress answers: a hash per
// attempt holding the freshest answer of each question, plus the queue the
// autosave worker drains into PostgreSQL.
type AnswerCache struct {
	rdb *redis.Client
}

// NewAnswerCache creates a new AnswerCache.
func NewAnswerCache(rdb *redis.Client) *AnswerCache {
	return &AnswerCache{rdb: rdb}
}

// Seed fills the hash from persisted answers without overwriting fresher
// cached entries.
func (c *AnswerCache) Seed(ctx context.Context, examID uuid.UUID, studentID int, answers map[uuid.UUID]model.Answer) error {
	if len(answers) == 0 {
		return nil
	}
	key := config.CacheKey.AttemptAnswersKey(examID.String(), studentID)
	pipe := c.rdb.Pipeline()
	for qid, ans := range answers {
		data, err := json.Marshal(ans)
		if err != nil {
			return fmt.Errorf("marshal answer: %w", err)
		}
		pipe.HSetNX(ctx, key, qid.String(), data)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Put stores the answer and queues it for persistence atomically.
func (c *AnswerCache) Put(ctx context.Context, examID uuid.UUID, studentID int, questionID uuid.UUID, answer model.Answer, savedAt int64) error {
	data, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	job, err := json.Marshal(AnswerJob{
		StudentID:  studentID,
		ExamID:     examID.String(),
		QuestionID: questionID.String(),
		Answer:     answer,
		SavedAt:    savedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	key := config.CacheKey.AttemptAnswersKey(examID.String(), studentID)
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, questionID.String(), data)
		pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, job)
		return nil
	})
	return err
}

// All returns every cached answer of the attempt.
func (c *AnswerCache) All(ctx context.Context, examID uuid.UUID, studentID int) (map[uuid.UUID]model.Answer, error) {
	key := config.CacheKey.AttemptAnswersKey(examID.String(), studentID)
	raw, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get cached answers: %w", err)
	}

	answers := make(map[uuid.UUID]model.Answer, len(raw))
	for field, value := range raw {
		qid, err := uuid.Parse(field)
		if err != nil {
			continue
		}
		var ans model.Answer
		if err := json.Unmarshal([]byte(value), &ans); err != nil {
			continue
		}
		answers[qid] = ans
	}
	return answers, nil
}

// Clear drops the cached answers of a finished attempt.
func (c *AnswerCache) Clear(ctx context.Context, examID uuid.UUID, studentID int) error {
	return c.rdb.Del(ctx, config.CacheKey.AttemptAnswersKey(examID.String(), studentID)).Err()
}
