package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ExamCache holds student-facing exam payloads in Redis.
type ExamCache struct {
	rdb *redis.Client
}

// NewExamCache creates a new ExamCache.
func NewExamCache(rdb *redis.Client) *ExamCache {
	return &ExamCache{rdb: rdb}
}

// Get returns the cached exam, or ErrNotFound on a miss.
func (c *ExamCache) Get(ctx context.Context, examID uuid.UUID) (*model.Exam, error) {
	data, err := c.rdb.Get(ctx, config.CacheKey.ExamPayloadKey(examID.String())).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get payload: %w", err)
	}

	var exam model.Exam
	if err := json.Unmarshal(data, &exam); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &exam, nil
}

// Set caches the exam for ttl.
func (c *ExamCache) Set(ctx context.Context, exam *model.Exam, ttl time.Duration) error {
	data, err := json.Marshal(exam)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.rdb.Set(ctx, config.CacheKey.ExamPayloadKey(exam.ID.String()), data, ttl).Err()
}
