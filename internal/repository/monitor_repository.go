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

// ViolationJob is the persist_violations_queue payload.
type ViolationJob struct {
	AttemptID   string              `json:"attempt_id"`
	StudentID   int                 `json:"student_id"`
	ExamID      string              `json:"exam_id"`
	Type        model.ViolationType `json:"type"`
	Description string              `json:"description"`
	Timestamp   int64               `json:"timestamp"`
}

// MonitorRepository feeds the live exam monitor: violation log rows are
// queued for the batch worker and attempt events are fanned out over
// Redis Pub/Sub.
type MonitorRepository struct {
	rdb *redis.Client
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(rdb *redis.Client) *MonitorRepository {
	return &MonitorRepository{rdb: rdb}
}

// QueueViolation pushes a violation log row for batch persistence.
func (r *MonitorRepository) QueueViolation(ctx context.Context, job ViolationJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal violation: %w", err)
	}
	return r.rdb.RPush(ctx, config.WorkerKey.PersistViolationsQueue, data).Err()
}

// Publish sends an event to the exam's monitor channel.
func (r *MonitorRepository) Publish(ctx context.Context, examID uuid.UUID, ev model.MonitorEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(examID.String()), data).Err()
}
