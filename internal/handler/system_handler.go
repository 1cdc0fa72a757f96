package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
)

const healthTimeout = 2 * time.Second

// SystemHandler reports liveness of the service and its persistence lanes.
type SystemHandler struct {
	pool      *pgxpool.Pool
	rdb       *redis.Client
	startTime time.Time
	log       zerolog.Logger
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		pool:      pool,
		rdb:       rdb,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type healthReport struct {
	Status     string `json:"status"`
	Uptime     string `json:"uptime"`
	Postgres   string `json:"postgres"`
	Redis      string `json:"redis"`
	Goroutines int    `json:"goroutines"`

	// Worker Queues
	QueueAnswers    int64 `json:"queue_answers"`
	QueueViolations int64 `json:"queue_violations"`
}

// Health godoc
// GET /health
// Pings PostgreSQL and Redis and reports the worker queue backlog. A
// growing backlog means answers or violation rows are not reaching
// PostgreSQL.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	report := healthReport{
		Status:     "ok",
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		Postgres:   "ok",
		Redis:      "ok",
		Goroutines: runtime.NumGoroutine(),
	}

	if err := h.pool.Ping(ctx); err != nil {
		h.log.Warn().Err(err).Msg("PostgreSQL health check failed")
		report.Postgres = "unavailable"
		report.Status = "degraded"
	}

	// ── Worker Queues (pipelined LLEN) ──
	pipe := h.rdb.Pipeline()
	answersCmd := pipe.LLen(ctx, config.WorkerKey.PersistAnswersQueue)
	violationsCmd := pipe.LLen(ctx, config.WorkerKey.PersistViolationsQueue)
	if _, err := pipe.Exec(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Redis health check failed")
		report.Redis = "unavailable"
		report.Status = "degraded"
	} else {
		report.QueueAnswers, _ = answersCmd.Result()
		report.QueueViolations, _ = violationsCmd.Result()
	}

	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
