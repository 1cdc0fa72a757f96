package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/response"
)

const keepAliveInterval = 30 * time.Second

var pingPayload = []byte(`{"type":"ping"}`)

// MonitorHandler streams live attempt events of an exam to proctors.
type MonitorHandler struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(rdb *redis.Client, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		rdb: rdb,
		log: log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorExamSSE godoc
// GET /api/v1/admin/exams/:exam_id/monitor
// Relays attempt_started, violation and attempt_submitted events as
// Server-Sent Events.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.ExamMonitorChannel(examID.String()))
	defer pubsub.Close()
	ch := pubsub.Channel()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	h.log.Info().Str("exam_id", examID.String()).Msg("Proctor attached to live monitor SSE")
	writeSSE(c, pingPayload)

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID.String()).Msg("Proctor disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Forward raw JSON directly, no deserialization needed.
			writeSSE(c, []byte(msg.Payload))

		case <-keepAlive.C:
			writeSSE(c, pingPayload)
		}
	}
}

func writeSSE(c *gin.Context, data []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(data)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
