package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// AttemptAPI is the attempt service as seen by the REST handlers.
type AttemptAPI interface {
	GetExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error)
	HasAttempted(ctx context.Context, examID uuid.UUID, studentID int) (bool, error)
	StartAttempt(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error)
	SaveAnswer(ctx context.Context, examID uuid.UUID, studentID int, questionID uuid.UUID, answer model.Answer) (*model.Attempt, error)
	LogViolation(ctx context.Context, examID uuid.UUID, studentID int, entry model.CheatingLogEntry) error
	SubmitAttempt(ctx context.Context, examID uuid.UUID, studentID int) (*model.SubmissionResult, error)
	GetAttempt(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error)
}

// StudentPortalHandler handles student-facing attempt endpoints.
type StudentPortalHandler struct {
	attempts AttemptAPI
	log      zerolog.Logger
}

// NewStudentPortalHandler creates a new StudentPortalHandler.
func NewStudentPortalHandler(attempts AttemptAPI, log zerolog.Logger) *StudentPortalHandler {
	return &StudentPortalHandler{
		attempts: attempts,
		log:      log.With().Str("component", "student_portal_handler").Logger(),
	}
}

// GetExam godoc
// GET /api/v1/student/exams/:exam_id
// Returns the exam payload without correct answers, served from Redis when cached.
func (h *StudentPortalHandler) GetExam(c *gin.Context) {
	_, examID, ok := h.principal(c)
	if !ok {
		return
	}

	exam, err := h.attempts.GetExam(c.Request.Context(), examID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, exam)
}

// GetAttemptStatus godoc
// GET /api/v1/student/exams/:exam_id/attempt-status
// Reports whether the student already submitted this exam.
func (h *StudentPortalHandler) GetAttemptStatus(c *gin.Context) {
	studentID, examID, ok := h.principal(c)
	if !ok {
		return
	}

	attempted, err := h.attempts.HasAttempted(c.Request.Context(), examID, studentID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, model.AttemptStatusResponse{HasAttempted: attempted})
}

// StartAttempt godoc
// POST /api/v1/student/exams/:exam_id/attempts
// Creates the attempt, or returns the one in progress (page reload). 409 once submitted.
func (h *StudentPortalHandler) StartAttempt(c *gin.Context) {
	studentID, examID, ok := h.principal(c)
	if !ok {
		return
	}

	attempt, err := h.attempts.StartAttempt(c.Request.Context(), examID, studentID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, attempt)
}

// SaveAnswer godoc
// PUT /api/v1/student/exams/:exam_id/answers/:question_id
// Stores one question's answer; other questions are left untouched.
func (h *StudentPortalHandler) SaveAnswer(c *gin.Context) {
	studentID, examID, ok := h.principal(c)
	if !ok {
		return
	}

	questionID, err := uuid.Parse(c.Param("question_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	attempt, err := h.attempts.SaveAnswer(c.Request.Context(), examID, studentID, questionID, model.Answer{
		SelectedOptions:  req.SelectedOptions,
		AttemptStatus:    req.AttemptStatus,
		TimeSpentSeconds: req.TimeSpentSeconds,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, attempt)
}

// LogViolation godoc
// POST /api/v1/student/exams/:exam_id/violations
// Appends a violation to the attempt's log. Accepted once counted; the
// log row is persisted by the violation worker.
func (h *StudentPortalHandler) LogViolation(c *gin.Context) {
	studentID, examID, ok := h.principal(c)
	if !ok {
		return
	}

	var req model.LogViolationRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	err := h.attempts.LogViolation(c.Request.Context(), examID, studentID, model.CheatingLogEntry{
		Type:        req.Type,
		Description: req.Description,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{"status": "logged"})
}

// SubmitAttempt godoc
// POST /api/v1/student/exams/:exam_id/submit
// Finalizes and grades the attempt. Repeated calls return the same result.
func (h *StudentPortalHandler) SubmitAttempt(c *gin.Context) {
	studentID, examID, ok := h.principal(c)
	if !ok {
		return
	}

	result, err := h.attempts.SubmitAttempt(c.Request.Context(), examID, studentID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// GetAttempt godoc
// GET /api/v1/student/exams/:exam_id/attempt
// Returns the attempt with answers and the violation log.
func (h *StudentPortalHandler) GetAttempt(c *gin.Context) {
	studentID, examID, ok := h.principal(c)
	if !ok {
		return
	}

	attempt, err := h.attempts.GetAttempt(c.Request.Context(), examID, studentID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, attempt)
}

// principal extracts the student and exam of the request, writing the
// failure response itself.
func (h *StudentPortalHandler) principal(c *gin.Context) (int, uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return 0, uuid.Nil, false
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return 0, uuid.Nil, false
	}
	return claims.UserID, examID, true
}

func (h *StudentPortalHandler) fail(c *gin.Context, err error) {
	status, code := errorCode(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("path", c.FullPath()).
			Str("request_id", response.RequestID(c)).
			Msg("Request failed")
	}
	response.Fail(c, status, code)
}
