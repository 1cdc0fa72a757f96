package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// errorCode maps a service or session error to its HTTP status and code.
func errorCode(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrConflict), errors.Is(err, proctor.ErrAlreadyAttempted):
		return http.StatusConflict, response.ErrConflict
	case errors.Is(err, service.ErrExamNotFound):
		return http.StatusNotFound, response.ErrExamNotFound
	case errors.Is(err, service.ErrExamClosed), errors.Is(err, proctor.ErrExamUnavailable):
		return http.StatusForbidden, response.ErrExamNotAvailable
	case errors.Is(err, service.ErrAttemptNotFound):
		return http.StatusNotFound, response.ErrAttemptNotFound
	case errors.Is(err, service.ErrAttemptSubmitted):
		return http.StatusConflict, response.ErrAttemptSubmitted
	case errors.Is(err, service.ErrInvalidAnswer):
		return http.StatusBadRequest, response.ErrInvalidAnswer
	case errors.Is(err, service.ErrInvalidViolation):
		return http.StatusBadRequest, response.ErrInvalidViolation
	case errors.Is(err, proctor.ErrUnknownQuestion):
		return http.StatusBadRequest, response.ErrUnknownQuestion
	case errors.Is(err, proctor.ErrInvalidOption):
		return http.StatusBadRequest, response.ErrInvalidOption
	case errors.Is(err, proctor.ErrLockAcquisitionFailed):
		return http.StatusPreconditionRequired, response.ErrLockAcquisitionFailed
	case errors.Is(err, proctor.ErrConfirmationRequired):
		return http.StatusPreconditionRequired, response.ErrConfirmationRequired
	case errors.Is(err, proctor.ErrNotActive):
		return http.StatusConflict, response.ErrSessionNotActive
	case errors.Is(err, proctor.ErrInvalidTransition):
		return http.StatusConflict, response.ErrInvalidTransition
	case errors.Is(err, proctor.ErrSubmissionFailed):
		return http.StatusBadGateway, response.ErrSubmissionFailed
	case errors.Is(err, proctor.ErrSessionClosed), errors.Is(err, context.Canceled):
		return http.StatusGone, response.ErrSessionClosed
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}
