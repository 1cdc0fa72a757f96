package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// SessionChecker verifies that a token is the student's active login.
type SessionChecker interface {
	ValidateStudentSession(ctx context.Context, studentID int, jti string) error
}

// CheckSingleDeviceSession validates the JWT's JTI against the active session in Redis.
// If the JTI doesn't match, the request is rejected (the student logged in elsewhere
// or the session was reset by an admin).
func CheckSingleDeviceSession(sessions SessionChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		err := sessions.ValidateStudentSession(c.Request.Context(), claims.UserID, claims.ID)
		switch {
		case err == nil:
			c.Next()
		case errors.Is(err, service.ErrNoActiveSession), errors.Is(err, service.ErrSessionInvalidated):
			response.AbortFail(c, http.StatusUnauthorized, response.ErrSessionInvalidated)
		default:
			response.AbortFail(c, http.StatusInternalServerError, response.ErrInternal)
		}
	}
}
