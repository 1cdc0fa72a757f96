package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// Auth is what the route groups need to authenticate a caller.
type Auth interface {
	middleware.TokenValidator
	middleware.SessionChecker
}

// Handlers groups all handler instances for route setup.
type Handlers struct {
	StudentPortal *handler.StudentPortalHandler
	WS            *handler.WSHandler
	Monitor       *handler.MonitorHandler
	System        *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// violations is shared with the WebSocket handler so both report paths
// draw from one bucket per student.
func SetupRouter(
	auth Auth,
	handlers *Handlers,
	violations *middleware.RateLimiter,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Health check with database, Redis and queue backlog.
	router.GET("/health", handlers.System.Health)

	// ─── 1. Student Group (JWT + Single Device) ────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireStudentJWT(auth),
		middleware.CheckSingleDeviceSession(auth),
		middleware.Brotli(),
	)
	{
		studentAPI.GET("/exams/:exam_id", handlers.StudentPortal.GetExam)
		studentAPI.GET("/exams/:exam_id/attempt-status", handlers.StudentPortal.GetAttemptStatus)
		studentAPI.POST("/exams/:exam_id/attempts", handlers.StudentPortal.StartAttempt)
		studentAPI.PUT("/exams/:exam_id/answers/:question_id", handlers.StudentPortal.SaveAnswer)
		studentAPI.POST("/exams/:exam_id/violations",
			violations.Middleware(),
			handlers.StudentPortal.LogViolation,
		)
		studentAPI.POST("/exams/:exam_id/submit", handlers.StudentPortal.SubmitAttempt)
		studentAPI.GET("/exams/:exam_id/attempt", handlers.StudentPortal.GetAttempt)
	}

	// ─── 2. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(
		middleware.RequireStudentWSAuth(auth),
		middleware.CheckSingleDeviceSession(auth),
	)
	{
		ws.GET("/student/exams/:exam_id/session", handlers.WS.ExamSession)
	}

	// ─── 3. Admin Group (JWT + RBAC) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(auth))
	{
		adminAPI.GET("/exams/:exam_id/monitor",
			middleware.RequirePermission(model.PermissionExamsMonitor),
			handlers.Monitor.MonitorExamSSE,
		)
		adminAPI.GET("/system/health",
			middleware.RequirePermission(model.PermissionSystemRead),
			handlers.System.Health,
		)
	}

	return router
}
