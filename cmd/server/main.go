package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	stdlog "github.com/rs/zerolog/log"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 5 * time.Second
	violationRate     = 60
	violationInterval = time.Minute
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatal().Err(err).Msg("Invalid configuration")
	}

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("time_strategy", cfg.Proctor.TimeStrategy).
		Int("strike_threshold", cfg.Proctor.StrikeThreshold).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Server stopped with error")
	}
	log.Info().Msg("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	examRepo := repository.NewExamRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)
	examCache := repository.NewExamCache(rdb)
	answerCache := repository.NewAnswerCache(rdb)
	monitorRepo := repository.NewMonitorRepository(rdb)
	leaseRepo := repository.NewLeaseRepository(rdb)

	// ─── Initialize Services ──────────────────────────────────────────
	clk := proctor.DefaultClock()
	authService := service.NewAuthService(cfg, rdb)
	attemptService := service.NewAttemptService(service.AttemptDeps{
		Exams:     examRepo,
		ExamCache: examCache,
		Attempts:  attemptRepo,
		Answers:   answerCache,
		Monitor:   monitorRepo,
		Clock:     clk,
		CacheTTL:  cfg.ExamCacheTTL,
		Log:       log,
	})

	// Violation reports are cheap to send from a tampered client; bound
	// them per student across REST and WebSocket.
	violationLimiter := middleware.NewRateLimiter(ctx, violationRate, violationInterval)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		StudentPortal: handler.NewStudentPortalHandler(attemptService, log),
		WS:            handler.NewWSHandler(attemptService, leaseRepo, violationLimiter, cfg.Proctor, clk, log, cfg.AllowedOrigins),
		Monitor:       handler.NewMonitorHandler(rdb, log),
		System:        handler.NewSystemHandler(pool, rdb, log),
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, violationLimiter, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// ─── Start Background Workers ─────────────────────────────────────
	// Workers get their own context so they keep draining while HTTP
	// shuts down.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	autosaveWorker := worker.NewAutosaveWorker(attemptRepo, rdb, log)
	violationWorker := worker.NewViolationWorker(pool, rdb, log)

	var workers errgroup.Group
	workers.Go(func() error { autosaveWorker.Start(workerCtx); return nil })
	workers.Go(func() error { violationWorker.Start(workerCtx); return nil })

	// ─── Serve ─────────────────────────────────────────────────────────
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gracefully...")

		// 1. Stop accepting new HTTP requests.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		return nil
	})

	err = g.Wait()

	// 2. Stop background workers and wait for queues to drain.
	workerCancel()
	_ = workers.Wait()

	return err
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	stdlog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
