package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const commandBuffer = 16

var errLockDenied = errors.New("integrity lock denied by client")

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// SessionBackends binds the attempt service to one student.
type SessionBackends interface {
	ForStudent(studentID int) proctor.Backend
}

// LeaseStore grants the single-holder lease of an attempt.
type LeaseStore interface {
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, key, holder string, ttl time.Duration) error
	Release(ctx context.Context, key, holder string) error
}

// ViolationLimiter bounds violation reports per student.
type ViolationLimiter interface {
	AllowStudent(studentID int) bool
}

// WSHandler runs live proctored sessions over WebSocket, one session per
// connection.
type WSHandler struct {
	backends SessionBackends
	leases   LeaseStore
	limiter  ViolationLimiter
	policy   config.Proctor
	clock    proctor.Clock
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler. A nil limiter disables the
// violation rate limit.
func NewWSHandler(backends SessionBackends, leases LeaseStore, limiter ViolationLimiter, policy config.Proctor, clock proctor.Clock, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	if clock == nil {
		clock = proctor.DefaultClock()
	}
	return &WSHandler{
		backends: backends,
		leases:   leases,
		limiter:  limiter,
		policy:   policy,
		clock:    clock,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// SessionOptions converts the configured policy into session options.
func SessionOptions(p config.Proctor) (proctor.Options, error) {
	strategy, err := proctor.ParseTimeStrategy(p.TimeStrategy, p.SecondsPerInteraction)
	if err != nil {
		return proctor.Options{}, err
	}
	opts := proctor.DefaultOptions()
	opts.AutosavePeriod = p.AutosavePeriod.Duration
	opts.TickInterval = p.TickInterval.Duration
	opts.StrikeThreshold = p.StrikeThreshold
	opts.TimeStrategy = strategy
	opts.FlushTimeout = p.FlushTimeout.Duration
	opts.RetryBackoff = p.RetryBackoff.Duration
	return opts, nil
}

// ExamSession godoc
// WS /ws/v1/student/exams/:exam_id/session?token=...
// Upgrades to WebSocket and drives a proctored attempt: countdown,
// integrity lock, violation strikes, autosave and submit.
func (h *WSHandler) ExamSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	opts, err := SessionOptions(h.policy)
	if err != nil {
		h.log.Error().Err(err).Msg("Invalid proctoring policy")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.NewConn(raw)
	defer conn.Close()

	studentID := claims.UserID
	wsLog := h.log.With().
		Int("student_id", studentID).
		Str("exam_id", examID.String()).
		Logger()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// SECURITY: one live session per attempt, across tabs and devices.
	leaseKey := config.CacheKey.AttemptLeaseKey(examID.String(), studentID)
	holder := uuid.NewString()
	ttl := h.policy.LeaseTTL.Duration
	acquired, err := h.leases.Acquire(ctx, leaseKey, holder, ttl)
	if err != nil {
		wsLog.Error().Err(err).Msg("Lease acquire error")
		conn.WriteError(string(response.ErrInternal), response.GetMessage(response.ErrInternal))
		return
	}
	if !acquired {
		conn.WriteError(string(response.ErrAttemptInUse), response.GetMessage(response.ErrAttemptInUse))
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.leases.Release(releaseCtx, leaseKey, holder); err != nil {
			wsLog.Warn().Err(err).Msg("Lease release failed")
		}
	}()

	lock := newSocketLock(conn)
	signals := make(socketSignals, commandBuffer)
	session := proctor.NewSession(opts, proctor.Deps{
		Backend: h.backends.ForStudent(studentID),
		Lock:    lock,
		Signals: signals,
		Clock:   h.clock,
		Log:     wsLog,
	})

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		session.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		pumpEvents(conn, session, wsLog)
	}()
	go func() {
		defer wg.Done()
		h.keepLease(ctx, cancel, conn, leaseKey, holder, ttl, wsLog)
	}()

	commands := make(chan func(), commandBuffer)
	go func() {
		defer wg.Done()
		for cmd := range commands {
			cmd()
		}
	}()

	wsLog.Info().Msg("Student connected")
	h.readLoop(ctx, conn, session, studentID, examID, lock, signals, commands, wsLog)

	close(commands)
	cancel()
	session.Close()
	lock.resolve(proctor.ErrSessionClosed)
	wg.Wait()
	wsLog.Info().Str("state", string(session.Snapshot().State)).Msg("Student disconnected")
}

func (h *WSHandler) readLoop(
	ctx context.Context,
	conn *ws.Conn,
	session *proctor.Session,
	studentID int,
	examID uuid.UUID,
	lock *socketLock,
	signals socketSignals,
	commands chan<- func(),
	wsLog zerolog.Logger,
) {
	// run queues a session command so that a Begin blocked on the lock
	// never stalls the read loop that delivers lock_granted.
	run := func(fn func() error) {
		select {
		case commands <- func() {
			if err := fn(); err != nil {
				writeSessionError(conn, err)
			}
		}:
		case <-ctx.Done():
		}
	}

	for {
		action, data, err := conn.ReadMessage()
		if err != nil {
			if data != nil {
				conn.WriteError(string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		switch action {
		case ws.ActionPing:
			conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})

		case ws.ActionLockGranted:
			lock.resolve(nil)

		case ws.ActionLockDenied:
			var req ws.LockReply
			if err := json.Unmarshal(data, &req); err != nil {
				wsLog.Debug().Err(err).Msg("Malformed lock_denied payload")
			}
			err := errLockDenied
			if req.Reason != "" {
				err = errors.New(errLockDenied.Error() + ": " + req.Reason)
			}
			lock.resolve(err)

		case ws.ActionViolation:
			var req ws.ViolationRequest
			if err := json.Unmarshal(data, &req); err != nil {
				conn.WriteError(string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload))
				continue
			}
			if h.limiter != nil && !h.limiter.AllowStudent(studentID) {
				wsLog.Warn().Str("kind", string(req.Kind)).Msg("Violation report rate limited")
				conn.WriteError(string(response.ErrRateLimitExceeded), response.GetMessage(response.ErrRateLimitExceeded))
				continue
			}
			select {
			case signals <- proctor.Signal{Kind: req.Kind, Detail: req.Detail, At: h.clock.Now()}:
			case <-ctx.Done():
				return
			}

		case ws.ActionSelectExam:
			run(func() error { return session.Select(ctx, examID) })

		case ws.ActionBegin:
			run(func() error { return session.Begin(ctx) })

		case ws.ActionSelectOption:
			var req ws.SelectOptionRequest
			qid, ok := decodeQuestion(conn, data, &req, func() string { return req.QuestionID })
			if !ok {
				continue
			}
			run(func() error { return session.SelectOption(ctx, qid, req.OptionIndex) })

		case ws.ActionMarkReview:
			var req ws.MarkReviewRequest
			qid, ok := decodeQuestion(conn, data, &req, func() string { return req.QuestionID })
			if !ok {
				continue
			}
			run(func() error { return session.MarkForReview(ctx, qid) })

		case ws.ActionNavigate:
			var req ws.NavigateRequest
			if err := json.Unmarshal(data, &req); err != nil {
				conn.WriteError(string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload))
				continue
			}
			run(func() error { return session.Navigate(ctx, req.Index) })

		case ws.ActionSubmit:
			var req ws.SubmitRequest
			if err := json.Unmarshal(data, &req); err != nil {
				conn.WriteError(string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload))
				continue
			}
			// Submit waits for the round; it runs beside the command queue
			// so a pending submit never blocks later commands.
			go func() {
				result, err := session.Submit(ctx, req.Confirmed)
				if err != nil {
					writeSessionError(conn, err)
					return
				}
				conn.WriteTyped(ws.SubmittedResponse{Event: ws.EventSubmitted, Result: result})
			}()

		default:
			wsLog.Warn().Str("action", string(action)).Msg("Unknown action")
			conn.WriteError(string(response.ErrUnknownAction), response.GetMessage(response.ErrUnknownAction))
		}
	}
}

// keepLease refreshes the attempt lease until ctx ends. Losing the lease
// ends the connection.
func (h *WSHandler) keepLease(ctx context.Context, cancel context.CancelFunc, conn *ws.Conn, key, holder string, ttl time.Duration, wsLog zerolog.Logger) {
	t := h.clock.NewTicker(ttl / 3)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			err := h.leases.Refresh(ctx, key, holder, ttl)
			if err == nil {
				continue
			}
			if errors.Is(err, repository.ErrLeaseLost) {
				wsLog.Warn().Msg("Attempt lease taken over, closing session")
				conn.WriteError(string(response.ErrAttemptInUse), response.GetMessage(response.ErrAttemptInUse))
				cancel()
				conn.Close()
				return
			}
			if ctx.Err() == nil {
				wsLog.Warn().Err(err).Msg("Lease refresh failed")
			}
		}
	}
}

func pumpEvents(conn *ws.Conn, session *proctor.Session, wsLog zerolog.Logger) {
	for ev := range session.Events() {
		if err := conn.WriteTyped(ws.FromSessionEvent(ev)); err != nil {
			wsLog.Debug().Err(err).Str("event", string(ev.Type)).Msg("Event write failed")
		}
	}
}

func decodeQuestion(conn *ws.Conn, data []byte, dst interface{}, id func() string) (uuid.UUID, bool) {
	if err := json.Unmarshal(data, dst); err != nil {
		conn.WriteError(string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload))
		return uuid.Nil, false
	}
	// SECURITY: only well-formed IDs reach the session and Redis keys.
	qid, err := uuid.Parse(id())
	if err != nil {
		conn.WriteError(string(response.ErrInvalidID), response.GetMessage(response.ErrInvalidID))
		return uuid.Nil, false
	}
	return qid, true
}

func writeSessionError(conn *ws.Conn, err error) {
	_, code := errorCode(err)
	conn.WriteError(string(code), response.GetMessage(code))
}

// socketLock is the integrity lock held by the browser: Acquire asks the
// client to enter full-screen and waits for its answer.
type socketLock struct {
	conn    *ws.Conn
	mu      sync.Mutex
	pending chan error
}

func newSocketLock(conn *ws.Conn) *socketLock {
	return &socketLock{conn: conn}
}

func (l *socketLock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.pending == nil {
		l.pending = make(chan error, 1)
	}
	ch := l.pending
	l.mu.Unlock()

	if err := l.conn.WriteTyped(ws.RequestLockResponse{Event: ws.EventRequestLock}); err != nil {
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release is a no-op server-side; clients leave full-screen when a
// snapshot reports the lock as released.
func (l *socketLock) Release() error { return nil }

func (l *socketLock) resolve(err error) {
	l.mu.Lock()
	ch := l.pending
	l.pending = nil
	l.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

// socketSignals carries violation actions from the read loop to the session.
type socketSignals chan proctor.Signal

func (s socketSignals) Signals() <-chan proctor.Signal { return s }
