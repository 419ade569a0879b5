// Package websocket upgrades authenticated HTTP requests to WebSocket
// connections and hands them to the realtime connection manager.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/real-rm/dealroom/internal/auth"
	"github.com/real-rm/dealroom/internal/constants"
	apperrors "github.com/real-rm/dealroom/internal/errors"
	"github.com/real-rm/dealroom/internal/metrics"
	"github.com/real-rm/dealroom/internal/ratelimit"
	"github.com/real-rm/dealroom/internal/realtime"
	"github.com/real-rm/dealroom/internal/util"
	"github.com/real-rm/golog"
)

// upgrader configures the WebSocket upgrade.
// SECURITY: TLS is terminated by the reverse proxy in front of this service.
// CheckOrigin is set per handler.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// connectionLimitRetryAfter is the Retry-After hint, in milliseconds, sent
// when a user has too many upgrades in flight
const connectionLimitRetryAfter = 5000

// Handler authenticates upgrade requests and runs the read side of every
// admitted connection. The write side belongs to the realtime manager.
type Handler struct {
	validator      *auth.JWTValidator
	manager        *realtime.Manager
	logger         *golog.Logger
	connLimiter    *ratelimit.ConnectionLimiter
	allowedOrigins map[string]bool
	maxMessageSize int64
	writeTimeout   time.Duration

	draining atomic.Bool
	readers  sync.WaitGroup
	mu       sync.RWMutex
}

// NewHandler creates a handler admitting connections into manager.
// Non-positive limits fall back to the defaults.
func NewHandler(validator *auth.JWTValidator, manager *realtime.Manager, logger *golog.Logger, maxMessageSize int64, writeTimeout time.Duration) *Handler {
	if maxMessageSize <= 0 {
		maxMessageSize = constants.DefaultMaxMessageSize
	}
	if writeTimeout <= 0 {
		writeTimeout = constants.DefaultWriteTimeout
	}
	return &Handler{
		validator:      validator,
		manager:        manager,
		logger:         logger.WithGroup("websocket"),
		connLimiter:    ratelimit.NewConnectionLimiter(constants.MaxUpgradesPerUser),
		allowedOrigins: make(map[string]bool),
		maxMessageSize: maxMessageSize,
		writeTimeout:   writeTimeout,
	}
}

// SetAllowedOrigins configures the allowed origins for WebSocket connections.
// If no origins are set, all origins are allowed.
func (h *Handler) SetAllowedOrigins(origins []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.allowedOrigins = make(map[string]bool, len(origins))
	for _, origin := range origins {
		h.allowedOrigins[origin] = true
	}

	h.logger.Info("Configured allowed origins",
		"count", len(origins),
		"origins", origins)
}

// IsOpenOrigin returns true when no allowed origins are configured.
// SECURITY: any website can then open connections, which is only acceptable
// behind a proxy doing its own origin validation.
func (h *Handler) IsOpenOrigin() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allowedOrigins) == 0
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.allowedOrigins) == 0 || h.allowedOrigins[origin] {
		return true
	}

	h.logger.Warn("Origin not allowed", "origin", origin)
	metrics.UpgradeRejections.WithLabelValues("origin").Inc()
	return false
}

// HandleWebSocket authenticates the request, upgrades it and admits the
// connection. Admission supersedes any live connection of the same user.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		metrics.UpgradeRejections.WithLabelValues("draining").Inc()
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	queryToken := r.URL.Query().Get("token")
	authHeader := r.Header.Get(constants.HeaderAuthorization)
	token, err := util.TokenFromRequest(authHeader, queryToken)
	if err != nil {
		metrics.UpgradeRejections.WithLabelValues("missing_token").Inc()
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return
	}
	if authHeader == "" {
		h.logger.Debug("JWT provided via query parameter", "remote_addr", r.RemoteAddr)
	}

	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		authErr := apperrors.ErrInvalidToken(err)
		if errors.Is(err, auth.ErrExpiredToken) {
			authErr = apperrors.ErrExpiredToken(err)
		}
		h.logger.Warn("JWT validation failed", "error", authErr)
		metrics.UpgradeRejections.WithLabelValues("invalid_token").Inc()
		http.Error(w, authErr.Message, http.StatusUnauthorized)
		return
	}

	if !h.connLimiter.Allow(claims.UserID) {
		h.logger.Warn("Connection limit exceeded", "user_id", claims.UserID)
		metrics.UpgradeRejections.WithLabelValues("connection_limit").Inc()
		limitErr := apperrors.ErrConnectionLimitExceeded(connectionLimitRetryAfter)
		w.Header().Set(constants.HeaderRetryAfter, strconv.Itoa(connectionLimitRetryAfter/constants.MillisecondsPerSecond))
		http.Error(w, limitErr.Message, http.StatusTooManyRequests)
		return
	}
	defer h.connLimiter.Release(claims.UserID)

	localUpgrader := upgrader
	localUpgrader.CheckOrigin = h.checkOrigin

	ws, err := localUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		util.LogError(h.logger, "websocket", "upgrade connection", err, "user_id", claims.UserID)
		return
	}
	ws.SetReadLimit(h.maxMessageSize)
	// the HTTP server's read deadline survives the hijack; liveness is the
	// heartbeat's job
	h.clearReadDeadline(ws, claims.UserID)

	transport := newSocket(ws, h.writeTimeout, &h.draining)
	identity := realtime.Identity{
		UserID:         claims.UserID,
		OrganizationID: claims.OrganizationID,
		DisplayName:    claims.Name,
	}

	conn, err := h.manager.Connect(r.Context(), transport, identity)
	if err != nil {
		util.LogError(h.logger, "websocket", "admit connection", err, "user_id", claims.UserID)
		code, text := websocket.CloseInternalServerErr, "connection refused"
		if errors.Is(err, realtime.ErrManagerClosed) {
			code, text = websocket.CloseGoingAway, "server shutting down"
		}
		transport.closeWith(code, text)
		return
	}

	util.SafeGoWG(&h.readers, h.logger, "websocket-reader", func() { h.readLoop(ws, conn) })
}

// readLoop feeds client frames to the manager until the socket fails, then
// retires the connection if it is still the user's active one.
func (h *Handler) readLoop(ws *websocket.Conn, conn *realtime.Connection) {
	reason := constants.ReasonClientClosed
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				h.logger.Warn("WebSocket message size limit exceeded",
					"user_id", conn.Identity.UserID,
					"connection_id", conn.ID,
					"limit", h.maxMessageSize)
				reason = constants.ReasonMessageTooLarge
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				select {
				case <-conn.Done():
					// retired by the manager; the close was ours
				default:
					util.LogError(h.logger, "websocket", "read frame", err,
						"user_id", conn.Identity.UserID,
						"connection_id", conn.ID)
				}
			}
			break
		}
		h.manager.HandleConnectionMessage(conn, raw)
	}

	if h.manager.DisconnectConnection(conn, reason) {
		h.logger.Info("WebSocket connection closed by client",
			"user_id", conn.Identity.UserID,
			"connection_id", conn.ID,
			"reason", reason)
	}
}

// Shutdown refuses new upgrades, retires every connection with a going away
// close frame and waits for the readers to exit or ctx to end.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.draining.Store(true)
	h.logger.Info("Shutting down WebSocket handler")

	err := h.manager.Shutdown(ctx)

	done := make(chan struct{})
	util.SafeGo(h.logger, "websocket-shutdown", func() {
		h.readers.Wait()
		close(done)
	})

	select {
	case <-done:
		h.logger.Info("All WebSocket readers stopped")
		return err
	case <-ctx.Done():
		h.logger.Warn("Shutdown deadline exceeded with readers still running")
		return ctx.Err()
	}
}

// socket adapts a gorilla connection to realtime.Transport
// readDeadliner is the part of *websocket.Conn that owns the read deadline
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// clearReadDeadline removes any deadline inherited from the HTTP server
func (h *Handler) clearReadDeadline(conn readDeadliner, userID string) error {
	err := conn.SetReadDeadline(time.Time{})
	if err != nil {
		util.LogError(h.logger, "websocket", "clear read deadline", err, "user_id", userID)
	}
	return err
}

type socket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	goingAway    *atomic.Bool
	closeOnce    sync.Once
	closeErr     error
}

func newSocket(conn *websocket.Conn, writeTimeout time.Duration, goingAway *atomic.Bool) *socket {
	return &socket{conn: conn, writeTimeout: writeTimeout, goingAway: goingAway}
}

// WriteMessage writes one text frame under the write deadline
func (s *socket) WriteMessage(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the socket. Later calls return the first result.
func (s *socket) Close() error {
	if s.goingAway.Load() {
		return s.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	return s.closeWith(websocket.CloseNormalClosure, "")
}

func (s *socket) closeWith(code int, text string) error {
	s.closeOnce.Do(func() {
		// WriteControl may run concurrently with the writer goroutine
		deadline := time.Now().Add(s.writeTimeout)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
