// Package dealroom provides the service registration for the deal team
// realtime core. Register wires the WebSocket endpoint, the operator API,
// health probes and the optional presence, event and history backends onto
// a gin router.
package dealroom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/real-rm/dealroom/internal/auth"
	"github.com/real-rm/dealroom/internal/config"
	"github.com/real-rm/dealroom/internal/constants"
	"github.com/real-rm/dealroom/internal/events"
	"github.com/real-rm/dealroom/internal/notification"
	"github.com/real-rm/dealroom/internal/presence"
	"github.com/real-rm/dealroom/internal/ratelimit"
	"github.com/real-rm/dealroom/internal/realtime"
	"github.com/real-rm/dealroom/internal/storage"
	"github.com/real-rm/dealroom/internal/util"
	"github.com/real-rm/dealroom/internal/websocket"
	"github.com/real-rm/goconfig"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"
)

var (
	// Global reference for graceful shutdown
	globalService *service
	shutdownMu    sync.Mutex
)

// service holds every component built for one registration
type service struct {
	cfg    *config.Config
	logger *golog.Logger
	mongo  *gomongo.Mongo

	validator     *auth.JWTValidator
	manager       *realtime.Manager
	wsHandler     *websocket.Handler
	notifier      *notification.Service
	adminLimiter  *ratelimit.MessageLimiter
	publicLimiter *ratelimit.MessageLimiter

	// optional backends, nil when not configured
	presence   *presence.RedisStore
	history    *storage.HistoryStore
	subscriber *events.Subscriber
}

// Register registers the dealroom service with the gomain router.
//
// Parameters:
//   - r: Gin router for registering HTTP and WebSocket endpoints
//   - cfg: Configuration accessor for loading service settings
//   - logger: Logger for structured logging
//   - mongo: MongoDB client for connection history, may be nil
func Register(r *gin.Engine, cfg *goconfig.ConfigAccessor, logger *golog.Logger, mongo *gomongo.Mongo) error {
	if cfg == nil {
		return errors.New("config accessor is required")
	}
	settings, err := config.Load(cfg)
	if err != nil {
		logger.Error("Configuration validation failed", "error", err)
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return registerWithConfig(r, settings, logger, mongo)
}

func registerWithConfig(r *gin.Engine, cfg *config.Config, logger *golog.Logger, mongo *gomongo.Mongo) error {
	if err := rejectPlaceholders(cfg); err != nil {
		return err
	}

	svc, err := newService(cfg, logger, mongo)
	if err != nil {
		return err
	}
	svc.start()
	svc.routes(r)

	// stop any earlier registration so repeated calls do not leak goroutines
	shutdownMu.Lock()
	previous := globalService
	globalService = svc
	shutdownMu.Unlock()
	if previous != nil {
		ctx, cancel := util.NewTimeoutContext(constants.DefaultShutdownWait)
		_ = previous.shutdown(ctx)
		cancel()
	}
	return nil
}

// newService builds every component. Optional backends that fail to come
// up are logged and left disabled; the realtime core never depends on them.
func newService(cfg *config.Config, logger *golog.Logger, mongo *gomongo.Mongo) (*service, error) {
	dealLogger := logger.WithGroup("dealroom")
	dealLogger.Info("Initializing dealroom service")

	rt := cfg.Realtime
	manager := realtime.NewManager(realtime.Options{
		QueueSize:         rt.QueueSize,
		RateLimitMessages: rt.RateLimitMessages,
		RateLimitWindow:   rt.RateLimitWindow,
		SendBuffer:        rt.SendBuffer,
		PingInterval:      rt.PingInterval,
		PongTimeout:       rt.PongTimeout,
		MaxMissedPongs:    rt.MaxMissedPongs,
		InboundRateLimit:  rt.InboundRateLimit,
		PresenceUpdates:   rt.PresenceUpdates,
		QueueTTL:          rt.QueueTTL,
		Logger:            dealLogger,
	})

	validator := auth.NewJWTValidator(cfg.Server.JWTSecret)
	wsHandler := websocket.NewHandler(validator, manager, dealLogger, rt.MaxMessageSize, rt.WriteTimeout)
	if len(cfg.Server.AllowedOrigins) > 0 {
		wsHandler.SetAllowedOrigins(cfg.Server.AllowedOrigins)
	} else {
		dealLogger.Warn("No allowed origins configured, allowing all origins (development mode)")
	}

	svc := &service{
		cfg:           cfg,
		logger:        dealLogger,
		mongo:         mongo,
		validator:     validator,
		manager:       manager,
		wsHandler:     wsHandler,
		notifier:      notification.NewService(manager, dealLogger, rt.ProgressInterval),
		adminLimiter:  ratelimit.NewMessageLimiter(cfg.Server.AdminRateWindow, cfg.Server.AdminRateLimit),
		publicLimiter: ratelimit.NewMessageLimiter(constants.DefaultRateWindow, constants.PublicEndpointRate),
	}

	if mongo != nil {
		svc.history = storage.NewHistoryStore(mongo, cfg.History.Database, cfg.History.Collection, dealLogger)
		indexCtx, cancel := util.NewTimeoutContext(constants.MongoIndexTimeout)
		if err := svc.history.EnsureIndexes(indexCtx); err != nil {
			dealLogger.Warn("Failed to create MongoDB indexes", "error", err)
		}
		cancel()
		manager.AddHook(svc.history)
	} else {
		dealLogger.Warn("MongoDB not configured, connection history disabled")
	}

	if cfg.Redis.URL != "" {
		store, err := presence.NewRedisStore(cfg.Redis.URL, dealLogger)
		if err != nil {
			util.LogError(dealLogger, "dealroom", "connect presence store", err)
		} else {
			svc.presence = store
			manager.AddHook(store)
		}
	}

	if cfg.NATS.URL != "" {
		sub, err := events.NewSubscriber(events.Config{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Queue:   cfg.NATS.Queue,
		}, svc.notifier, dealLogger)
		if err != nil {
			util.LogError(dealLogger, "dealroom", "connect event bus", err)
		} else {
			svc.subscriber = sub
		}
	}

	return svc, nil
}

// start launches the background work. Nothing is started before every
// component has been built.
func (s *service) start() {
	s.adminLimiter.StartCleanup()
	s.publicLimiter.StartCleanup()
	if s.subscriber != nil {
		if err := s.subscriber.Start(); err != nil {
			util.LogError(s.logger, "dealroom", "start event subscriber", err)
		}
	}
}

func (s *service) routes(r *gin.Engine) {
	if len(s.cfg.Server.CORSAllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.cfg.Server.CORSAllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
		s.logger.Info("CORS middleware configured", "allowed_origins", s.cfg.Server.CORSAllowedOrigins)
	} else {
		s.logger.Warn("No CORS origins configured, CORS middleware not enabled")
	}

	if len(s.cfg.Server.TrustedProxies) > 0 {
		if err := r.SetTrustedProxies(s.cfg.Server.TrustedProxies); err != nil {
			s.logger.Warn("Failed to set trusted proxies", "error", err)
		}
	}

	r.Use(securityHeadersMiddleware())
	r.Use(metricsMiddleware())

	prefix := s.cfg.Server.PathPrefix
	group := r.Group(prefix)
	{
		group.GET("/ws", func(c *gin.Context) {
			// keep the token out of access logs
			if token := c.Query("token"); token != "" {
				if c.Request.Header.Get(constants.HeaderAuthorization) == "" {
					c.Request.Header.Set(constants.HeaderAuthorization, constants.BearerPrefix+token)
				}
				q := c.Request.URL.Query()
				q.Del("token")
				c.Request.URL.RawQuery = q.Encode()
			}
			s.wsHandler.HandleWebSocket(c.Writer, c.Request)
		})

		admin := group.Group("/admin")
		admin.Use(adminAuthMiddleware(s.validator, s.logger))
		admin.Use(adminRateLimitMiddleware(s.adminLimiter, s.logger))
		{
			admin.GET("/stats", s.handleStats)
			admin.GET("/users/:userID", s.handleUserInfo)
			admin.GET("/users/:userID/connections", s.handleUserConnections)
			admin.GET("/organizations/:orgID/online", s.handleOnlineUsers)
			admin.POST("/maintenance", s.handleMaintenance)
			admin.POST("/notify/:scope/:id", s.handleNotify)
		}

		public := publicRateLimitMiddleware(s.publicLimiter, s.logger)
		group.GET("/healthz", public, handleHealthCheck)
		group.GET("/readyz", public, s.handleReadyCheck)
		group.GET("/metrics/prometheus",
			metricsNetworkMiddleware(parseNetworks(s.cfg.Server.MetricsAllowedNetworks, s.logger), s.logger),
			public,
			gin.WrapH(promhttp.Handler()),
		)
	}

	s.logger.Info("Dealroom service registered successfully",
		"websocket_endpoint", prefix+"/ws",
		"admin_endpoints", prefix+"/admin/*",
		"health_endpoints", prefix+"/healthz, "+prefix+"/readyz",
		"metrics_endpoint", prefix+"/metrics/prometheus",
		"presence", s.presence != nil,
		"events", s.subscriber != nil,
		"history", s.history != nil)
}

// shutdown stops event ingress first so no new notifications arrive, then
// retires every connection and releases the backends.
func (s *service) shutdown(ctx context.Context) error {
	s.logger.Info("Starting graceful shutdown of dealroom service")

	var errs []error
	if s.subscriber != nil {
		if err := s.subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event subscriber: %w", err))
		}
	}
	if err := s.wsHandler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close connections: %w", err))
	}
	s.notifier.Close()
	s.adminLimiter.StopCleanup()
	s.publicLimiter.StopCleanup()
	if s.presence != nil {
		if err := s.presence.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close presence store: %w", err))
		}
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		s.logger.Warn("Dealroom service shutdown finished with errors", "error", err)
		return err
	}
	s.logger.Info("Dealroom service shutdown complete")
	return nil
}

// Shutdown gracefully shuts down the registered service. It should be called
// when the process receives SIGTERM or SIGINT and respects ctx's deadline.
func Shutdown(ctx context.Context) error {
	shutdownMu.Lock()
	svc := globalService
	globalService = nil
	shutdownMu.Unlock()

	if svc == nil {
		return nil
	}
	return svc.shutdown(ctx)
}

// rejectPlaceholders refuses deployment templates that were never filled in
func rejectPlaceholders(cfg *config.Config) error {
	if containsPlaceholder(cfg.Server.JWTSecret) {
		return errors.New("JWT_SECRET contains placeholder value, set a real secret before deploying")
	}
	for _, origin := range append(append([]string{}, cfg.Server.AllowedOrigins...), cfg.Server.CORSAllowedOrigins...) {
		if containsPlaceholder(origin) {
			return fmt.Errorf("allowed origins contain placeholder value %q, set actual origins before deploying", origin)
		}
	}
	return nil
}

// containsPlaceholder checks if a configuration value still contains
// a deployment placeholder that should have been replaced.
func containsPlaceholder(value string) bool {
	upper := strings.ToUpper(value)
	return strings.Contains(upper, "REPLACE_WITH") ||
		strings.Contains(upper, "PLACEHOLDER") ||
		strings.Contains(upper, "CHANGE-ME") ||
		strings.Contains(upper, "CHANGE_ME") ||
		strings.Contains(upper, "YOUR-")
}
