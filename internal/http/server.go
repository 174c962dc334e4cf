package http

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	gommonlog "github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/helpdesk/internal/config"
	"github.com/jmehdipour/helpdesk/internal/http/middleware"
	"github.com/jmehdipour/helpdesk/internal/push"
	"github.com/jmehdipour/helpdesk/internal/repository"
)

// Deps are the stores and handlers the API serves.
type Deps struct {
	Sessions      SessionStore
	Notifications NotificationStore
	Events        repository.EventLogRepository
	Outbox        EventStager
	Hub           *push.Hub
	Redis         redis.UniversalClient
	Log           *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.Config, d Deps) *Server {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}

	// echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(echoLogLevel(cfg.Log.Level))
	e.Use(echoMid.Recover(), echoMid.Logger())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.JWTMiddleware([]byte(cfg.Auth.JWTSecret), d.Sessions)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		RPS:            cfg.RateLimit.RPS,
		KeyPrefix:      "rl:user:",
		Window:         time.Second,
		RetryAfterHint: true,
		Log:            log.Named("ratelimit"),
	})
	svcMW := middleware.ServiceKeyMiddleware(cfg.Auth.ServiceKey)

	// push
	if d.Hub != nil {
		ws := push.NewHandler(d.Hub, log.Named("push"), middleware.UserIDFromCtx)
		e.GET("/ws", ws.Connect, authMW)
	}

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.GET("/notifications", listNotificationsHandler(d.Notifications))
	v1.GET("/notifications/unread-count", unreadCountHandler(d.Notifications))
	v1.POST("/notifications/:id/delivered", markDeliveredHandler(d.Notifications))
	v1.DELETE("/notifications", clearNotificationsHandler(d.Notifications))

	v1.GET("/sessions", listSessionsHandler(d.Sessions))
	v1.DELETE("/sessions/:id", revokeSessionHandler(d.Sessions))
	v1.DELETE("/sessions", revokeAllSessionsHandler(d.Sessions))

	if d.Events != nil {
		v1.GET("/events", listEventsHandler(d.Events))
	}

	internal := e.Group("/internal", svcMW)
	internal.POST("/sessions", createSessionHandler(d.Sessions))
	if d.Outbox != nil {
		internal.POST("/events", stageEventHandler(d.Outbox))
	}

	return &Server{e: e, log: log}
}

// NewMetricsServer exposes only /metrics and /healthz, for worker processes.
func NewMetricsServer(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echoMid.Recover())
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	return &Server{e: e, log: log}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

// echoLogLevel maps the zap level name onto echo's own logger.
func echoLogLevel(level string) gommonlog.Lvl {
	switch level {
	case "debug":
		return gommonlog.DEBUG
	case "warn":
		return gommonlog.WARN
	case "error", "fatal":
		return gommonlog.ERROR
	default:
		return gommonlog.INFO
	}
}
