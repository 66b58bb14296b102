package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/autoscan"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

const requestTimeout = 10 * time.Second

// Sessions is the session API the handlers drive. *autoscan.Manager
// implements it.
type Sessions interface {
	StartSession(ctx context.Context, targetID string, snapshot types.ConfigSnapshot) (*types.Session, error)
	State(ctx context.Context, targetID string) (*autoscan.State, error)
	History(ctx context.Context, targetID string) ([]*types.Session, error)
	Get(ctx context.Context, sessionID string) (*autoscan.SessionDetail, error)
	Assets(ctx context.Context, sessionID string, kind types.AssetKind) ([]string, error)
	Pause(ctx context.Context, sessionID string) (*types.Session, error)
	Resume(ctx context.Context, sessionID string) (*types.Session, error)
	Cancel(ctx context.Context, sessionID string) (*types.Session, error)
	DefaultConfig(ctx context.Context) (types.ConfigSnapshot, error)
	SetDefaultConfig(ctx context.Context, defaults types.ConfigSnapshot) (types.ConfigSnapshot, error)
}

var _ Sessions = (*autoscan.Manager)(nil)

// Deps are the collaborators of the HTTP surface.
type Deps struct {
	Sessions Sessions
	Bus      core.EventBus
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Health reports backend reachability for /health when set.
	Health func(ctx context.Context) error
}

type server struct {
	deps   Deps
	logger *logger.Logger
}

// NewRouter builds the gin engine with middleware and every route.
func NewRouter(cfg config.Config, deps Deps, log *logger.Logger) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	log = log.WithComponent("api")

	router := gin.New()
	router.Use(RecoveryMiddleware(log), LoggingMiddleware(log))
	if cfg.Server.EnableCORS {
		router.Use(CORSMiddleware())
	}
	if cfg.Security.RateLimit.RequestsPerSecond > 0 {
		router.Use(RateLimitMiddleware(cfg.Security.RateLimit))
	}
	if cfg.Security.EnableAuth {
		auth, err := AuthMiddleware(cfg.Security.APIKey, log)
		if err != nil {
			return nil, fmt.Errorf("failed to configure auth: %w", err)
		}
		router.Use(auth)
	}

	s := &server{deps: deps, logger: log}

	router.GET("/health", s.health)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	api := router.Group("/api")
	api.GET("/pipelines", s.pipelines)
	api.GET("/auto-scan-config", s.defaultConfig)
	api.PUT("/auto-scan-config", s.saveDefaultConfig)

	session := api.Group("/session")
	session.POST("/start", s.startSession)
	session.GET("/state/:target_id", s.sessionState)
	session.GET("/history", s.sessionHistory)
	session.GET("/:id", s.getSession)
	session.GET("/:id/assets/:kind", s.sessionAssets)
	session.GET("/:id/events", s.streamEvents)
	session.POST("/:id/pause", s.control((Sessions).Pause))
	session.POST("/:id/resume", s.control((Sessions).Resume))
	session.POST("/:id/cancel", s.control((Sessions).Cancel))

	return router, nil
}

func (s *server) health(c *gin.Context) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().UTC()})
}

func (s *server) pipelines(c *gin.Context) {
	c.JSON(http.StatusOK, autoscan.Pipelines())
}

func (s *server) defaultConfig(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	defaults, err := s.deps.Sessions.DefaultConfig(ctx)
	if err != nil {
		s.fail(c, err, "default config")
		return
	}
	c.JSON(http.StatusOK, defaults)
}

// saveDefaultConfig replaces the defaults with the flat step and limit
// object in the body.
func (s *server) saveDefaultConfig(c *gin.Context) {
	var defaults types.ConfigSnapshot
	if err := c.ShouldBindJSON(&defaults); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	saved, err := s.deps.Sessions.SetDefaultConfig(ctx, defaults)
	if err != nil {
		s.fail(c, err, "save default config")
		return
	}
	c.JSON(http.StatusOK, saved)
}

type startRequest struct {
	TargetID       string               `json:"target_id" binding:"required"`
	ConfigSnapshot types.ConfigSnapshot `json:"config_snapshot"`
}

func (s *server) startSession(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	session, err := s.deps.Sessions.StartSession(ctx, req.TargetID, req.ConfigSnapshot)
	if err != nil {
		s.fail(c, err, "start session", "target_id", req.TargetID)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id":   session.ID,
		"current_step": session.CurrentStep,
		"pipeline":     session.Pipeline,
	})
}

func (s *server) sessionState(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	state, err := s.deps.Sessions.State(ctx, c.Param("target_id"))
	if err != nil {
		s.fail(c, err, "session state", "target_id", c.Param("target_id"))
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *server) sessionHistory(c *gin.Context) {
	targetID := c.Query("target_id")
	if targetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_id is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	sessions, err := s.deps.Sessions.History(ctx, targetID)
	if err != nil {
		s.fail(c, err, "session history", "target_id", targetID)
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *server) getSession(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	detail, err := s.deps.Sessions.Get(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err, "get session", "session_id", c.Param("id"))
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *server) sessionAssets(c *gin.Context) {
	kind, err := types.ParseAssetKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	values, err := s.deps.Sessions.Assets(ctx, c.Param("id"), kind)
	if err != nil {
		s.fail(c, err, "session assets", "session_id", c.Param("id"), "kind", kind)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind, "count": len(values), "values": values})
}

type controlFunc func(Sessions, context.Context, string) (*types.Session, error)

func (s *server) control(fn controlFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()

		session, err := fn(s.deps.Sessions, ctx, c.Param("id"))
		if err != nil {
			s.fail(c, err, "session control", "session_id", c.Param("id"), "path", c.FullPath())
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id":   session.ID,
			"status":       session.ObservedStatus(),
			"current_step": session.CurrentStep,
			"is_paused":    session.IsPaused,
			"is_cancelled": session.IsCancelled,
		})
	}
}

// fail maps orchestrator errors onto status codes.
func (s *server) fail(c *gin.Context, err error, op string, fields ...interface{}) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.LogError(c.Request.Context(), err, "api."+op, fields...)
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrSessionConflict),
		errors.Is(err, core.ErrSessionTerminal),
		errors.Is(err, core.ErrSessionLeased),
		errors.Is(err, autoscan.ErrCancelRequested):
		return http.StatusConflict
	case errors.Is(err, core.ErrSessionNotFound),
		errors.Is(err, core.ErrTargetNotFound):
		return http.StatusNotFound
	case errors.Is(err, autoscan.ErrInvalidConfig),
		errors.Is(err, autoscan.ErrUnsupportedTarget):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
