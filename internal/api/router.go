package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/iter8/tracker-node/internal/manifest"
	"github.com/iter8/tracker-node/internal/orchestrator"
	"github.com/iter8/tracker-node/internal/storage"
	"github.com/iter8/tracker-node/pkg/shared"
)

// SessionStore persists finished sessions. *storage.MinIOStorage satisfies it.
type SessionStore interface {
	StoreSession(ctx context.Context, data *shared.SessionData) error
	StoreManifest(ctx context.Context, manifest *shared.Manifest) error
	GetSession(ctx context.Context, sessionID string) (*shared.SessionData, error)
	GetManifest(ctx context.Context, sessionID string) (*shared.Manifest, error)
	GetRecording(ctx context.Context, sessionID string) ([]byte, string, error)
	ListSessions(ctx context.Context, limit int) ([]string, error)
	SessionExists(ctx context.Context, sessionID string) (bool, error)
	DeleteSession(ctx context.Context, sessionID string) error
	PresignedRecordingURL(ctx context.Context, sessionID string, expiry time.Duration) (string, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

type Server struct {
	router       *gin.Engine
	store        SessionStore
	orchestrator *orchestrator.Orchestrator
	manifest     *manifest.Builder
	summarizer   Summarizer
	publicHost   string
	log          *slog.Logger
}

type ServerConfig struct {
	Store        SessionStore
	Orchestrator *orchestrator.Orchestrator
	Manifest     *manifest.Builder
	// Summarizer is optional; without it /summarize answers 503.
	Summarizer Summarizer
	PublicHost string
	Logger     *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	builder := cfg.Manifest
	if builder == nil {
		builder = manifest.NewBuilder()
	}

	s := &Server{
		router:       router,
		store:        cfg.Store,
		orchestrator: cfg.Orchestrator,
		manifest:     builder,
		summarizer:   cfg.Summarizer,
		publicHost:   cfg.PublicHost,
		log:          log.With("component", "api"),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.POST("/summarize", s.summarize)

	sessions := s.router.Group("/sessions")
	{
		sessions.POST("", s.createSession)
		sessions.DELETE("/:id", s.deleteSession)
		sessions.GET("/:id/agent", s.agentSocket)
		sessions.POST("/:id/start", s.startTracking)
		sessions.POST("/:id/stop", s.stopTracking)
		sessions.POST("/:id/pause", s.pauseTracking)
		sessions.POST("/:id/resume", s.resumeTracking)
		sessions.POST("/:id/actions", s.logAction)
		sessions.POST("/:id/url", s.updateURL)
		sessions.POST("/:id/open", s.openURL)
		sessions.POST("/:id/target", s.setTarget)
		sessions.POST("/:id/clear", s.clearData)
		sessions.GET("/:id/analytics", s.getAnalytics)
		sessions.GET("/:id/stats", s.getStats)
		sessions.GET("/:id/export", s.exportSession)
		sessions.GET("/:id/status", s.getStatus)
	}

	recordings := s.router.Group("/recordings")
	{
		recordings.GET("", s.listRecordings)
		recordings.DELETE("/:id", s.deleteRecording)
		recordings.GET("/:id/video", s.getVideo)
		recordings.GET("/:id/video/link", s.getVideoLink)
		recordings.GET("/:id/session", s.getStoredSession)
		recordings.GET("/:id/manifest", s.getManifest)
		recordings.GET("/:id/bundle", s.getBundle)
	}
}

// Handler exposes the router, for http.Server and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok", "sessions": s.orchestrator.Count()})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	var verr *shared.ValidationError
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound), errors.Is(err, storage.ErrNotFound):
		return 404
	case errors.As(err, &verr):
		return 400
	case errors.Is(err, orchestrator.ErrNoDocker):
		return 501
	default:
		return 500
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := errorStatus(err)
	if status >= 500 {
		s.log.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
