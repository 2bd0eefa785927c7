// Package api exposes the HTTP surface: the MCP endpoint (POST, SSE, and
// WebSocket), the run event stream, health probes, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inquest-ai/inquest/pkg/config"
	"github.com/inquest-ai/inquest/pkg/database"
	"github.com/inquest-ai/inquest/pkg/events"
	"github.com/inquest-ai/inquest/pkg/mcpserver"
	"github.com/inquest-ai/inquest/pkg/queue"
)

// Server is the HTTP server wrapping the MCP protocol server.
type Server struct {
	cfg     *config.Config
	mcp     *mcpserver.Server
	auth    *mcpserver.Authenticator
	manager *events.Manager
	pub     *events.Publisher
	queue   *queue.Queue
	db      *database.Client
	logger  *slog.Logger

	http *http.Server
}

// NewServer wires routes and middleware.
func NewServer(cfg *config.Config, mcp *mcpserver.Server, auth *mcpserver.Authenticator,
	manager *events.Manager, pub *events.Publisher, q *queue.Queue, db *database.Client,
	logger *slog.Logger) *Server {

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg: cfg, mcp: mcp, auth: auth, manager: manager, pub: pub,
		queue: q, db: db, logger: logger.With("component", "http"),
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog())

	router.GET("/healthz", s.handleHealthz)
	router.GET("/readyz", s.handleReadyz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := router.Group("/", s.requireAuth())
	authed.POST("/mcp", s.handleMCPPost)
	authed.GET("/mcp", s.handleMCPSSE)
	authed.GET("/mcp/ws", s.handleMCPWebSocket)
	authed.GET("/runs/:id/events/stream", s.handleRunEvents)
	authed.GET("/ui/runs/:id", s.handleRunUI)

	s.http = &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// Streaming endpoints log on their own; this covers the rest.
		if c.Writer.Status() != 0 {
			s.logger.Debug("request",
				"method", c.Request.Method, "path", c.FullPath(),
				"status", c.Writer.Status(), "duration", time.Since(start))
		}
	}
}

// requireAuth rejects unauthenticated requests. 401 carries the
// WWW-Authenticate challenge; 403 marks a scope failure. WebSocket upgrades
// are vetted again inside the WS handler so they can close with 4401/4403.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.FullPath() == "/mcp/ws" {
			c.Next()
			return
		}
		if err := s.auth.Authenticate(c.GetHeader("Authorization")); err != nil {
			status, body := authFailure(err)
			if status == http.StatusUnauthorized {
				c.Header("WWW-Authenticate", `Bearer realm="inquest"`)
			}
			c.AbortWithStatusJSON(status, body)
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReadyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := s.db.Pool().Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
