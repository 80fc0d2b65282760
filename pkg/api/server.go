// Package api serves the control surface of the orchestrator: input
// injection, status, session and queue inspection, wake/sleep, direct
// tool calls, and the WebSocket event feed. It drives the core only
// through its public methods and never reaches into the cycle.
package api

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/core"
)

// Server represents the API server.
type Server struct {
	logger *slog.Logger
	core   *core.Core

	conns  *ConnectionManager
	bridge *EventBridge

	// allowedWSOrigins are origin patterns accepted on /ws beyond
	// same-host. Empty means same-host only.
	allowedWSOrigins []string

	router *gin.Engine
}

// Options tunes server construction.
type Options struct {
	// AllowedWSOrigins lists additional WebSocket origin patterns.
	AllowedWSOrigins []string

	// Logger for server components. Nil uses slog.Default().
	Logger *slog.Logger
}

// NewServer creates a new API server wired to c. The event bridge is
// started immediately; call Close on shutdown.
func NewServer(c *core.Core, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		logger:           logger.With("component", "api"),
		core:             c,
		conns:            NewConnectionManager(DefaultWriteTimeout, logger),
		allowedWSOrigins: opts.AllowedWSOrigins,
	}
	s.bridge = NewEventBridge(s.conns, c.Bus(), c.Frontend(), logger)
	s.bridge.Start()
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close stops the event bridge. Open WebSocket connections close when
// their request contexts end.
func (s *Server) Close() {
	s.bridge.Stop()
}

// ActiveConnections returns the number of open WebSocket connections.
func (s *Server) ActiveConnections() int {
	return s.conns.ActiveConnections()
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders())

	v1 := r.Group("/api/v1")
	{
		v1.POST("/input", s.injectHandler)
		v1.GET("/status", s.statusHandler)
		v1.GET("/sessions", s.sessionsHandler)
		v1.GET("/queue", s.queueHandler)
		v1.POST("/wake", s.wakeHandler)
		v1.POST("/sleep", s.sleepHandler)
		v1.POST("/tools/call", s.toolCallHandler)
		v1.GET("/health", s.healthHandler)
		v1.GET("/version", s.versionHandler)
	}
	r.GET("/ws", s.wsHandler)

	return r
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// wsHandler upgrades HTTP connections to WebSocket and delegates to the
// ConnectionManager.
func (s *Server) wsHandler(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.allowedWSOrigins,
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	// HandleConnection blocks until the WebSocket closes.
	s.conns.HandleConnection(c.Request.Context(), conn)
}
