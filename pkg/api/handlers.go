package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/toolcall"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"

	// healthCheckTimeout bounds the memory probe.
	healthCheckTimeout = 5 * time.Second

	// maxToolCallBody bounds a tools/call request body.
	maxToolCallBody = 1 << 20
)

// injectHandler handles POST /api/v1/input.
func (s *Server) injectHandler(c *gin.Context) {
	var req InjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.core.InjectInput(req.Text, req.Speaker); err != nil {
		status, msg := mapCoreError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	// The loop picks the input up on its next cycle.
	c.JSON(http.StatusAccepted, InjectResponse{Status: "queued"})
}

// statusHandler handles GET /api/v1/status.
func (s *Server) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.StatusSnapshot())
}

// sessionsHandler handles GET /api/v1/sessions.
func (s *Server) sessionsHandler(c *gin.Context) {
	counts := make(map[string]int)
	for t, n := range s.core.Sessions().ActiveCounts() {
		counts[string(t)] = n
	}

	c.JSON(http.StatusOK, SessionsResponse{
		Sessions:     s.core.Sessions().List(),
		ActiveCounts: counts,
	})
}

// queueHandler handles GET /api/v1/queue.
func (s *Server) queueHandler(c *gin.Context) {
	queue := s.core.Queue()

	resp := QueueResponse{
		CurrentState: string(queue.CurrentState()),
		Pending:      queue.Pending(),
		Depth:        queue.Len(),
	}
	if item, ok := queue.CurrentItem(); ok {
		resp.CurrentItem = &item
	}

	c.JSON(http.StatusOK, resp)
}

// wakeHandler handles POST /api/v1/wake.
func (s *Server) wakeHandler(c *gin.Context) {
	var req WakeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if err := s.core.Wake(req.Reason); err != nil {
		status, msg := mapCoreError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "awake"})
}

// sleepHandler handles POST /api/v1/sleep.
func (s *Server) sleepHandler(c *gin.Context) {
	var req SleepRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if !s.core.RequestSleep(req.Reason) {
		// Already sleeping or a SLEEP item is queued.
		c.JSON(http.StatusConflict, gin.H{"error": "sleep already requested"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "sleep_queued"})
}

// toolCallHandler handles POST /api/v1/tools/call. The body is a raw
// JSON-RPC request; the path query parameter selects the tool
// partition ("chat" or "work"). Protocol errors ride inside the
// JSON-RPC envelope, so the HTTP status is 200 either way.
func (s *Server) toolCallHandler(c *gin.Context) {
	var path toolcall.Path
	switch c.Query("path") {
	case "chat":
		path = toolcall.PathChat
	case "work":
		path = toolcall.PathWork
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "path query parameter must be \"chat\" or \"work\""})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxToolCallBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed reading request body"})
		return
	}

	resp := s.core.Tools().HandleRaw(c.Request.Context(), path, body)
	c.JSON(http.StatusOK, resp)
}

// healthHandler handles GET /api/v1/health. Returns a minimal, safe
// response suitable for unauthenticated access. Only the orchestrator's
// own components (loop, memory store) are checked; the reasoning
// backend is excluded so an LLM outage cannot restart the process.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if _, err := s.core.Memory().GetProfile(reqCtx, "health_probe"); err != nil {
		status = healthStatusUnhealthy
		checks["memory"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["memory"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.core.StatusSnapshot().Running {
		checks["loop"] = HealthCheck{Status: healthStatusHealthy}
	} else {
		// The API can serve inspection endpoints while the loop is down.
		if status == healthStatusHealthy {
			status = healthStatusDegraded
		}
		checks["loop"] = HealthCheck{Status: healthStatusDegraded, Message: "loop not running"}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}

// versionHandler handles GET /api/v1/version.
func (s *Server) versionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, VersionResponse{
		Name:    version.AppName,
		Version: version.GitCommit,
	})
}
