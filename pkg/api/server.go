// Package api is the operational HTTP surface: health, tasks, permissions,
// audit queries, metrics, and the websocket event stream. All behavior lives
// in the core packages; handlers translate HTTP in and out.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aide-run/aide/pkg/audit"
	"github.com/aide-run/aide/pkg/database"
	"github.com/aide-run/aide/pkg/models"
	"github.com/aide-run/aide/pkg/orchestrator"
	"github.com/aide-run/aide/pkg/recovery"
	"github.com/aide-run/aide/pkg/registry"
)

const healthTimeout = 5 * time.Second

// Server wires the orchestrator and its collaborators behind gin handlers.
// The database client is optional; health reporting degrades gracefully
// without it.
type Server struct {
	orch     *orchestrator.Orchestrator
	recovery *recovery.Manager
	registry *registry.Registry
	auditLog *audit.Log
	db       *database.Client
	hub      *Hub
	metrics  http.Handler
	logger   *slog.Logger
}

// NewServer creates the API server. metricsHandler serves /metrics and is
// typically promhttp.HandlerFor over the process registry.
func NewServer(orch *orchestrator.Orchestrator, rec *recovery.Manager, reg *registry.Registry,
	auditLog *audit.Log, db *database.Client, hub *Hub, metricsHandler http.Handler,
	logger *slog.Logger) *Server {
	return &Server{
		orch:     orch,
		recovery: rec,
		registry: reg,
		auditLog: auditLog,
		db:       db,
		hub:      hub,
		metrics:  metricsHandler,
		logger:   logger,
	}
}

// Router builds the route table.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	r.GET("/ws", s.websocket)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/messages", s.postMessage)
		v1.GET("/tasks", s.listTasks)
		v1.POST("/tasks/:id/cancel", s.cancelTask)
		v1.POST("/permissions/:id", s.respondPermission)
		v1.GET("/audit", s.queryAudit)
		v1.GET("/tools", s.listTools)
		v1.GET("/stats", s.stats)
		v1.GET("/alerts", s.listAlerts)
		v1.POST("/alerts/:id/ack", s.ackAlert)
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	overall := s.recovery.OverallHealth()
	body := gin.H{
		"status":     string(overall),
		"components": s.recovery.Snapshot(),
	}
	if s.db != nil {
		dbHealth, err := database.Health(ctx, s.db.DB())
		body["database"] = dbHealth
		if err != nil {
			body["status"] = string(models.StatusUnhealthy)
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}

	status := http.StatusOK
	if overall == models.StatusUnhealthy || overall == models.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, body)
}

type messageRequest struct {
	ClientID string `json:"client_id" binding:"required"`
	Message  string `json:"message" binding:"required"`
}

func (s *Server) postMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	answer, err := s.orch.HandleMessage(c.Request.Context(), req.ClientID, req.Message)
	if err != nil {
		var tooMany *models.TooManyTasksError
		if errors.As(err, &tooMany) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": answer})
}

func (s *Server) listTasks(c *gin.Context) {
	clientID := c.Query("client_id")
	if clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id is required"})
		return
	}
	tasks := s.orch.ActiveTasks(clientID)
	if tasks == nil {
		tasks = []*models.ActiveTask{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) cancelTask(c *gin.Context) {
	taskID := c.Param("id")
	if !s.orch.CancelTask(taskID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found or already finished"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": taskID})
}

type permissionResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

func (s *Server) respondPermission(c *gin.Context) {
	var req permissionResponse
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.orch.RespondPermission(c.Param("id"), req.Approved, req.Reason)
	c.JSON(http.StatusAccepted, gin.H{"request_id": c.Param("id")})
}

func (s *Server) queryAudit(c *gin.Context) {
	criteria := models.AuditCriteria{
		ClientID:      c.Query("client_id"),
		EventType:     models.AuditEventType(c.Query("type")),
		CorrelationID: c.Query("correlation_id"),
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		criteria.Limit = limit
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		criteria.Since = since
	}

	entries, err := s.auditLog.Query(c.Request.Context(), criteria)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) listTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.registry.List()})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Statistics())
}

func (s *Server) listAlerts(c *gin.Context) {
	includeAcked := c.Query("all") == "true"
	alerts := s.recovery.Alerts(includeAcked)
	if alerts == nil {
		alerts = []recovery.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (s *Server) ackAlert(c *gin.Context) {
	if !s.recovery.AcknowledgeAlert(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": c.Param("id")})
}
