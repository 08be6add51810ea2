// Package handlers exposes the session manager over HTTP.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/session"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

type Handlers struct {
	manager *session.Manager
	logger  *logger.Logger
}

func NewHandlers(manager *session.Manager, log *logger.Logger) *Handlers {
	return &Handlers{
		manager: manager,
		logger:  log.WithFields(zap.String("component", "session-handlers")),
	}
}

func RegisterRoutes(router *gin.Engine, manager *session.Manager, log *logger.Logger) {
	handlers := NewHandlers(manager, log)
	api := router.Group("/api/v1")
	api.POST("/sessions", handlers.httpCreateSession)
	api.GET("/sessions", handlers.httpListSessions)
	api.GET("/sessions/:id", handlers.httpGetSession)
	api.POST("/sessions/:id/message", handlers.httpSendMessage)
	api.PATCH("/sessions/:id/options", handlers.httpUpdateOptions)
	api.DELETE("/sessions/:id", handlers.httpDestroySession)
}

type createSessionRequest struct {
	ProfileRef   string         `json:"profileRef" binding:"required"`
	Architecture string         `json:"architecture" binding:"required"`
	Options      map[string]any `json:"options"`
}

type sendMessageRequest struct {
	Message string `json:"message" binding:"required"`
}

type updateOptionsRequest struct {
	Options map[string]any `json:"options" binding:"required"`
}

func (h *Handlers) httpCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	s, err := h.manager.CreateSession(c.Request.Context(), session.CreateRequest{
		ProfileRef:   req.ProfileRef,
		Architecture: v1.Architecture(req.Architecture),
		Options:      req.Options,
	})
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("failed to create session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	c.JSON(http.StatusCreated, s.GetState())
}

func (h *Handlers) httpListSessions(c *gin.Context) {
	records, err := h.manager.ListAllSessions(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": records})
}

// httpGetSession returns the live session state, loading the session from
// persistence when it is not in memory.
func (h *Handlers) httpGetSession(c *gin.Context) {
	id := c.Param("id")

	s := h.manager.GetSession(id)
	if s == nil {
		loaded, err := h.manager.LoadSession(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			h.logger.Error("failed to load session", zap.String("session_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
			return
		}
		s = loaded
	}
	c.JSON(http.StatusOK, s.GetState())
}

// httpSendMessage blocks until the agent turn completes. Streaming output
// arrives over the WebSocket gateway while this request is in flight.
func (h *Handlers) httpSendMessage(c *gin.Context) {
	id := c.Param("id")

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	s := h.manager.GetSession(id)
	if s == nil {
		loaded, err := h.manager.LoadSession(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			h.logger.Error("failed to load session", zap.String("session_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
			return
		}
		s = loaded
	}

	if err := s.SendMessage(c.Request.Context(), req.Message); err != nil {
		var unavailable *session.SandboxUnavailableError
		switch {
		case errors.Is(err, session.ErrBusy):
			c.JSON(http.StatusConflict, gin.H{"error": "a message is already being processed"})
		case errors.Is(err, session.ErrDestroyed):
			c.JSON(http.StatusGone, gin.H{"error": "session destroyed"})
		case errors.As(err, &unavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			h.logger.Error("message failed", zap.String("session_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) httpUpdateOptions(c *gin.Context) {
	id := c.Param("id")

	var req updateOptionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	s := h.manager.GetSession(id)
	if s == nil {
		loaded, err := h.manager.LoadSession(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			h.logger.Error("failed to load session", zap.String("session_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
			return
		}
		s = loaded
	}

	if err := s.UpdateOptions(c.Request.Context(), req.Options); err != nil {
		if errors.Is(err, session.ErrDestroyed) {
			c.JSON(http.StatusGone, gin.H{"error": "session destroyed"})
			return
		}
		h.logger.Error("failed to update options", zap.String("session_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update options"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) httpDestroySession(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.DestroySession(c.Request.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.logger.Error("failed to destroy session", zap.String("session_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to destroy session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
