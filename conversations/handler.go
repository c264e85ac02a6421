package conversations

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// AgentChecker 判断智能体是否存在。
type AgentChecker interface {
	Exists(ctx context.Context, id uint64) (bool, error)
}

type Handler struct {
	store  *Store
	agents AgentChecker
}

// RegisterRoutes 注册会话创建与历史查询接口。
func RegisterRoutes(router gin.IRouter, store *Store, agents AgentChecker) *Handler {
	h := &Handler{store: store, agents: agents}
	router.POST("/agents/:id/conversations", h.handleCreate)
	router.GET("/agents/:id/conversations/:conversationID", h.handleGet)
	router.GET("/agents/:id/conversations/:conversationID/turns", h.handleTurns)
	return h
}

type createRequest struct {
	UserID uint64 `json:"user_id"`
	Title  string `json:"title"`
}

func (h *Handler) handleCreate(c *gin.Context) {
	agentID, ok := h.resolveAgent(c)
	if !ok {
		return
	}
	var req createRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	conv, err := h.store.CreateConversation(c.Request.Context(), agentID, req.UserID, strings.TrimSpace(req.Title))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv})
}

func (h *Handler) handleGet(c *gin.Context) {
	conv, ok := h.loadConversation(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

func (h *Handler) handleTurns(c *gin.Context) {
	conv, ok := h.loadConversation(c)
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit value"})
			return
		}
		limit = value
	}
	turns, err := h.store.RecentTurns(c.Request.Context(), conv.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load turns", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"turns": turns})
}

func (h *Handler) loadConversation(c *gin.Context) (*Conversation, bool) {
	agentID, ok := h.resolveAgent(c)
	if !ok {
		return nil, false
	}
	id, err := strconv.ParseUint(c.Param("conversationID"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return nil, false
	}
	conv, err := h.store.GetConversation(c.Request.Context(), id)
	if errors.Is(err, ErrConversationNotFound) || (err == nil && conv.AgentID != agentID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation", "details": err.Error()})
		return nil, false
	}
	return conv, true
}

func (h *Handler) resolveAgent(c *gin.Context) (uint64, bool) {
	agentID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || agentID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent id"})
		return 0, false
	}
	if h.agents == nil {
		return agentID, true
	}
	exists, err := h.agents.Exists(c.Request.Context(), agentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify agent", "details": err.Error()})
		return 0, false
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return 0, false
	}
	return agentID, true
}
