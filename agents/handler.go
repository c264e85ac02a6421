package agents

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"ledgerly_back/failure"
	"ledgerly_back/zlog"
)

const maxListLimit = 100

type Handler struct {
	store *Store
}

// RegisterRoutes 注册智能体配置与系统提示词版本管理接口。
func RegisterRoutes(router gin.IRouter, store *Store) *Handler {
	h := &Handler{store: store}
	group := router.Group("/agents")
	group.POST("", h.handleCreateAgent)
	group.GET("", h.handleListAgents)
	group.GET("/:id", h.handleGetAgent)
	group.PUT("/:id", h.handleUpdateAgent)
	group.DELETE("/:id", h.handleDeleteAgent)
	group.POST("/:id/prompts", h.handleCreatePrompt)
	group.GET("/:id/prompts", h.handleListPrompts)
	group.POST("/:id/prompts/:version/activate", h.handleActivatePrompt)
	return h
}

type agentRequest struct {
	Name               string            `json:"name"`
	Model              string            `json:"model"`
	Provider           string            `json:"provider"`
	Temperature        *float64          `json:"temperature"`
	MaxOutputTokens    *int              `json:"max_output_tokens"`
	MaxInputTokens     *int              `json:"max_input_tokens"`
	StopSequences      []string          `json:"stop_sequences"`
	Integrations       []Integration     `json:"integrations"`
	KnowledgeTopK      *int              `json:"knowledge_top_k"`
	KnowledgeThreshold *float64          `json:"knowledge_threshold"`
	KnowledgeFilter    map[string]string `json:"knowledge_filter"`
	Status             string            `json:"status"`
	CreatedBy          uint64            `json:"created_by"`
	Version            int               `json:"version"`
}

// apply 将请求中出现的字段覆盖到 agent 上，未出现的字段保持不变。
func (r agentRequest) apply(agent *Agent) {
	if r.Name != "" {
		agent.Name = r.Name
	}
	if r.Model != "" {
		agent.Model = r.Model
		agent.Provider = r.Provider
	}
	if r.Temperature != nil {
		agent.Temperature = *r.Temperature
	}
	if r.MaxOutputTokens != nil {
		agent.MaxOutputTokens = *r.MaxOutputTokens
	}
	if r.MaxInputTokens != nil {
		agent.MaxInputTokens = *r.MaxInputTokens
	}
	if r.StopSequences != nil {
		agent.StopSequences = datatypes.JSONSlice[string](r.StopSequences)
	}
	if r.Integrations != nil {
		agent.Integrations = datatypes.JSONSlice[Integration](r.Integrations)
	}
	if r.KnowledgeTopK != nil {
		agent.KnowledgeTopK = *r.KnowledgeTopK
	}
	if r.KnowledgeThreshold != nil {
		agent.KnowledgeThreshold = *r.KnowledgeThreshold
	}
	if r.KnowledgeFilter != nil {
		agent.KnowledgeFilter = datatypes.NewJSONType(r.KnowledgeFilter)
	}
	if r.Status != "" {
		agent.Status = r.Status
	}
}

func (h *Handler) handleCreateAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agent := &Agent{
		Temperature:        0.7,
		MaxOutputTokens:    1024,
		KnowledgeTopK:      5,
		KnowledgeThreshold: 0.7,
		CreatedBy:          req.CreatedBy,
	}
	req.apply(agent)
	agent.Provider = req.Provider

	if err := h.store.Create(c.Request.Context(), agent); err != nil {
		c.JSON(failure.HTTPStatus(err), gin.H{"error": "failed to create agent", "details": err.Error()})
		return
	}
	zlog.Info("agent created", zap.Uint64("agent_id", agent.ID), zap.String("model", agent.Model))
	c.JSON(http.StatusCreated, gin.H{"agent": agent})
}

func (h *Handler) handleListAgents(c *gin.Context) {
	limit, err := parsePositiveLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit value"})
		return
	}
	status := strings.ToLower(strings.TrimSpace(c.Query("status")))
	if status != "" && !validStatuses[status] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status value"})
		return
	}
	agents, err := h.store.List(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list agents", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *Handler) handleGetAgent(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	agent, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		writeStoreError(c, "failed to load agent", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

func (h *Handler) handleUpdateAgent(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Version <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version is required"})
		return
	}

	agent, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		writeStoreError(c, "failed to load agent", err)
		return
	}
	req.apply(agent)
	agent.Version = req.Version

	if err := h.store.Update(c.Request.Context(), agent); err != nil {
		writeStoreError(c, "failed to update agent", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

func (h *Handler) handleDeleteAgent(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		writeStoreError(c, "failed to delete agent", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type promptRequest struct {
	Content   string `json:"content" binding:"required"`
	CreatedBy uint64 `json:"created_by"`
}

func (h *Handler) handleCreatePrompt(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content cannot be empty"})
		return
	}
	prompt, err := h.store.CreateSystemPrompt(c.Request.Context(), id, req.Content, req.CreatedBy)
	if err != nil {
		writeStoreError(c, "failed to create system prompt", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"prompt": prompt})
}

func (h *Handler) handleListPrompts(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	prompts, err := h.store.ListSystemPrompts(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list system prompts", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompts": prompts})
}

func (h *Handler) handleActivatePrompt(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid prompt version"})
		return
	}
	if err := h.store.ActivateSystemPrompt(c.Request.Context(), id, version); err != nil {
		writeStoreError(c, "failed to activate system prompt", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_version": version})
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent id"})
		return 0, false
	}
	return id, true
}

func writeStoreError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, ErrAgentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
	case errors.Is(err, ErrPromptNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "system prompt not found"})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "agent was modified by another request, reload and retry"})
	default:
		c.JSON(failure.HTTPStatus(err), gin.H{"error": message, "details": err.Error()})
	}
}

// parsePositiveLimit 解析 limit 查询参数，超出上限时截断。
func parsePositiveLimit(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if value > maxListLimit {
		return maxListLimit, nil
	}
	return value, nil
}
