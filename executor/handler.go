package executor

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"ledgerly_back/agents"
	"ledgerly_back/failure"
)

// AgentLoader 加载未删除的智能体。
type AgentLoader interface {
	Get(ctx context.Context, id uint64) (*agents.Agent, error)
}

type Handler struct {
	executor *Executor
	agents   AgentLoader
}

// RegisterRoutes 注册智能体执行接口。
func RegisterRoutes(router gin.IRouter, executor *Executor, loader AgentLoader) *Handler {
	h := &Handler{executor: executor, agents: loader}
	router.POST("/agents/:id/execute", h.handleExecute)
	return h
}

func (h *Handler) handleExecute(c *gin.Context) {
	agentID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || agentID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent id"})
		return
	}
	var input TurnInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	input.Caller = strings.TrimSpace(c.GetHeader("X-Caller-Identity"))

	agent, err := h.agents.Get(c.Request.Context(), agentID)
	if errors.Is(err, agents.ErrAgentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load agent", "details": err.Error()})
		return
	}

	reply, err := h.executor.Execute(c.Request.Context(), agent, input)
	if err != nil {
		body := gin.H{"error": "execution failed", "details": err.Error()}
		if fe, ok := failure.As(err); ok {
			body["kind"] = fe.Kind
			if fe.Provider != "" {
				body["provider"] = fe.Provider
			}
			if fe.Kind == failure.KindTokenBudgetExceeded {
				body["prompt_tokens"] = fe.Count
				body["max_input_tokens"] = fe.Limit
			}
		}
		c.JSON(failure.HTTPStatus(err), body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}
