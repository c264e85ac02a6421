package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"ledgerly_back/agents"
	"ledgerly_back/conversations"
	"ledgerly_back/failure"
	"ledgerly_back/integrations"
	"ledgerly_back/knowledge"
	"ledgerly_back/llm"
	"ledgerly_back/metrics"
	"ledgerly_back/postprocess"
	"ledgerly_back/prompt"
	"ledgerly_back/usage"
	"ledgerly_back/zlog"
)

const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"

	defaultHistoryTurns = 10
)

type PromptSource interface {
	ActiveSystemPrompt(ctx context.Context, agentID uint64) (*agents.SystemPrompt, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, q knowledge.Query) ([]knowledge.Passage, error)
}

type ContextAggregator interface {
	Aggregate(ctx context.Context, req integrations.Request) integrations.Result
}

type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

type Accountant interface {
	CountTokens(text, model string) int
	CountMessages(messages []usage.Message, model string) int
	Cost(promptTokens, completionTokens int, model string) float64
}

type ConversationStore interface {
	GetConversation(ctx context.Context, id uint64) (*conversations.Conversation, error)
	RecentTurns(ctx context.Context, conversationID uint64, limit int) ([]conversations.Turn, error)
	AppendTurn(ctx context.Context, turn *conversations.Turn) error
}

// TurnInput 是一次用户输入。
type TurnInput struct {
	Message        string         `json:"message"`
	ConversationID uint64         `json:"conversation_id,omitempty"`
	Caller         string         `json:"-"`
	Variables      map[string]any `json:"variables,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
}

type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
	// Estimated 表示计数来自本地分词而非供应商。
	Estimated bool `json:"estimated"`
}

// Reply 是一轮对话的结构化回复。Sources 为启发式结果并标记为近似，RawResponse 是模型原始输出。
type Reply struct {
	Message          string               `json:"message"`
	RawResponse      string               `json:"raw_response"`
	Sources          []postprocess.Source `json:"sources"`
	Actions          []postprocess.Action `json:"actions"`
	Usage            Usage                `json:"usage"`
	Confidence       string               `json:"confidence"`
	FinishReason     string               `json:"finish_reason"`
	Model            string               `json:"model"`
	Provider         string               `json:"provider"`
	PromptVersion    string               `json:"prompt_version,omitempty"`
	Unresolved       []string             `json:"unresolved_variables,omitempty"`
	ContextFailures  []string             `json:"context_failures,omitempty"`
	ProcessingTimeMs int64                `json:"processing_time_ms"`
	ExecutionTimeMs  int64                `json:"execution_time_ms"`
	ConversationID   uint64               `json:"conversation_id,omitempty"`
	TurnID           uint64               `json:"turn_id,omitempty"`
}

type Config struct {
	Prompts       PromptSource
	Knowledge     Retriever
	Context       ContextAggregator
	Gateway       Completer
	Accountant    Accountant
	Conversations ConversationStore
	Metrics       *metrics.Recorder
	HistoryTurns  int
}

type Executor struct {
	prompts       PromptSource
	knowledge     Retriever
	context       ContextAggregator
	gateway       Completer
	accountant    Accountant
	conversations ConversationStore
	metrics       *metrics.Recorder
	historyTurns  int
	now           func() time.Time
}

func New(cfg Config) (*Executor, error) {
	if cfg.Prompts == nil || cfg.Gateway == nil || cfg.Accountant == nil {
		return nil, errors.New("executor: prompts, gateway and accountant are required")
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = defaultHistoryTurns
	}
	return &Executor{
		prompts:       cfg.Prompts,
		knowledge:     cfg.Knowledge,
		context:       cfg.Context,
		gateway:       cfg.Gateway,
		accountant:    cfg.Accountant,
		conversations: cfg.Conversations,
		metrics:       cfg.Metrics,
		historyTurns:  cfg.HistoryTurns,
		now:           time.Now,
	}, nil
}

// gathered 是组装提示词之前收集到的全部数据。
type gathered struct {
	systemPrompt *agents.SystemPrompt
	passages     []knowledge.Passage
	context      integrations.Result
	conversation *conversations.Conversation
	history      []conversations.Turn
}

// Execute 为智能体执行一轮对话。提示词超过输入上限时在调用模型前返回 TokenBudgetExceeded。
func (e *Executor) Execute(ctx context.Context, agent *agents.Agent, in TurnInput) (*Reply, error) {
	started := e.now()
	if agent == nil {
		return nil, failure.Validation("agent", "agent is required")
	}
	if agent.Status != agents.StatusActive {
		return nil, failure.Validation("status", "agent %d is %s, not active", agent.ID, agent.Status)
	}
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return nil, failure.Validation("message", "message is required")
	}

	g, err := e.gather(ctx, agent, in, message)
	if err != nil {
		e.metrics.ObserveTurn(agent.Model, "failed", e.now().Sub(started))
		return nil, err
	}

	knowledgeTexts := make([]string, len(g.passages))
	for i, p := range g.passages {
		knowledgeTexts[i] = p.Text
	}
	history := make([]prompt.Turn, len(g.history))
	for i, t := range g.history {
		history[i] = prompt.Turn{User: t.UserMessage, Assistant: t.AssistantMessage}
	}
	systemText := ""
	if g.systemPrompt != nil {
		systemText = g.systemPrompt.Content
	}
	assembled := prompt.Assemble(prompt.Input{
		SystemPrompt: systemText,
		Variables:    in.Variables,
		Knowledge:    knowledgeTexts,
		Context:      g.context.Context,
		History:      history,
	})
	if len(assembled.Unresolved) > 0 {
		zlog.Warn("executor: unresolved prompt variables",
			zap.Uint64("agent_id", agent.ID),
			zap.Strings("variables", assembled.Unresolved),
		)
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: assembled.Instruction},
		{Role: llm.RoleUser, Content: message},
	}
	counted := make([]usage.Message, len(messages))
	for i, m := range messages {
		counted[i] = usage.Message{Role: m.Role, Content: m.Content}
	}
	promptTokens := e.accountant.CountMessages(counted, agent.Model)
	if agent.MaxInputTokens > 0 && promptTokens > agent.MaxInputTokens {
		e.metrics.ObserveTurn(agent.Model, "rejected", e.now().Sub(started))
		return nil, failure.TokenBudgetExceeded(promptTokens, agent.MaxInputTokens)
	}

	resp, err := e.gateway.Complete(ctx, llm.CompletionRequest{
		Model:       agent.Model,
		Messages:    messages,
		Temperature: agent.Temperature,
		MaxTokens:   agent.MaxOutputTokens,
		Stop:        agent.StopSequences,
		Stream:      in.Stream,
	})
	if err != nil {
		e.metrics.ObserveTurn(agent.Model, "failed", e.now().Sub(started))
		return nil, err
	}

	turnUsage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if resp.Usage.Estimated || (resp.Usage.PromptTokens == 0 && resp.Usage.CompletionTokens == 0) {
		turnUsage = Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: e.accountant.CountTokens(resp.Content, agent.Model),
			Estimated:        true,
		}
	}
	turnUsage.TotalTokens = turnUsage.PromptTokens + turnUsage.CompletionTokens
	turnUsage.Cost = e.accountant.Cost(turnUsage.PromptTokens, turnUsage.CompletionTokens, agent.Model)

	chunks := make([]postprocess.Chunk, len(g.passages))
	for i, p := range g.passages {
		chunks[i] = postprocess.Chunk{Source: p.Source, Text: p.Text, Score: p.Score}
	}
	reply := &Reply{
		Message:          postprocess.StripActions(resp.Content),
		RawResponse:      resp.Content,
		Sources:          postprocess.AttributeSources(resp.Content, chunks),
		Actions:          postprocess.ExtractActions(resp.Content),
		Usage:            turnUsage,
		Confidence:       confidence(resp.FinishReason),
		FinishReason:     resp.FinishReason,
		Model:            resp.Model,
		Provider:         string(resp.Provider),
		Unresolved:       assembled.Unresolved,
		ProcessingTimeMs: resp.ProcessingTimeMs,
	}
	if g.systemPrompt != nil {
		reply.PromptVersion = g.systemPrompt.Label()
	}
	for _, fe := range g.context.Failures {
		reply.ContextFailures = append(reply.ContextFailures, fe.Subject)
	}
	reply.ExecutionTimeMs = e.now().Sub(started).Milliseconds()

	if g.conversation != nil {
		e.persist(ctx, g, message, reply)
	}

	e.metrics.ObserveTurn(agent.Model, "succeeded", e.now().Sub(started))
	e.metrics.ObserveUsage(agent.Model, turnUsage.PromptTokens, turnUsage.CompletionTokens, turnUsage.Cost)
	return reply, nil
}

// gather 并发执行一轮对话中相互独立的查询。
func (e *Executor) gather(ctx context.Context, agent *agents.Agent, in TurnInput, message string) (*gathered, error) {
	out := &gathered{}
	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		sp, err := e.prompts.ActiveSystemPrompt(gctx, agent.ID)
		if err != nil {
			return fmt.Errorf("executor: load system prompt: %w", err)
		}
		out.systemPrompt = sp
		return nil
	})

	if e.context != nil {
		grp.Go(func() error {
			caller := in.Caller
			if caller == "" {
				caller = "agent:" + strconv.FormatUint(agent.ID, 10)
			}
			out.context = e.context.Aggregate(gctx, integrations.Request{
				AgentID:      agent.ID,
				Caller:       caller,
				Integrations: agent.Integrations,
				Extra:        in.Context,
			})
			return nil
		})
	} else {
		out.context = integrations.Result{Context: copyMap(in.Context)}
	}

	if e.knowledge != nil && agent.KnowledgeTopK > 0 {
		grp.Go(func() error {
			passages, err := e.knowledge.Retrieve(gctx, knowledge.Query{
				AgentID:   agent.ID,
				Text:      message,
				TopK:      agent.KnowledgeTopK,
				Threshold: agent.KnowledgeThreshold,
				Filter:    agent.Filter(),
			})
			if err != nil {
				return err
			}
			out.passages = passages
			return nil
		})
	}

	if e.conversations != nil && in.ConversationID != 0 {
		grp.Go(func() error {
			conv, err := e.conversations.GetConversation(gctx, in.ConversationID)
			if errors.Is(err, conversations.ErrConversationNotFound) {
				zlog.Info("executor: conversation not found, turn will not be persisted",
					zap.Uint64("conversation_id", in.ConversationID))
				return nil
			}
			if err != nil {
				return err
			}
			if conv.AgentID != agent.ID {
				return failure.Validation("conversation_id", "conversation %d does not belong to agent %d", conv.ID, agent.ID)
			}
			turns, err := e.conversations.RecentTurns(gctx, conv.ID, e.historyTurns)
			if err != nil {
				return err
			}
			out.conversation = conv
			out.history = turns
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Executor) persist(ctx context.Context, g *gathered, message string, reply *Reply) {
	snapshot := map[string]any{
		"knowledge": g.passages,
		"context":   g.context.Context,
	}
	turn := &conversations.Turn{
		ConversationID:   g.conversation.ID,
		UserMessage:      message,
		AssistantMessage: reply.Message,
		Context:          encodeJSON(snapshot),
		Sources:          encodeJSON(reply.Sources),
		Actions:          encodeJSON(reply.Actions),
		PromptTokens:     reply.Usage.PromptTokens,
		CompletionTokens: reply.Usage.CompletionTokens,
		Cost:             reply.Usage.Cost,
		ExecutionMs:      reply.ExecutionTimeMs,
	}
	if err := e.conversations.AppendTurn(ctx, turn); err != nil {
		zlog.Error("executor: persist turn failed",
			zap.Uint64("conversation_id", g.conversation.ID),
			zap.Error(err),
		)
		return
	}
	reply.ConversationID = g.conversation.ID
	reply.TurnID = turn.ID
}

func confidence(finishReason string) string {
	switch finishReason {
	case llm.FinishStop:
		return ConfidenceHigh
	case llm.FinishLength:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func encodeJSON(v any) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		zlog.Warn("executor: encode turn snapshot failed", zap.Error(err))
		return datatypes.JSON("null")
	}
	return datatypes.JSON(data)
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
