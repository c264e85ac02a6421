package llm

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	FinishStop   = "stop"
	FinishLength = "length"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest 是与具体供应商无关的一次补全请求。
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Stop        []string
	Stream      bool
}

// Usage 是供应商返回的用量。供应商未返回（流式常见）时计数为零且 Estimated 为 true。
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	Estimated        bool `json:"estimated"`
}

type CompletionResponse struct {
	Content          string `json:"content"`
	FinishReason     string `json:"finish_reason"`
	Usage            Usage  `json:"usage"`
	Model            string `json:"model"`
	Provider         Family `json:"provider"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
}

// Adapter 实现一个供应商族的协议，流式请求会被累积成一个完整响应。
type Adapter interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// systemAndTurns 把 system 消息从对话中拆出，供单独接收系统指令的供应商使用。
func systemAndTurns(messages []Message) (string, []Message) {
	var system string
	turns := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		turns = append(turns, msg)
	}
	return system, turns
}
