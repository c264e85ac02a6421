package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com"
	anthropicVersion          = "2023-06-01"
	defaultAnthropicMaxTokens = 4096
)

type anthropicAdapter struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

type AnthropicConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func NewAnthropicAdapter(cfg AnthropicConfig) (Adapter, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llm: anthropic API key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &anthropicAdapter{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
	}, nil
}

type anthropicRequest struct {
	Model         string    `json:"model"`
	System        string    `json:"system,omitempty"`
	Messages      []Message `json:"messages"`
	MaxTokens     int       `json:"max_tokens"`
	Temperature   *float64  `json:"temperature,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *anthropicAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	system, turns := systemAndTurns(req.Messages)
	if len(turns) == 0 {
		return nil, errors.New("llm: anthropic needs at least one user message")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	temperature := req.Temperature
	payload := anthropicRequest{
		Model:         req.Model,
		System:        system,
		Messages:      turns,
		MaxTokens:     maxTokens,
		Temperature:   &temperature,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("llm: encode anthropic request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: create anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("llm: anthropic status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	if req.Stream {
		return accumulateAnthropicStream(resp.Body, req.Model)
	}

	var decoded anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("llm: decode anthropic response: %w", err)
	}
	var text strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	out := &CompletionResponse{
		Content:      text.String(),
		FinishReason: normalizeAnthropicStop(decoded.StopReason),
		Model:        req.Model,
		Usage: Usage{
			PromptTokens:     decoded.Usage.InputTokens,
			CompletionTokens: decoded.Usage.OutputTokens,
		},
	}
	if decoded.Model != "" {
		out.Model = decoded.Model
	}
	return out, nil
}

func accumulateAnthropicStream(body io.Reader, model string) (*CompletionResponse, error) {
	var (
		text  strings.Builder
		stop  string
		usage anthropicUsage
	)
	completed, err := readSSE(body, func(_, data string) (bool, error) {
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return false, nil
		}
		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				usage.InputTokens = ev.Message.Usage.InputTokens
				if ev.Message.Model != "" {
					model = ev.Message.Model
				}
			}
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Type == "text_delta" {
				text.WriteString(ev.Delta.Text)
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				stop = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			return true, nil
		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Type + ": " + ev.Error.Message
			}
			return true, fmt.Errorf("llm: anthropic %s", msg)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if !completed && stop == "" {
		return nil, ErrStreamTruncated
	}
	out := &CompletionResponse{
		Content:      text.String(),
		FinishReason: normalizeAnthropicStop(stop),
		Model:        model,
		Usage:        Usage{PromptTokens: usage.InputTokens, CompletionTokens: usage.OutputTokens},
	}
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		out.Usage.Estimated = true
	}
	return out, nil
}

func normalizeAnthropicStop(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishLength
	default:
		return reason
	}
}
