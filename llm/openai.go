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
	defaultOpenAIBaseURL     = "https://api.openai.com/v1"
	defaultCompatibleBaseURL = "https://openai.qiniu.com/v1"
)

// openAIAdapter 调用 /chat/completions，同时服务 OpenAI 与兼容网关。
type openAIAdapter struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	includeUsage bool
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// StreamUsage 要求流式响应末尾返回用量，并非所有兼容网关都接受 stream_options。
	StreamUsage bool
}

func NewOpenAIAdapter(cfg OpenAIConfig) (Adapter, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("llm: invalid base URL %q", baseURL)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llm: API key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &openAIAdapter{
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		includeUsage: cfg.StreamUsage,
	}, nil
}

type chatCompletionRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatCompletionUsage `json:"usage"`
}

type chatStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatCompletionUsage `json:"usage"`
}

func (a *openAIAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("llm: messages cannot be empty")
	}
	temperature := req.Temperature
	payload := chatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: &temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Stream:      req.Stream,
	}
	if req.Stream && a.includeUsage {
		payload.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("llm: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("llm: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	// 部分网关忽略 stream=true，直接返回 JSON
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !req.Stream || strings.Contains(contentType, "application/json") {
		return decodeChatCompletion(resp.Body, req.Model)
	}
	return accumulateChatStream(resp.Body, req.Model)
}

func decodeChatCompletion(body io.Reader, model string) (*CompletionResponse, error) {
	var decoded chatCompletionResponse
	if err := json.NewDecoder(body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("llm: response contains no choices")
	}
	out := &CompletionResponse{
		Content:      decoded.Choices[0].Message.Content,
		FinishReason: decoded.Choices[0].FinishReason,
		Model:        model,
		Usage:        convertUsage(decoded.Usage),
	}
	if decoded.Model != "" {
		out.Model = decoded.Model
	}
	return out, nil
}

func accumulateChatStream(body io.Reader, model string) (*CompletionResponse, error) {
	var (
		builder strings.Builder
		finish  string
		usage   *chatCompletionUsage
	)
	completed, err := readSSE(body, func(_, data string) (bool, error) {
		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return false, nil
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		for _, choice := range chunk.Choices {
			builder.WriteString(choice.Delta.Content)
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if !completed && finish == "" {
		return nil, ErrStreamTruncated
	}
	return &CompletionResponse{
		Content:      builder.String(),
		FinishReason: finish,
		Model:        model,
		Usage:        convertUsage(usage),
	}, nil
}

func convertUsage(raw *chatCompletionUsage) Usage {
	if raw == nil || (raw.PromptTokens == 0 && raw.CompletionTokens == 0) {
		return Usage{Estimated: true}
	}
	return Usage{PromptTokens: raw.PromptTokens, CompletionTokens: raw.CompletionTokens}
}
