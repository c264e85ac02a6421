package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiAdapter struct {
	client *genai.Client
}

type GeminiConfig struct {
	APIKey   string
	Project  string
	Location string
	BaseURL  string
}

// NewGeminiAdapter 有 API key 时使用 Gemini API，否则使用 Vertex AI。
func NewGeminiAdapter(ctx context.Context, cfg GeminiConfig) (Adapter, error) {
	clientCfg := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.APIKey == "" {
		if cfg.Project == "" {
			return nil, errors.New("llm: gemini needs an API key or a project")
		}
		clientCfg = &genai.ClientConfig{Project: cfg.Project, Location: cfg.Location, Backend: genai.BackendVertexAI}
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("llm: create gemini client: %w", err)
	}
	return &geminiAdapter{client: client}, nil
}

func (a *geminiAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	contents, config := buildGeminiRequest(req)
	if len(contents) == 0 {
		return nil, errors.New("llm: gemini needs at least one user message")
	}

	if !req.Stream {
		resp, err := a.client.Models.GenerateContent(ctx, req.Model, contents, config)
		if err != nil {
			return nil, fmt.Errorf("llm: gemini generate: %w", err)
		}
		out := &CompletionResponse{Model: req.Model, Usage: Usage{Estimated: true}}
		if err := mergeGeminiResponse(out, resp); err != nil {
			return nil, err
		}
		return out, nil
	}

	out := &CompletionResponse{Model: req.Model, Usage: Usage{Estimated: true}}
	for resp, err := range a.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
		if err != nil {
			return nil, fmt.Errorf("llm: gemini stream: %w", err)
		}
		if err := mergeGeminiResponse(out, resp); err != nil {
			return nil, err
		}
	}
	if out.FinishReason == "" {
		return nil, ErrStreamTruncated
	}
	return out, nil
}

func buildGeminiRequest(req CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, turns := systemAndTurns(req.Messages)

	contents := make([]*genai.Content, 0, len(turns))
	for _, msg := range turns {
		role := genai.RoleUser
		if msg.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: msg.Content}}})
	}

	config := &genai.GenerateContentConfig{
		Temperature:   genai.Ptr(float32(req.Temperature)),
		StopSequences: req.Stop,
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if strings.TrimSpace(system) != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	return contents, config
}

// mergeGeminiResponse 把一个（可能不完整的）响应合并到 out。
func mergeGeminiResponse(out *CompletionResponse, resp *genai.GenerateContentResponse) error {
	if resp == nil {
		return nil
	}
	if resp.UsageMetadata != nil && (resp.UsageMetadata.PromptTokenCount > 0 || resp.UsageMetadata.CandidatesTokenCount > 0) {
		out.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return fmt.Errorf("llm: gemini blocked prompt: %s", resp.PromptFeedback.BlockReason)
		}
		return nil
	}
	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		var text strings.Builder
		for _, part := range candidate.Content.Parts {
			if part != nil && !part.Thought {
				text.WriteString(part.Text)
			}
		}
		out.Content += text.String()
	}
	if candidate.FinishReason != "" {
		out.FinishReason = mapGeminiFinish(candidate.FinishReason)
	}
	return nil
}

func mapGeminiFinish(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonStop:
		return FinishStop
	case genai.FinishReasonMaxTokens:
		return FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist:
		return "content_filter"
	default:
		return strings.ToLower(string(reason))
	}
}
