package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"ledgerly_back/failure"
)

// Embedder 将文本批量转换为向量，输出顺序与输入一致。任一子批次失败即整体失败。
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// EmbedOne 向量化单条查询文本。
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, failure.Embedding(e.Model(), 1, fmt.Errorf("expected 1 vector, got %d", len(vectors)))
	}
	return vectors[0], nil
}

type HTTPEmbedderConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxBatch   int
	Dimensions int
	Timeout    time.Duration
}

type httpEmbedder struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
	maxBatch   int
	dimensions int
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func NewHTTPEmbedder(cfg HTTPEmbedderConfig) (Embedder, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid embedding base URL %q", cfg.BaseURL)
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &httpEmbedder{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		modelID:    cfg.Model,
		maxBatch:   cfg.MaxBatch,
		dimensions: cfg.Dimensions,
	}, nil
}

// NewEmbedderFromEnv 在 EMBEDDING_PROVIDER=gemini 时使用 Gemini，否则使用 OpenAI 兼容的 /embeddings 接口。
func NewEmbedderFromEnv(ctx context.Context) (Embedder, error) {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("EMBEDDING_PROVIDER")), "gemini") {
		return NewGeminiEmbedderFromEnv(ctx)
	}

	apiKey := firstEnv("EMBEDDING_API_KEY", "OPENAI_API_KEY", "LLM_API_KEY")
	if apiKey == "" {
		return nil, errors.New("knowledge: embedding API key is required")
	}
	baseURL := firstEnv("EMBEDDING_BASE_URL", "OPENAI_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return NewHTTPEmbedder(HTTPEmbedderConfig{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Model:      firstEnv("EMBEDDING_MODEL_ID"),
		MaxBatch:   envInt("EMBEDDING_MAX_BATCH", 64),
		Dimensions: envInt("EMBEDDING_DIMENSIONS", 0),
	})
}

func (e *httpEmbedder) Model() string {
	return e.modelID
}

func (e *httpEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.maxBatch {
		end := start + e.maxBatch
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, failure.Embedding(e.modelID, len(texts), err)
		}
		results = append(results, vectors...)
	}
	return results, nil
}

func (e *httpEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	payload := embeddingRequest{Model: e.modelID, Input: batch}
	if e.dimensions > 0 {
		dim := e.dimensions
		payload.Dimensions = &dim
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("knowledge: encode embedding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", body)
	if err != nil {
		return nil, fmt.Errorf("knowledge: create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("knowledge: embedding API status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("knowledge: decode embedding response: %w", err)
	}
	if len(decoded.Data) != len(batch) {
		return nil, fmt.Errorf("knowledge: embedding response count mismatch (expected %d, got %d)", len(batch), len(decoded.Data))
	}

	vectors := make([][]float32, len(batch))
	for _, item := range decoded.Data {
		if item.Index < 0 || item.Index >= len(batch) || vectors[item.Index] != nil {
			return nil, fmt.Errorf("knowledge: embedding response has bad index %d", item.Index)
		}
		vector := make([]float32, len(item.Embedding))
		for i, value := range item.Embedding {
			vector[i] = float32(value)
		}
		vectors[item.Index] = vector
	}
	return vectors, nil
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}

func envInt(key string, fallback int) int {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
