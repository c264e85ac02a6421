package knowledge

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"ledgerly_back/failure"
)

const geminiMaxBatch = 100

type geminiEmbedder struct {
	client     *genai.Client
	model      string
	dimensions int32
}

type GeminiEmbedderConfig struct {
	APIKey     string
	Project    string
	Location   string
	Model      string
	Dimensions int
}

// NewGeminiEmbedder 有 API key 时使用 Gemini API，否则使用 Vertex AI。
func NewGeminiEmbedder(ctx context.Context, cfg GeminiEmbedderConfig) (Embedder, error) {
	clientCfg := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.APIKey == "" {
		if cfg.Project == "" {
			return nil, errors.New("knowledge: gemini embedder needs an API key or a project")
		}
		clientCfg = &genai.ClientConfig{Project: cfg.Project, Location: cfg.Location, Backend: genai.BackendVertexAI}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("knowledge: create gemini client: %w", err)
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-004"
	}
	return &geminiEmbedder{client: client, model: cfg.Model, dimensions: int32(cfg.Dimensions)}, nil
}

func NewGeminiEmbedderFromEnv(ctx context.Context) (Embedder, error) {
	return NewGeminiEmbedder(ctx, GeminiEmbedderConfig{
		APIKey:     firstEnv("EMBEDDING_API_KEY", "GEMINI_API_KEY"),
		Project:    firstEnv("GOOGLE_CLOUD_PROJECT"),
		Location:   firstEnv("GOOGLE_CLOUD_LOCATION"),
		Model:      firstEnv("EMBEDDING_MODEL_ID"),
		Dimensions: envInt("EMBEDDING_DIMENSIONS", 0),
	})
}

func (g *geminiEmbedder) Model() string {
	return g.model
}

func (g *geminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	cfg := &genai.EmbedContentConfig{}
	if g.dimensions > 0 {
		cfg.OutputDimensionality = genai.Ptr(g.dimensions)
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += geminiMaxBatch {
		end := start + geminiMaxBatch
		if end > len(texts) {
			end = len(texts)
		}
		contents := make([]*genai.Content, 0, end-start)
		for _, text := range texts[start:end] {
			contents = append(contents, genai.Text(text)...)
		}
		resp, err := g.client.Models.EmbedContent(ctx, g.model, contents, cfg)
		if err != nil {
			return nil, failure.Embedding(g.model, len(texts), err)
		}
		if len(resp.Embeddings) != len(contents) {
			return nil, failure.Embedding(g.model, len(texts),
				fmt.Errorf("expected %d embeddings, got %d", len(contents), len(resp.Embeddings)))
		}
		for _, emb := range resp.Embeddings {
			results = append(results, emb.Values)
		}
	}
	return results, nil
}
