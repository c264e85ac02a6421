package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerly_back/failure"
)

type stubAdapter struct {
	calls int
	resp  *CompletionResponse
	err   error
	delay time.Duration
}

func (s *stubAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	out := *s.resp
	return &out, nil
}

func TestResolveFamily(t *testing.T) {
	cases := map[string]Family{
		"gpt-4o":                          FamilyOpenAI,
		"GPT-4o-mini":                     FamilyOpenAI,
		"o3-mini":                         FamilyOpenAI,
		"claude-3-5-sonnet-20241022":      FamilyAnthropic,
		"gemini-2.0-flash":                FamilyGemini,
		"gpt-oss-120b":                    FamilyCompatible,
		"deepseek/deepseek-v3.1-terminus": FamilyCompatible,
		"x-ai/grok-4-fast":                FamilyCompatible,
	}
	for model, want := range cases {
		got, err := ResolveFamily(model)
		require.NoError(t, err, model)
		assert.Equal(t, want, got, model)
	}

	_, err := ResolveFamily("mystery")
	assert.Error(t, err)
	_, err = ResolveFamily("  ")
	assert.Error(t, err)
}

func TestGatewayRoutesByFamily(t *testing.T) {
	openai := &stubAdapter{resp: &CompletionResponse{Content: "from openai", FinishReason: FinishStop}}
	claude := &stubAdapter{resp: &CompletionResponse{Content: "from claude", FinishReason: FinishLength}}

	var states []State
	g := NewGateway()
	g.Register(FamilyOpenAI, openai)
	g.Register(FamilyAnthropic, claude)
	g.OnTransition = func(_ string, s State) { states = append(states, s) }

	resp, err := g.Complete(context.Background(), CompletionRequest{Model: "claude-3-haiku", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "from claude", resp.Content)
	assert.Equal(t, FamilyAnthropic, resp.Provider)
	assert.Equal(t, "claude-3-haiku", resp.Model)
	assert.Equal(t, 0, openai.calls)
	assert.Equal(t, 1, claude.calls)
	assert.Equal(t, []State{StateRouting, StateInvoking, StateSucceeded}, states)
}

func TestGatewayWrapsProviderErrors(t *testing.T) {
	upstream := errors.New("503 overloaded")
	adapter := &stubAdapter{err: upstream}
	g := NewGateway()
	g.Register(FamilyOpenAI, adapter)

	_, err := g.Complete(context.Background(), CompletionRequest{Model: "gpt-4o"})
	require.Error(t, err)
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.KindCompletion, fe.Kind)
	assert.Equal(t, "openai", fe.Provider)
	assert.ErrorIs(t, err, upstream)
	assert.Equal(t, 1, adapter.calls, "no retries")
}

func TestGatewayUnknownFamilyAndMissingAdapter(t *testing.T) {
	g := NewGateway()
	_, err := g.Complete(context.Background(), CompletionRequest{Model: "mystery"})
	assert.True(t, failure.Is(err, failure.KindCompletion))

	_, err = g.Complete(context.Background(), CompletionRequest{Model: "gemini-2.0-flash"})
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, "gemini", fe.Provider)
}

func TestGatewayTimeoutIsCompletionFailure(t *testing.T) {
	g := NewGateway(WithTimeout(20 * time.Millisecond))
	g.Register(FamilyOpenAI, &stubAdapter{delay: time.Second, resp: &CompletionResponse{}})

	_, err := g.Complete(context.Background(), CompletionRequest{Model: "gpt-4o"})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindCompletion))
	assert.Contains(t, err.Error(), "timed out")
}

func TestModelsRouteListsRegisteredFamiliesOnly(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := NewGateway()
	g.Register(FamilyAnthropic, &stubAdapter{})
	router := gin.New()
	RegisterRoutes(router, g, normalizeModelCatalog(defaultModelCatalog))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Models []ModelOption `json:"models"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Models)
	for _, m := range body.Models {
		assert.Equal(t, FamilyAnthropic, m.Family)
	}
}
