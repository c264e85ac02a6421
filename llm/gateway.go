package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ledgerly_back/failure"
	"ledgerly_back/metrics"
	"ledgerly_back/zlog"
)

// State 描述一次调用在网关中的阶段。
type State string

const (
	StateRouting   State = "routing"
	StateInvoking  State = "invoking"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Gateway 把调用路由到模型所属供应商族的适配器，失败统一报告为 completion failure，不重试。
type Gateway struct {
	mu       sync.RWMutex
	adapters map[Family]Adapter
	timeout  time.Duration
	metrics  *metrics.Recorder

	// OnTransition 非空时观察每一次状态变化。
	OnTransition func(model string, state State)
}

type GatewayOption func(*Gateway)

func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.timeout = d }
}

func WithMetrics(r *metrics.Recorder) GatewayOption {
	return func(g *Gateway) { g.metrics = r }
}

func NewGateway(opts ...GatewayOption) *Gateway {
	g := &Gateway{adapters: make(map[Family]Adapter), timeout: 120 * time.Second}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewGatewayFromEnv 为每个配置了凭证的供应商族注册适配器。
func NewGatewayFromEnv(ctx context.Context, opts ...GatewayOption) (*Gateway, error) {
	if raw := strings.TrimSpace(os.Getenv("LLM_TIMEOUT")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("llm: invalid LLM_TIMEOUT %q: %w", raw, err)
		}
		opts = append(opts, WithTimeout(d))
	}
	g := NewGateway(opts...)

	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		a, err := NewOpenAIAdapter(OpenAIConfig{BaseURL: os.Getenv("OPENAI_BASE_URL"), APIKey: key, StreamUsage: true})
		if err != nil {
			return nil, err
		}
		g.Register(FamilyOpenAI, a)
	}
	if key := strings.TrimSpace(os.Getenv("LLM_API_KEY")); key != "" {
		baseURL := strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
		if baseURL == "" {
			baseURL = defaultCompatibleBaseURL
		}
		a, err := NewOpenAIAdapter(OpenAIConfig{BaseURL: baseURL, APIKey: key})
		if err != nil {
			return nil, err
		}
		g.Register(FamilyCompatible, a)
	}
	if key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		a, err := NewAnthropicAdapter(AnthropicConfig{BaseURL: os.Getenv("ANTHROPIC_BASE_URL"), APIKey: key})
		if err != nil {
			return nil, err
		}
		g.Register(FamilyAnthropic, a)
	}
	key := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	project := strings.TrimSpace(os.Getenv("GOOGLE_CLOUD_PROJECT"))
	if key != "" || project != "" {
		a, err := NewGeminiAdapter(ctx, GeminiConfig{
			APIKey:   key,
			Project:  project,
			Location: strings.TrimSpace(os.Getenv("GOOGLE_CLOUD_LOCATION")),
		})
		if err != nil {
			return nil, err
		}
		g.Register(FamilyGemini, a)
	}
	if len(g.Families()) == 0 {
		zlog.Warn("llm: no provider credentials configured, every completion will fail")
	}
	return g, nil
}

func (g *Gateway) Register(f Family, a Adapter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adapters[f] = a
}

// Families 列出已注册的供应商族。
func (g *Gateway) Families() []Family {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Family, 0, len(g.adapters))
	for f := range g.adapters {
		out = append(out, f)
	}
	return out
}

func (g *Gateway) transition(model string, state State, fields ...zap.Field) {
	zlog.Debug("llm: gateway "+string(state), append(fields, zap.String("model", model))...)
	if g.OnTransition != nil {
		g.OnTransition(model, state)
	}
}

func (g *Gateway) fail(model, provider string, err error) error {
	g.transition(model, StateFailed, zap.String("provider", provider), zap.Error(err))
	g.metrics.ObserveProviderError(provider)
	return failure.Completion(provider, err)
}

// Complete 依次经过 Routing -> Invoking -> Succeeded|Failed。
func (g *Gateway) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	g.transition(req.Model, StateRouting)
	family, err := ResolveFamily(req.Model)
	if err != nil {
		return nil, g.fail(req.Model, "unknown", err)
	}
	g.mu.RLock()
	adapter, ok := g.adapters[family]
	g.mu.RUnlock()
	if !ok {
		return nil, g.fail(req.Model, string(family), fmt.Errorf("llm: no adapter registered for %s", family))
	}

	g.transition(req.Model, StateInvoking, zap.String("provider", string(family)))
	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	started := time.Now()
	resp, err := adapter.Complete(callCtx, req)
	elapsed := time.Since(started)
	if err == nil && resp == nil {
		err = errors.New("llm: adapter returned no response")
	}
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("llm: provider timed out after %s: %w", g.timeout, err)
		}
		return nil, g.fail(req.Model, string(family), err)
	}

	resp.Provider = family
	resp.ProcessingTimeMs = elapsed.Milliseconds()
	if resp.Model == "" {
		resp.Model = req.Model
	}
	g.transition(req.Model, StateSucceeded,
		zap.String("provider", string(family)),
		zap.Int64("latency_ms", resp.ProcessingTimeMs),
		zap.String("finish_reason", resp.FinishReason))
	return resp, nil
}
