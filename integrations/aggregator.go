package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ledgerly_back/agents"
	"ledgerly_back/failure"
	"ledgerly_back/zlog"
)

const (
	defaultFetchTimeout = 5 * time.Second
	maxResponseBytes    = 1 << 20

	HeaderCaller = "X-Caller-Identity"
	HeaderAgent  = "X-Agent-ID"
)

var errModuleNotRegistered = errors.New("module is not registered")

// Registry 把协作模块 id 映射到其基础 URL。
type Registry map[string]string

// ParseRegistry 解析 "id=url,id=url"。
func ParseRegistry(raw string) (Registry, error) {
	registry := Registry{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, base, ok := strings.Cut(entry, "=")
		id, base = strings.TrimSpace(id), strings.TrimSpace(base)
		if !ok || id == "" || base == "" {
			return nil, fmt.Errorf("integrations: malformed module entry %q", entry)
		}
		if _, err := url.ParseRequestURI(base); err != nil {
			return nil, fmt.Errorf("integrations: module %s: %w", id, err)
		}
		registry[id] = strings.TrimRight(base, "/")
	}
	return registry, nil
}

// Request 描述一次上下文聚合。
type Request struct {
	AgentID      uint64
	Caller       string
	Integrations []agents.Integration
	// Extra 是本轮直接传入的上下文，顶层键冲突时优先。
	Extra map[string]any
}

// Result 包含合并后的上下文以及各自独立的拉取失败。
type Result struct {
	Context  map[string]any
	Failures []*failure.Error
}

type Aggregator struct {
	modules Registry
	client  *http.Client
	timeout time.Duration
}

type Option func(*Aggregator)

func WithTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(a *Aggregator) {
		if client != nil {
			a.client = client
		}
	}
}

func NewAggregator(modules Registry, opts ...Option) *Aggregator {
	a := &Aggregator{modules: modules, client: &http.Client{}, timeout: defaultFetchTimeout}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewAggregatorFromEnv 读取 INTEGRATION_MODULES 与 INTEGRATION_TIMEOUT。
func NewAggregatorFromEnv() (*Aggregator, error) {
	registry, err := ParseRegistry(os.Getenv("INTEGRATION_MODULES"))
	if err != nil {
		return nil, err
	}
	var opts []Option
	if raw := strings.TrimSpace(os.Getenv("INTEGRATION_TIMEOUT")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("integrations: parse INTEGRATION_TIMEOUT: %w", err)
		}
		opts = append(opts, WithTimeout(d))
	}
	return NewAggregator(registry, opts...), nil
}

type fetchKey struct {
	module string
	scope  string
}

// Aggregate 并发拉取每个已启用集成的全部授权范围，单个失败只记录，不影响其他拉取。
func (a *Aggregator) Aggregate(ctx context.Context, req Request) Result {
	var (
		mu       sync.Mutex
		payloads = map[fetchKey]any{}
		failures []*failure.Error
	)
	fail := func(fe *failure.Error) {
		zlog.Warn("integrations: collaborator fetch failed",
			zap.Uint64("agent_id", req.AgentID),
			zap.String("subject", fe.Subject),
			zap.Error(fe.Err),
		)
		mu.Lock()
		failures = append(failures, fe)
		mu.Unlock()
	}

	var g errgroup.Group
	for _, integration := range req.Integrations {
		if !integration.Enabled {
			continue
		}
		base, ok := a.modules[integration.ModuleID]
		for _, scope := range integration.Permissions {
			scope := strings.TrimSpace(scope)
			if scope == "" {
				continue
			}
			if !ok {
				fail(failure.CollaboratorFetch(integration.ModuleID, scope, errModuleNotRegistered))
				continue
			}
			moduleID := integration.ModuleID
			g.Go(func() error {
				payload, err := a.fetch(ctx, base, scope, req)
				if err != nil {
					fail(failure.CollaboratorFetch(moduleID, scope, err))
					return nil
				}
				mu.Lock()
				payloads[fetchKey{moduleID, scope}] = payload
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	merged := map[string]any{}
	for _, integration := range req.Integrations {
		if !integration.Enabled {
			continue
		}
		moduleData := map[string]any{}
		for _, scope := range integration.Permissions {
			if payload, ok := payloads[fetchKey{integration.ModuleID, strings.TrimSpace(scope)}]; ok {
				moduleData[strings.TrimSpace(scope)] = payload
			}
		}
		if len(moduleData) == 0 {
			continue
		}
		applyMappings(merged, integration, moduleData)
	}
	for k, v := range req.Extra {
		merged[k] = v
	}

	sort.Slice(failures, func(i, j int) bool { return failures[i].Subject < failures[j].Subject })
	return Result{Context: merged, Failures: failures}
}

func (a *Aggregator) fetch(ctx context.Context, base, scope string, req Request) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/"+url.PathEscape(scope), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(HeaderCaller, req.Caller)
	httpReq.Header.Set(HeaderAgent, strconv.FormatUint(req.AgentID, 10))

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return payload, nil
}

// applyMappings 把映射字段写入 dst；没有映射时把整个模块数据放在模块 id 下。
func applyMappings(dst map[string]any, integration agents.Integration, moduleData map[string]any) {
	if len(integration.FieldMappings) == 0 {
		dst[integration.ModuleID] = moduleData
		return
	}
	raw, err := json.Marshal(moduleData)
	if err != nil {
		zlog.Warn("integrations: encode module data failed", zap.String("module", integration.ModuleID), zap.Error(err))
		return
	}
	for _, m := range integration.FieldMappings {
		value := gjson.GetBytes(raw, m.Source)
		if !value.Exists() {
			zlog.Debug("integrations: mapped field missing",
				zap.String("module", integration.ModuleID),
				zap.String("source", m.Source),
			)
			continue
		}
		if !setPath(dst, m.Target, value.Value()) {
			zlog.Warn("integrations: invalid mapping target skipped",
				zap.String("module", integration.ModuleID),
				zap.String("target", m.Target),
			)
		}
	}
}

// setPath 把 value 写入点号路径，非对象的中间节点会被替换；
// 路径为空或含空段时不写入并返回 false。
func setPath(dst map[string]any, path string, value any) bool {
	parts := strings.Split(path, ".")
	for _, part := range parts {
		if part == "" {
			return false
		}
	}
	node := dst
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[part] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = value
	return true
}
