package llm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"ledgerly_back/zlog"
)

// ModelOption 描述一个可供智能体选择的模型。
type ModelOption struct {
	Family       Family   `json:"family"`
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Recommended  bool     `json:"recommended,omitempty"`
}

var defaultModelCatalog = []ModelOption{
	{Name: "gpt-4o-mini", DisplayName: "GPT-4o mini", Description: "低成本通用模型，适合日常问答。", Capabilities: []string{"chat", "stream"}, Recommended: true},
	{Name: "gpt-4o", DisplayName: "GPT-4o", Description: "综合能力强，适合复杂的财务分析。", Capabilities: []string{"chat", "stream"}},
	{Name: "claude-3-5-sonnet-latest", DisplayName: "Claude 3.5 Sonnet", Description: "长文档理解与写作。", Capabilities: []string{"chat", "stream"}},
	{Name: "claude-3-5-haiku-latest", DisplayName: "Claude 3.5 Haiku", Capabilities: []string{"chat", "stream"}},
	{Name: "gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash", Description: "响应快，适合高频短问答。", Capabilities: []string{"chat", "stream"}},
	{Name: "gpt-oss-120b", DisplayName: "GPT-OSS 120B", Description: "兼容 OpenAI Chat Completions 协议的网关模型。", Capabilities: []string{"chat", "stream"}},
	{Name: "deepseek/deepseek-v3.1-terminus", DisplayName: "DeepSeek Terminus v3.1", Capabilities: []string{"chat", "reasoning"}},
	{Name: "qwen3-max", DisplayName: "Qwen 3 Max", Capabilities: []string{"chat", "multilingual"}},
}

// LoadCatalog 返回模型目录，优先使用 LLM_MODEL_CATALOG（内联 JSON）或
// LLM_MODEL_CATALOG_FILE，否则使用内置列表。
func LoadCatalog() []ModelOption {
	if raw := strings.TrimSpace(os.Getenv("LLM_MODEL_CATALOG")); raw != "" {
		if catalog := parseModelCatalogJSON(raw); len(catalog) > 0 {
			return catalog
		}
		zlog.Warn("llm: failed to parse LLM_MODEL_CATALOG override")
	}
	if path := strings.TrimSpace(os.Getenv("LLM_MODEL_CATALOG_FILE")); path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			zlog.Warn("llm: read LLM_MODEL_CATALOG_FILE failed", zap.Error(err))
		} else if catalog := parseModelCatalogJSON(string(data)); len(catalog) > 0 {
			return catalog
		} else {
			zlog.Warn("llm: failed to parse catalog file", zap.String("path", path))
		}
	}
	return normalizeModelCatalog(defaultModelCatalog)
}

// Available 只保留已注册适配器的供应商族下的模型。
func Available(catalog []ModelOption, families []Family) []ModelOption {
	registered := make(map[Family]bool, len(families))
	for _, f := range families {
		registered[f] = true
	}
	out := make([]ModelOption, 0, len(catalog))
	for _, option := range catalog {
		if registered[option.Family] {
			out = append(out, option)
		}
	}
	return out
}

func parseModelCatalogJSON(raw string) []ModelOption {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	var wrapped struct {
		Models []ModelOption `json:"models"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapped); err == nil && len(wrapped.Models) > 0 {
		return normalizeModelCatalog(wrapped.Models)
	}
	var list []ModelOption
	if err := json.Unmarshal([]byte(trimmed), &list); err == nil && len(list) > 0 {
		return normalizeModelCatalog(list)
	}
	return nil
}

// normalizeModelCatalog 清理名称、按模型名补全供应商族，并去掉重复项与无法路由的模型。
func normalizeModelCatalog(list []ModelOption) []ModelOption {
	result := make([]ModelOption, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, item := range list {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		family, err := ResolveFamily(name)
		if err != nil {
			zlog.Warn("llm: catalog entry has no provider family", zap.String("model", name))
			continue
		}
		key := strings.ToLower(name)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}

		option := item
		option.Name = name
		option.Family = family
		option.DisplayName = strings.TrimSpace(item.DisplayName)
		if option.DisplayName == "" {
			option.DisplayName = name
		}
		option.Description = strings.TrimSpace(item.Description)
		result = append(result, option)
	}
	return result
}
