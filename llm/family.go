package llm

import (
	"fmt"
	"strings"
)

// Family 标识一组共享调用协议的模型。
type Family string

const (
	FamilyOpenAI     Family = "openai"
	FamilyAnthropic  Family = "anthropic"
	FamilyGemini     Family = "gemini"
	FamilyCompatible Family = "compatible"
)

var familyPrefixes = []struct {
	prefix string
	family Family
}{
	{"gpt-oss", FamilyCompatible},
	{"claude", FamilyAnthropic},
	{"gemini", FamilyGemini},
	{"gpt-", FamilyOpenAI},
	{"chatgpt-", FamilyOpenAI},
	{"o1", FamilyOpenAI},
	{"o3", FamilyOpenAI},
	{"o4", FamilyOpenAI},
	{"deepseek", FamilyCompatible},
	{"qwen", FamilyCompatible},
	{"llama", FamilyCompatible},
	{"mistral", FamilyCompatible},
	{"glm", FamilyCompatible},
	{"moonshot", FamilyCompatible},
	{"kimi", FamilyCompatible},
	{"doubao", FamilyCompatible},
	{"minimax", FamilyCompatible},
}

// ResolveFamily 按命名规则把模型名映射到供应商族，"vendor/model" 形式由兼容网关提供。
func ResolveFamily(model string) (Family, error) {
	name := strings.ToLower(strings.TrimSpace(model))
	if name == "" {
		return "", fmt.Errorf("llm: model name is empty")
	}
	for _, p := range familyPrefixes {
		if strings.HasPrefix(name, p.prefix) {
			return p.family, nil
		}
	}
	if strings.Contains(name, "/") {
		return FamilyCompatible, nil
	}
	return "", fmt.Errorf("llm: no provider family for model %q", model)
}

// ParseFamily 校验已保存的供应商族名称。
func ParseFamily(raw string) (Family, error) {
	switch f := Family(strings.ToLower(strings.TrimSpace(raw))); f {
	case FamilyOpenAI, FamilyAnthropic, FamilyGemini, FamilyCompatible:
		return f, nil
	default:
		return "", fmt.Errorf("llm: unknown provider family %q", raw)
	}
}
