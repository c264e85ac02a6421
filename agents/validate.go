package agents

import (
	"strings"

	"ledgerly_back/failure"
	"ledgerly_back/llm"
)

var validStatuses = map[string]bool{
	StatusDraft: true, StatusActive: true, StatusPaused: true, StatusArchived: true,
}

// Validate 原地规范化智能体配置并拒绝不一致的设置。供应商由模型名推断，
// 网关在每次调用时也会再推断一次。
func Validate(agent *Agent) error {
	agent.Name = strings.TrimSpace(agent.Name)
	agent.Model = strings.TrimSpace(agent.Model)
	if agent.Name == "" {
		return failure.Validation("name", "name is required")
	}
	if agent.Model == "" {
		return failure.Validation("model", "model is required")
	}

	family, err := llm.ResolveFamily(agent.Model)
	if err != nil {
		return failure.Validation("model", "%v", err)
	}
	if agent.Provider != "" {
		declared, err := llm.ParseFamily(agent.Provider)
		if err != nil {
			return failure.Validation("provider", "%v", err)
		}
		if declared != family {
			return failure.Validation("provider", "model %q belongs to %s, not %s", agent.Model, family, declared)
		}
	}
	agent.Provider = string(family)

	if agent.Status == "" {
		agent.Status = StatusDraft
	}
	if !validStatuses[agent.Status] {
		return failure.Validation("status", "unknown status %q", agent.Status)
	}
	if agent.Temperature < 0 || agent.Temperature > 2 {
		return failure.Validation("temperature", "temperature must be within [0, 2]")
	}
	if agent.MaxOutputTokens < 0 || agent.MaxInputTokens < 0 {
		return failure.Validation("max_tokens", "token limits cannot be negative")
	}
	if agent.KnowledgeTopK < 0 || agent.KnowledgeTopK > 50 {
		return failure.Validation("knowledge_top_k", "top k must be within [0, 50]")
	}
	if agent.KnowledgeThreshold < 0 || agent.KnowledgeThreshold > 1 {
		return failure.Validation("knowledge_threshold", "threshold must be within [0, 1]")
	}

	seen := map[string]bool{}
	for i, integration := range agent.Integrations {
		id := strings.TrimSpace(integration.ModuleID)
		if id == "" {
			return failure.Validation("integrations", "integration %d has no module id", i)
		}
		if seen[id] {
			return failure.Validation("integrations", "module %q listed twice", id)
		}
		seen[id] = true
		agent.Integrations[i].ModuleID = id
		for _, m := range integration.FieldMappings {
			if strings.TrimSpace(m.Source) == "" || strings.TrimSpace(m.Target) == "" {
				return failure.Validation("integrations", "module %q has an incomplete field mapping", id)
			}
			if !validTargetPath(m.Target) {
				return failure.Validation("integrations", "module %q maps to invalid target path %q", id, m.Target)
			}
		}
	}
	return nil
}

// validTargetPath 要求点号路径的每一段都非空。
func validTargetPath(path string) bool {
	for _, part := range strings.Split(path, ".") {
		if strings.TrimSpace(part) == "" {
			return false
		}
	}
	return true
}
