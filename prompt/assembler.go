package prompt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Turn 是一轮历史对话。
type Turn struct {
	User      string
	Assistant string
}

// Input 汇集组装系统指令所需的全部材料。
type Input struct {
	SystemPrompt string
	Variables    map[string]any
	Knowledge    []string
	Context      map[string]any
	History      []Turn
}

// Result 是组装好的指令以及未被填充的占位符。
type Result struct {
	Instruction string
	Unresolved  []string
}

// Assemble 把变量代入系统提示词，并依次追加知识库、上下文和历史对话小节。
// 空小节不输出，未知占位符原样保留。
func Assemble(in Input) Result {
	var unresolved []string
	seen := map[string]bool{}
	text := placeholder.ReplaceAllStringFunc(in.SystemPrompt, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		if value, ok := in.Variables[name]; ok {
			return stringify(value)
		}
		if !seen[name] {
			seen[name] = true
			unresolved = append(unresolved, name)
		}
		return match
	})

	var b strings.Builder
	b.WriteString(text)

	if knowledge := nonEmpty(in.Knowledge); len(knowledge) > 0 {
		b.WriteString("\n\n## Knowledge Base\n")
		b.WriteString(strings.Join(knowledge, "\n\n---\n\n"))
	}

	if len(in.Context) > 0 {
		if raw, err := json.MarshalIndent(in.Context, "", "  "); err == nil {
			b.WriteString("\n\n## Context\n")
			b.Write(raw)
		}
	}

	if len(in.History) > 0 {
		b.WriteString("\n\n## Conversation History\n")
		for i, turn := range in.History {
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "User: %s\nAssistant: %s", turn.User, turn.Assistant)
		}
	}

	return Result{Instruction: b.String(), Unresolved: unresolved}
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case map[string]any, []any:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	default:
		return fmt.Sprint(v)
	}
}

func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item) != "" {
			out = append(out, item)
		}
	}
	return out
}
