package postprocess

import (
	"regexp"
	"strings"
)

var actionPattern = regexp.MustCompile(`\[ACTION:\s*([^\]]*)\]`)

// Action 是模型回复中以 [ACTION: type|k=v|...] 标记的指令。
type Action struct {
	Type       string            `json:"type"`
	Parameters map[string]string `json:"parameters"`
}

// ExtractActions 按出现顺序返回动作标记。不含 "=" 的参数段被丢弃，没有类型的标记被忽略。
func ExtractActions(text string) []Action {
	matches := actionPattern.FindAllStringSubmatch(text, -1)
	actions := make([]Action, 0, len(matches))
	for _, m := range matches {
		segments := strings.Split(m[1], "|")
		kind := strings.TrimSpace(segments[0])
		if kind == "" {
			continue
		}
		params := make(map[string]string, len(segments)-1)
		for _, segment := range segments[1:] {
			key, value, ok := strings.Cut(segment, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				continue
			}
			params[key] = strings.TrimSpace(value)
		}
		actions = append(actions, Action{Type: kind, Parameters: params})
	}
	return actions
}

// StripActions 移除所有动作标记并整理残留空白。
func StripActions(text string) string {
	stripped := actionPattern.ReplaceAllString(text, "")
	lines := strings.Split(stripped, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
