package llm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrStreamTruncated 表示流在供应商给出结束标记之前就断开了。
var ErrStreamTruncated = errors.New("llm: stream ended before the provider reported completion")

// readSSE 对每个 SSE 事件调用 fn。遇到 "[DONE]" 或 fn 返回 stop=true 时结束，
// 此时 completed 为 true；响应体直接读完时 completed 为 false。
func readSSE(body io.Reader, fn func(event, data string) (stop bool, err error)) (completed bool, err error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			event = ""
			continue
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
			continue
		case !strings.HasPrefix(line, "data:"):
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return true, nil
		}
		stop, err := fn(event, data)
		if err != nil {
			return false, err
		}
		if stop {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("llm: read stream: %w", err)
	}
	return false, nil
}
