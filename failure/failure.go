package failure

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind 区分执行管线中对调用方可见的错误类别。
type Kind string

const (
	KindValidation          Kind = "validation"
	KindTokenBudgetExceeded Kind = "token_budget_exceeded"
	KindEmbedding           Kind = "embedding_failure"
	KindCompletion          Kind = "completion_failure"
	KindCollaboratorFetch   Kind = "collaborator_fetch_failure"
)

// Error 携带错误类别及其上下文：Subject 是出错的字段或模块，
// Provider 是上游服务，Count 是涉及的输入条数或 token 数。
type Error struct {
	Kind     Kind
	Subject  string
	Provider string
	Count    int
	Limit    int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		fmt.Fprintf(&b, " [%s]", e.Provider)
	}
	if e.Subject != "" {
		fmt.Fprintf(&b, " %s", e.Subject)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation 表示在产生任何副作用之前被拒绝的非法输入。
func Validation(subject, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Subject: subject, Message: fmt.Sprintf(format, args...)}
}

// TokenBudgetExceeded 表示提示词的 token 数 count 超过上限 limit。
func TokenBudgetExceeded(count, limit int) *Error {
	return &Error{
		Kind:    KindTokenBudgetExceeded,
		Count:   count,
		Limit:   limit,
		Message: fmt.Sprintf("prompt needs %d tokens, agent allows %d", count, limit),
	}
}

// Embedding 包装一批 count 条输入的上游向量化错误。
func Embedding(provider string, count int, err error) *Error {
	return &Error{
		Kind:     KindEmbedding,
		Provider: provider,
		Count:    count,
		Message:  fmt.Sprintf("embedding %d inputs failed", count),
		Err:      err,
	}
}

// Completion 包装上游模型调用错误。
func Completion(provider string, err error) *Error {
	msg := "completion failed"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: KindCompletion, Provider: provider, Message: msg, Err: err}
}

// CollaboratorFetch 包装协作模块某个授权范围的拉取失败。
func CollaboratorFetch(module, scope string, err error) *Error {
	return &Error{Kind: KindCollaboratorFetch, Subject: module + "/" + scope, Err: err}
}

// As 返回 err 链上的 *Error。
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// Is 判断 err 是否属于指定类别。
func Is(err error, kind Kind) bool {
	fe, ok := As(err)
	return ok && fe.Kind == kind
}

// HTTPStatus 把 err 映射为接口返回的状态码。
func HTTPStatus(err error) int {
	fe, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch fe.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindTokenBudgetExceeded:
		return http.StatusUnprocessableEntity
	case KindEmbedding, KindCompletion, KindCollaboratorFetch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
