package failure

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddingKeepsUpstreamAndCount(t *testing.T) {
	upstream := errors.New("rate limited")
	err := fmt.Errorf("knowledge: index file: %w", Embedding("openai", 7, upstream))

	fe, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, KindEmbedding, fe.Kind)
	assert.Equal(t, 7, fe.Count)
	assert.ErrorIs(t, err, upstream)
	assert.True(t, Is(err, KindEmbedding))
	assert.False(t, Is(err, KindCompletion))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "completion_failure [anthropic]: boom", Completion("anthropic", errors.New("boom")).Error())
	assert.Equal(t, "validation mime_type: unsupported file type \"image/png\"",
		Validation("mime_type", "unsupported file type %q", "image/png").Error())

	budget := TokenBudgetExceeded(120, 100)
	assert.Equal(t, 120, budget.Count)
	assert.Equal(t, 100, budget.Limit)
	assert.Contains(t, budget.Error(), "120")
}

func TestIsOnPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("x"), KindValidation))
	assert.False(t, Is(nil, KindValidation))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Validation("name", "required")))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(fmt.Errorf("executor: %w", TokenBudgetExceeded(9, 8))))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(Completion("openai", errors.New("down"))))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("disk full")))
}
