package knowledge

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerly_back/failure"
)

func TestIngestIndexesFileIntoThreeChunks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	text := fiftyCharSentences(49)
	kb, err := env.svc.Ingest(ctx, 7, []FileUpload{{Name: "handbook.txt", MimeType: "text/plain", Data: []byte(text)}})
	require.NoError(t, err)

	assert.Equal(t, StatusIndexed, kb.Status)
	assert.Equal(t, 3, kb.TotalChunks)
	assert.Equal(t, 2, kb.Version)
	require.Len(t, kb.Files, 1)
	assert.Equal(t, 3, kb.Files[0].ChunkCount)
	assert.Equal(t, len(strings.Fields(text)), kb.TotalTokens)

	assert.Equal(t, []string{StatusPending, StatusProcessing, StatusIndexed}, env.store.statuses("handbook.txt"))
	assert.Equal(t, 1, env.embedder.callCount())
	assert.Len(t, env.embedder.calls[0], 3)
}

func TestIngestRejectsUnsupportedTypeBeforeSideEffects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, 7, []FileUpload{
		{Name: "notes.txt", MimeType: "text/plain", Data: []byte("fine")},
		{Name: "slides.pptx", MimeType: "application/vnd.ms-powerpoint", Data: []byte("x")},
	})
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.KindValidation, fe.Kind)
	assert.Equal(t, "mime_type", fe.Subject)

	assert.Zero(t, env.documents.Len())
	kbs, err := env.svc.ListKnowledgeBases(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, kbs)
	assert.Zero(t, env.embedder.callCount())
}

func TestIngestRejectsEmptyUpload(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Ingest(context.Background(), 7, nil)
	assert.True(t, failure.Is(err, failure.KindValidation))
}

func TestIngestFailedFileLeavesSiblingIndexed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	kb, err := env.svc.Ingest(ctx, 7, []FileUpload{
		{Name: "bad.md", MimeType: "text/markdown", Data: []byte("This file is poison for the embedder.")},
		{Name: "good.txt", MimeType: "text/plain", Data: []byte("Invoices are due within thirty days.")},
	})
	require.NoError(t, err)

	require.Len(t, kb.Files, 2)
	bad, good := kb.Files[0], kb.Files[1]
	assert.Equal(t, StatusError, bad.Status)
	assert.Contains(t, bad.Error, "rejected input")
	assert.Equal(t, StatusIndexed, good.Status)
	assert.Equal(t, 1, good.ChunkCount)

	assert.Equal(t, StatusError, kb.Status)
	assert.Equal(t, 1, kb.TotalChunks)
}

func TestRetrieveReturnsAttributedPassages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, 9, []FileUpload{
		{Name: "policy.txt", MimeType: "text/plain", Data: []byte("Refunds are processed within five business days.")},
	})
	require.NoError(t, err)

	passages, err := env.svc.Retrieve(ctx, Query{AgentID: 9, Text: "refunds processed business days", TopK: 3, Threshold: 0.1})
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, "policy.txt", passages[0].Source)
	assert.Contains(t, passages[0].Text, "Refunds")
	assert.NotZero(t, passages[0].KnowledgeBaseID)

	none, err := env.svc.Retrieve(ctx, Query{AgentID: 404, Text: "refunds", TopK: 3})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRetrieveAppliesMetadataFilter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, 9, []FileUpload{
		{Name: "a.txt", MimeType: "text/plain", Data: []byte("Payroll runs on the last business day.")},
		{Name: "b.md", MimeType: "text/markdown", Data: []byte("Payroll runs on the first business day.")},
	})
	require.NoError(t, err)

	passages, err := env.svc.Retrieve(ctx, Query{
		AgentID: 9, Text: "payroll business day", TopK: 5,
		Filter: map[string]string{"mime_type": "text/markdown"},
	})
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, "b.md", passages[0].Source)
}

func TestDeleteKnowledgeBaseRemovesPoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	kb, err := env.svc.Ingest(ctx, 9, []FileUpload{
		{Name: "policy.txt", MimeType: "text/plain", Data: []byte("Refunds are processed within five business days.")},
	})
	require.NoError(t, err)

	assert.ErrorIs(t, env.svc.DeleteKnowledgeBase(ctx, 10, kb.ID), ErrKnowledgeBaseNotFound)
	require.NoError(t, env.svc.DeleteKnowledgeBase(ctx, 9, kb.ID))

	passages, err := env.svc.Retrieve(ctx, Query{AgentID: 9, Text: "refunds processed", TopK: 3})
	require.NoError(t, err)
	assert.Empty(t, passages)
	assert.Zero(t, env.documents.Len())

	_, err = env.svc.GetKnowledgeBase(ctx, 9, kb.ID)
	assert.ErrorIs(t, err, ErrKnowledgeBaseNotFound)
}

func TestDeleteAgentKnowledgeCascades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, name := range []string{"one.txt", "two.txt"} {
		_, err := env.svc.Ingest(ctx, 11, []FileUpload{{Name: name, MimeType: "text/plain", Data: []byte("Quarterly revenue grew strongly.")}})
		require.NoError(t, err)
	}
	require.NoError(t, env.svc.DeleteAgentKnowledge(ctx, 11))

	kbs, err := env.svc.ListKnowledgeBases(ctx, 11)
	require.NoError(t, err)
	assert.Empty(t, kbs)

	passages, err := env.svc.Retrieve(ctx, Query{AgentID: 11, Text: "quarterly revenue", TopK: 3})
	require.NoError(t, err)
	assert.Empty(t, passages)
	assert.Zero(t, env.documents.Len())
}

func TestAggregateStatusPicksLeastAdvanced(t *testing.T) {
	files := func(statuses ...string) []KnowledgeFile {
		out := make([]KnowledgeFile, len(statuses))
		for i, s := range statuses {
			out[i].Status = s
		}
		return out
	}
	assert.Equal(t, StatusPending, aggregateStatus(nil))
	assert.Equal(t, StatusIndexed, aggregateStatus(files(StatusIndexed, StatusIndexed)))
	assert.Equal(t, StatusProcessing, aggregateStatus(files(StatusIndexed, StatusProcessing)))
	assert.Equal(t, StatusPending, aggregateStatus(files(StatusProcessing, StatusPending)))
	assert.Equal(t, StatusError, aggregateStatus(files(StatusIndexed, StatusError, StatusPending)))
}
