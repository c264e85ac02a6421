package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Store, *recordingCleaner) {
	gin.SetMode(gin.TestMode)
	store, cleaner := newTestStore(t)
	router := gin.New()
	RegisterRoutes(router, store)
	return router, store, cleaner
}

func doJSON(router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var payload bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&payload).Encode(body)
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

type agentEnvelope struct {
	Agent Agent `json:"agent"`
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	router, _, cleaner := newTestRouter(t)

	rec := doJSON(router, http.MethodPost, "/agents", gin.H{
		"name":   "Bookkeeper",
		"model":  "claude-3-5-haiku-latest",
		"status": StatusActive,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created agentEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "anthropic", created.Agent.Provider)
	assert.Equal(t, 1, created.Agent.Version)
	assert.Equal(t, 5, created.Agent.KnowledgeTopK)

	path := "/agents/" + itoa(created.Agent.ID)
	rec = doJSON(router, http.MethodPut, path, gin.H{"name": "Bookkeeper v2", "version": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated agentEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "Bookkeeper v2", updated.Agent.Name)
	assert.Equal(t, 2, updated.Agent.Version)

	rec = doJSON(router, http.MethodPut, path, gin.H{"name": "stale write", "version": 1})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(router, http.MethodGet, "/agents?status=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Agents []Agent `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Agents, 1)

	rec = doJSON(router, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []uint64{created.Agent.ID}, cleaner.agents)

	rec = doJSON(router, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateAgentRejectsUnknownModel(t *testing.T) {
	router, _, _ := newTestRouter(t)
	rec := doJSON(router, http.MethodPost, "/agents", gin.H{"name": "x", "model": "mystery-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPromptVersionsOverHTTP(t *testing.T) {
	router, store, _ := newTestRouter(t)
	agent := sampleAgent()
	require.NoError(t, store.Create(context.Background(), agent))
	base := "/agents/" + itoa(agent.ID) + "/prompts"

	for _, content := range []string{"first", "second"} {
		rec := doJSON(router, http.MethodPost, base, gin.H{"content": content})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := doJSON(router, http.MethodPost, base+"/1/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active, err := store.ActiveSystemPrompt(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", active.Content)

	rec = doJSON(router, http.MethodPost, base+"/9/activate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(router, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Prompts []SystemPrompt `json:"prompts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Prompts, 2)
	assert.Equal(t, 2, list.Prompts[0].Version)
}

func TestParsePositiveLimit(t *testing.T) {
	v, err := parsePositiveLimit("")
	require.NoError(t, err)
	assert.Zero(t, v)
	v, err = parsePositiveLimit("500")
	require.NoError(t, err)
	assert.Equal(t, maxListLimit, v)
	_, err = parsePositiveLimit("-1")
	assert.Error(t, err)
}

func itoa(id uint64) string {
	return strconv.FormatUint(id, 10)
}
