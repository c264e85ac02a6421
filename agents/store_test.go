package agents

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"ledgerly_back/failure"
)

var dbSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:agents_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := OpenDatabase("sqlite", dsn)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

type recordingCleaner struct {
	agents []uint64
	err    error
}

func (r *recordingCleaner) DeleteAgentKnowledge(_ context.Context, agentID uint64) error {
	r.agents = append(r.agents, agentID)
	return r.err
}

func newTestStore(t *testing.T) (*Store, *recordingCleaner) {
	cleaner := &recordingCleaner{}
	store := NewStore(newTestDB(t), cleaner)
	require.NoError(t, store.AutoMigrate())
	return store, cleaner
}

func sampleAgent() *Agent {
	return &Agent{
		Name:               "Ledger helper",
		Model:              "gpt-4o-mini",
		Temperature:        0.2,
		MaxOutputTokens:    512,
		KnowledgeTopK:      4,
		KnowledgeThreshold: 0.6,
		KnowledgeFilter:    datatypes.NewJSONType(map[string]string{"category": "finance"}),
		StopSequences:      datatypes.JSONSlice[string]{"END"},
		Integrations: datatypes.JSONSlice[Integration]{{
			ModuleID:      "ledger",
			Enabled:       true,
			Permissions:   []string{"read"},
			FieldMappings: []FieldMapping{{Source: "balance.total", Target: "finance.balance"}},
		}},
		Status: StatusActive,
	}
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	agent := sampleAgent()
	require.NoError(t, store.Create(ctx, agent))
	assert.NotZero(t, agent.ID)
	assert.Equal(t, 1, agent.Version)
	assert.Equal(t, "openai", agent.Provider)

	loaded, err := store.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ledger helper", loaded.Name)
	assert.Equal(t, []string{"END"}, []string(loaded.StopSequences))
	require.Len(t, loaded.Integrations, 1)
	assert.Equal(t, "finance.balance", loaded.Integrations[0].FieldMappings[0].Target)
	assert.Equal(t, map[string]string{"category": "finance"}, loaded.Filter())
}

func TestCreateRejectsInvalidAgent(t *testing.T) {
	store, _ := newTestStore(t)
	agent := sampleAgent()
	agent.Model = "unknown-model"

	err := store.Create(context.Background(), agent)
	assert.True(t, failure.Is(err, failure.KindValidation))
}

func TestGetMissingAgent(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get(context.Background(), 42)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestUpdateChecksVersion(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	agent := sampleAgent()
	require.NoError(t, store.Create(ctx, agent))

	first, err := store.Get(ctx, agent.ID)
	require.NoError(t, err)
	second, err := store.Get(ctx, agent.ID)
	require.NoError(t, err)

	first.Temperature = 0.9
	require.NoError(t, store.Update(ctx, first))
	assert.Equal(t, 2, first.Version)

	second.Temperature = 0.1
	assert.ErrorIs(t, store.Update(ctx, second), ErrVersionConflict)

	loaded, err := store.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, loaded.Temperature, 1e-9)
	assert.Equal(t, 2, loaded.Version)
}

func TestUpdateMissingAgent(t *testing.T) {
	store, _ := newTestStore(t)
	agent := sampleAgent()
	agent.ID = 99
	agent.Version = 1
	assert.ErrorIs(t, store.Update(context.Background(), agent), ErrAgentNotFound)
}

func TestDeleteCascadesToKnowledge(t *testing.T) {
	store, cleaner := newTestStore(t)
	ctx := context.Background()
	agent := sampleAgent()
	require.NoError(t, store.Create(ctx, agent))

	require.NoError(t, store.Delete(ctx, agent.ID))
	assert.Equal(t, []uint64{agent.ID}, cleaner.agents)

	_, err := store.Get(ctx, agent.ID)
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.ErrorIs(t, store.Delete(ctx, agent.ID), ErrAgentNotFound)
}

func TestSystemPromptVersioning(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	agent := sampleAgent()
	require.NoError(t, store.Create(ctx, agent))

	active, err := store.ActiveSystemPrompt(ctx, agent.ID)
	require.NoError(t, err)
	assert.Nil(t, active)

	v1, err := store.CreateSystemPrompt(ctx, agent.ID, "You are terse.", 7)
	require.NoError(t, err)
	v2, err := store.CreateSystemPrompt(ctx, agent.ID, "You are {{tone}}.", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, "v2", v2.Label())

	active, err = store.ActiveSystemPrompt(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 2, active.Version)

	require.NoError(t, store.ActivateSystemPrompt(ctx, agent.ID, 1))
	active, err = store.ActiveSystemPrompt(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "You are terse.", active.Content)

	prompts, err := store.ListSystemPrompts(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	activeCount := 0
	for _, p := range prompts {
		if p.IsActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)

	assert.ErrorIs(t, store.ActivateSystemPrompt(ctx, agent.ID, 9), ErrPromptNotFound)
	_, err = store.CreateSystemPrompt(ctx, 12345, "orphan", 7)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Agent)
		subject string
	}{
		{"missing name", func(a *Agent) { a.Name = "  " }, "name"},
		{"provider mismatch", func(a *Agent) { a.Provider = "anthropic" }, "provider"},
		{"temperature", func(a *Agent) { a.Temperature = 2.5 }, "temperature"},
		{"top k", func(a *Agent) { a.KnowledgeTopK = 51 }, "knowledge_top_k"},
		{"threshold", func(a *Agent) { a.KnowledgeThreshold = 1.2 }, "knowledge_threshold"},
		{"status", func(a *Agent) { a.Status = "retired" }, "status"},
		{"duplicate module", func(a *Agent) {
			a.Integrations = append(a.Integrations, Integration{ModuleID: "ledger"})
		}, "integrations"},
		{"empty mapping", func(a *Agent) {
			a.Integrations[0].FieldMappings = []FieldMapping{{Source: "x"}}
		}, "integrations"},
		{"empty target segment", func(a *Agent) {
			a.Integrations[0].FieldMappings = []FieldMapping{{Source: "x", Target: "finance..balance"}}
		}, "integrations"},
		{"trailing target dot", func(a *Agent) {
			a.Integrations[0].FieldMappings = []FieldMapping{{Source: "x", Target: "finance."}}
		}, "integrations"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			agent := sampleAgent()
			tc.mutate(agent)
			fe, ok := failure.As(Validate(agent))
			require.True(t, ok)
			assert.Equal(t, failure.KindValidation, fe.Kind)
			assert.Equal(t, tc.subject, fe.Subject)
		})
	}

	agent := sampleAgent()
	agent.Model = "claude-3-5-sonnet-latest"
	agent.Status = ""
	require.NoError(t, Validate(agent))
	assert.Equal(t, "anthropic", agent.Provider)
	assert.Equal(t, StatusDraft, agent.Status)
}
