package knowledge

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ledgerly_back/storage"
)

// fakeEmbedder hashes words into a bag-of-words vector so that texts sharing
// words are similar.
type fakeEmbedder struct {
	dim    int
	failOn string

	mu    sync.Mutex
	calls [][]string
}

func (f *fakeEmbedder) Model() string { return "fake-embedding" }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if f.failOn != "" && strings.Contains(text, f.failOn) {
			return nil, errors.New("embedding provider rejected input")
		}
		vec := make([]float32, f.dim)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(strings.Trim(word, ".,!?")))
			vec[int(h.Sum32())%f.dim]++
		}
		vec[0] += 0.01
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type wordCounter struct{}

func (wordCounter) CountTokens(text, _ string) int { return len(strings.Fields(text)) }

// recordingStore remembers every file status written through it.
type recordingStore struct {
	Store
	mu          sync.Mutex
	transitions map[string][]string
}

func (r *recordingStore) CreateKnowledgeBase(ctx context.Context, kb *KnowledgeBase) error {
	r.mu.Lock()
	for _, f := range kb.Files {
		r.transitions[f.Name] = append(r.transitions[f.Name], f.Status)
	}
	r.mu.Unlock()
	return r.Store.CreateKnowledgeBase(ctx, kb)
}

func (r *recordingStore) SaveFile(ctx context.Context, file *KnowledgeFile) error {
	r.mu.Lock()
	r.transitions[file.Name] = append(r.transitions[file.Name], file.Status)
	r.mu.Unlock()
	return r.Store.SaveFile(ctx, file)
}

func (r *recordingStore) statuses(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transitions[name]...)
}

var dbSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:knowledge_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return db
}

type testEnv struct {
	svc       *Service
	store     *recordingStore
	embedder  *fakeEmbedder
	vectors   VectorStore
	documents *storage.MemoryStorage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := &recordingStore{Store: NewGormStore(newTestDB(t)), transitions: map[string][]string{}}
	embedder := &fakeEmbedder{dim: 64, failOn: "poison"}
	vectors, err := NewChromemStore("")
	require.NoError(t, err)
	documents := storage.NewMemoryStorage()

	svc, err := NewService(ServiceConfig{
		Store:     store,
		Documents: documents,
		Embedder:  embedder,
		Vectors:   vectors,
		Chunker:   NewChunker(1000, 200),
		Tokens:    wordCounter{},
	})
	require.NoError(t, err)
	return &testEnv{svc: svc, store: store, embedder: embedder, vectors: vectors, documents: documents}
}
