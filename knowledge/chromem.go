package knowledge

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/philippgille/chromem-go"
)

// chromemStore 在进程内保存向量，指定路径时每次写入后由 chromem 持久化到磁盘。
type chromemStore struct {
	db *chromem.DB
}

func NewChromemStore(path string) (VectorStore, error) {
	if path == "" {
		return &chromemStore{db: chromem.NewDB()}, nil
	}
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open chromem db: %w", err)
	}
	return &chromemStore{db: db}, nil
}

// 向量均由外部 Embedder 生成，集合上不应再触发嵌入。
func precomputedOnly(context.Context, string) ([]float32, error) {
	return nil, errors.New("knowledge: chromem collections only accept precomputed embeddings")
}

func (s *chromemStore) EnsureCollection(_ context.Context, collection string, _ int) error {
	if _, err := s.db.GetOrCreateCollection(collection, nil, precomputedOnly); err != nil {
		return fmt.Errorf("knowledge: ensure chromem collection: %w", err)
	}
	return nil
}

func (s *chromemStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	col := s.db.GetCollection(collection, precomputedOnly)
	if col == nil {
		return fmt.Errorf("knowledge: chromem collection %q does not exist", collection)
	}

	docs := make([]chromem.Document, 0, len(points))
	for _, p := range points {
		metadata := make(map[string]string, len(p.Payload)+1)
		for k, v := range p.Payload {
			metadata[k] = v
		}
		metadata[payloadOwner] = p.OwnerID
		docs = append(docs, chromem.Document{
			ID:        p.ID,
			Content:   p.Text,
			Metadata:  metadata,
			Embedding: p.Vector,
		})
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("knowledge: chromem upsert: %w", err)
	}
	return nil
}

func (s *chromemStore) Search(ctx context.Context, collection string, vector []float32, topK int, threshold float64, filter map[string]string) ([]SearchResult, error) {
	col := s.db.GetCollection(collection, precomputedOnly)
	if col == nil || len(vector) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = 5
	}
	// chromem 不接受超过集合大小的结果数
	n := topK
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	var where map[string]string
	if len(filter) > 0 {
		where = filter
	}
	found, err := col.QueryEmbedding(ctx, vector, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("knowledge: chromem search: %w", err)
	}

	results := make([]SearchResult, 0, len(found))
	for _, r := range found {
		results = append(results, SearchResult{
			ID:      r.ID,
			Score:   float64(r.Similarity),
			OwnerID: r.Metadata[payloadOwner],
			Text:    r.Content,
			Source:  r.Metadata[payloadSource],
			Payload: r.Metadata,
		})
	}
	return cutResults(results, topK, threshold), nil
}

func (s *chromemStore) DeleteOwner(ctx context.Context, collection, ownerID string) error {
	col := s.db.GetCollection(collection, precomputedOnly)
	if col == nil {
		return nil
	}
	if err := col.Delete(ctx, map[string]string{payloadOwner: ownerID}, nil); err != nil {
		return fmt.Errorf("knowledge: chromem delete owner: %w", err)
	}
	return nil
}

func (s *chromemStore) DropCollection(_ context.Context, collection string) error {
	if s.db.GetCollection(collection, precomputedOnly) == nil {
		return nil
	}
	if err := s.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("knowledge: drop chromem collection: %w", err)
	}
	return nil
}
