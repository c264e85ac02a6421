package knowledge

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const (
	payloadOwner   = "owner_id"
	payloadText    = "text"
	payloadSource  = "source"
	payloadOrdinal = "ordinal"
	payloadTotal   = "total"
	payloadAgent   = "agent_id"
	payloadFile    = "file_id"
	payloadMime    = "mime_type"
)

// Point 是写入向量库的一条记录。
type Point struct {
	ID      string
	Vector  []float32
	OwnerID string
	Text    string
	Payload map[string]string
}

// SearchResult 是一次相似度检索的命中。
type SearchResult struct {
	ID      string
	Score   float64
	OwnerID string
	Text    string
	Source  string
	Payload map[string]string
}

// VectorStore 按集合存取向量点，每个点都带有可用于删除的所属者。
type VectorStore interface {
	// EnsureCollection 不存在时创建，可在每次写入前调用。
	EnsureCollection(ctx context.Context, collection string, dim int) error
	Upsert(ctx context.Context, collection string, points []Point) error
	// Search 返回最多 topK 个分数不低于 threshold 的结果，按分数降序；集合不存在时返回空。
	Search(ctx context.Context, collection string, vector []float32, topK int, threshold float64, filter map[string]string) ([]SearchResult, error)
	DeleteOwner(ctx context.Context, collection, ownerID string) error
	DropCollection(ctx context.Context, collection string) error
}

// NewVectorStoreFromEnv 根据 VECTOR_BACKEND 选择后端，默认 qdrant。
func NewVectorStoreFromEnv() (VectorStore, error) {
	switch backend := strings.ToLower(strings.TrimSpace(os.Getenv("VECTOR_BACKEND"))); backend {
	case "", "qdrant":
		return newQdrantStoreFromEnv()
	case "chromem":
		return NewChromemStore(strings.TrimSpace(os.Getenv("CHROMEM_PATH")))
	default:
		return nil, fmt.Errorf("knowledge: unknown vector backend %q", backend)
	}
}

// PointID 为所属者在 stamp 时刻写入的第 ordinal 个片段生成稳定的 UUID。
func PointID(ownerID string, ordinal int, stamp int64) string {
	name := fmt.Sprintf("%s:%d:%d", ownerID, ordinal, stamp)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func collectionName(agentID uint64) string {
	return fmt.Sprintf("agent_%d_knowledge", agentID)
}

func cutResults(results []SearchResult, topK int, threshold float64) []SearchResult {
	kept := results[:0]
	for _, r := range results {
		if r.Score >= threshold {
			kept = append(kept, r)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	if topK > 0 && len(kept) > topK {
		kept = kept[:topK]
	}
	return kept
}
