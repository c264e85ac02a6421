package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ledgerly_back/extract"
	"ledgerly_back/failure"
	"ledgerly_back/metrics"
	"ledgerly_back/storage"
	"ledgerly_back/zlog"
)

// FileUpload 是一次上传中的单个文件。
type FileUpload struct {
	Name     string
	MimeType string
	Data     []byte
}

// TokenCounter 统计文本在指定模型下的 token 数。
type TokenCounter interface {
	CountTokens(text, model string) int
}

// Passage 是一次检索返回的知识片段。
type Passage struct {
	KnowledgeBaseID uint64  `json:"knowledge_base_id"`
	Source          string  `json:"source"`
	Ordinal         int     `json:"ordinal"`
	Text            string  `json:"text"`
	Score           float64 `json:"score"`
}

// Query 描述对单个智能体知识的相似度检索。
type Query struct {
	AgentID   uint64
	Text      string
	TopK      int
	Threshold float64
	Filter    map[string]string
}

type ServiceConfig struct {
	Store     Store
	Documents storage.DocumentStorage
	Embedder  Embedder
	Vectors   VectorStore
	Chunker   Chunker
	Tokens    TokenCounter
	Metrics   *metrics.Recorder
}

type Service struct {
	store     Store
	documents storage.DocumentStorage
	embedder  Embedder
	vectors   VectorStore
	chunker   Chunker
	tokens    TokenCounter
	metrics   *metrics.Recorder
	queue     *Worker
	now       func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil || cfg.Documents == nil || cfg.Embedder == nil || cfg.Vectors == nil {
		return nil, errors.New("knowledge: store, documents, embedder and vectors are required")
	}
	chunker := cfg.Chunker
	if chunker.Size <= 0 {
		chunker = NewChunker(defaultChunkSize, defaultChunkOverlap)
	}
	return &Service{
		store:     cfg.Store,
		documents: cfg.Documents,
		embedder:  cfg.Embedder,
		vectors:   cfg.Vectors,
		chunker:   chunker,
		tokens:    cfg.Tokens,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}, nil
}

// ChunkerFromEnv 读取 KNOWLEDGE_CHUNK_SIZE 与 KNOWLEDGE_CHUNK_OVERLAP。
func ChunkerFromEnv() Chunker {
	return NewChunker(envInt("KNOWLEDGE_CHUNK_SIZE", defaultChunkSize), envInt("KNOWLEDGE_CHUNK_OVERLAP", defaultChunkOverlap))
}

// UseWorker 让入库经由 w 异步处理；未设置时 Ingest 同步处理完再返回。
func (s *Service) UseWorker(w *Worker) {
	s.queue = w
}

// Ingest 校验全部文件、保存原始内容、记录 pending 状态的知识库并交给 worker。
func (s *Service) Ingest(ctx context.Context, agentID uint64, files []FileUpload) (*KnowledgeBase, error) {
	if agentID == 0 {
		return nil, failure.Validation("agent_id", "agent id is required")
	}
	if len(files) == 0 {
		return nil, failure.Validation("files", "at least one file is required")
	}
	for _, f := range files {
		if strings.TrimSpace(f.Name) == "" {
			return nil, failure.Validation("files", "file name is required")
		}
		if !extract.Supports(f.MimeType) {
			return nil, failure.Validation("mime_type", "unsupported file type %q for %s", f.MimeType, f.Name)
		}
		if len(f.Data) == 0 {
			return nil, failure.Validation("files", "%s is empty", f.Name)
		}
		if int64(len(f.Data)) > storage.MaxDocumentBytes {
			return nil, failure.Validation("files", "%s exceeds %d bytes", f.Name, storage.MaxDocumentBytes)
		}
	}

	kb := &KnowledgeBase{
		AgentID: agentID,
		Name:    knowledgeBaseName(files),
		Status:  StatusPending,
		Version: 1,
	}
	agentSegment := fmt.Sprintf("agent-%d", agentID)
	for _, f := range files {
		key := storage.ObjectKey(f.Name, agentSegment)
		if err := s.documents.Put(ctx, key, f.Data, f.MimeType); err != nil {
			s.discardObjects(ctx, kb.Files)
			return nil, fmt.Errorf("knowledge: store upload: %w", err)
		}
		kb.Files = append(kb.Files, KnowledgeFile{
			Name:       strings.TrimSpace(f.Name),
			MimeType:   f.MimeType,
			Size:       int64(len(f.Data)),
			Status:     StatusPending,
			StorageKey: key,
		})
	}
	if err := s.store.CreateKnowledgeBase(ctx, kb); err != nil {
		s.discardObjects(ctx, kb.Files)
		return nil, err
	}

	task := Task{AgentID: agentID, KnowledgeBaseID: kb.ID}
	if s.queue == nil {
		if err := s.ProcessKnowledgeBase(ctx, task); err != nil {
			return nil, err
		}
		return s.store.GetKnowledgeBase(ctx, kb.ID)
	}
	if err := s.queue.Enqueue(task); err != nil {
		zlog.Error("knowledge: enqueue ingestion failed", zap.Uint64("knowledge_base_id", kb.ID), zap.Error(err))
		s.failAll(ctx, kb, err)
		return nil, err
	}
	return kb, nil
}

// ResumeUnfinished 把上次退出时未处理完的知识库重新交给 worker，返回入队数量。
// 处理过程会跳过已 indexed 的文件。
func (s *Service) ResumeUnfinished(ctx context.Context) (int, error) {
	if s.queue == nil {
		return 0, errors.New("knowledge: resume needs an ingestion worker")
	}
	kbs, err := s.store.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, kb := range kbs {
		if err := s.queue.Enqueue(Task{AgentID: kb.AgentID, KnowledgeBaseID: kb.ID}); err != nil {
			zlog.Warn("knowledge: resume ingestion failed",
				zap.Uint64("knowledge_base_id", kb.ID),
				zap.Int("resumed", resumed),
				zap.Error(err),
			)
			return resumed, err
		}
		resumed++
	}
	if resumed > 0 {
		zlog.Info("knowledge: resumed unfinished ingestion", zap.Int("count", resumed))
	}
	return resumed, nil
}

func knowledgeBaseName(files []FileUpload) string {
	name := strings.TrimSpace(files[0].Name)
	if len(files) > 1 {
		name = fmt.Sprintf("%s (+%d)", name, len(files)-1)
	}
	return name
}

// ProcessKnowledgeBase 依次索引知识库中的文件，失败的文件标记为 error，其余文件继续处理。
func (s *Service) ProcessKnowledgeBase(ctx context.Context, task Task) error {
	kb, err := s.store.GetKnowledgeBase(ctx, task.KnowledgeBaseID)
	if err != nil {
		return err
	}

	for i := range kb.Files {
		file := &kb.Files[i]
		if file.Status == StatusIndexed {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.processFile(ctx, kb, file)
	}

	kb.TotalChunks, kb.TotalTokens = 0, 0
	for _, f := range kb.Files {
		if f.Status == StatusIndexed {
			kb.TotalChunks += f.ChunkCount
			kb.TotalTokens += f.TokenCount
		}
	}
	kb.Status = aggregateStatus(kb.Files)
	if err := s.store.SaveSummary(ctx, kb); err != nil {
		return err
	}
	zlog.Info("knowledge: knowledge base processed",
		zap.Uint64("knowledge_base_id", kb.ID),
		zap.Uint64("agent_id", kb.AgentID),
		zap.String("status", kb.Status),
		zap.Int("total_chunks", kb.TotalChunks),
	)
	return nil
}

func (s *Service) processFile(ctx context.Context, kb *KnowledgeBase, file *KnowledgeFile) {
	file.Status = StatusProcessing
	file.Error = ""
	if err := s.store.SaveFile(ctx, file); err != nil {
		zlog.Warn("knowledge: mark file processing failed", zap.Uint64("file_id", file.ID), zap.Error(err))
	}

	chunks, tokens, err := s.indexFile(ctx, kb, file)
	if err != nil {
		file.Status = StatusError
		file.Error = err.Error()
		file.ChunkCount, file.TokenCount = 0, 0
		zlog.Warn("knowledge: file ingestion failed",
			zap.Uint64("knowledge_base_id", kb.ID),
			zap.String("file", file.Name),
			zap.Error(err),
		)
	} else {
		file.Status = StatusIndexed
		file.ChunkCount, file.TokenCount = chunks, tokens
	}
	if err := s.store.SaveFile(ctx, file); err != nil {
		zlog.Error("knowledge: save file status failed", zap.Uint64("file_id", file.ID), zap.Error(err))
	}
	s.metrics.ObserveIngestFile(file.Status, file.ChunkCount)
}

func (s *Service) indexFile(ctx context.Context, kb *KnowledgeBase, file *KnowledgeFile) (int, int, error) {
	data, err := s.documents.Get(ctx, file.StorageKey)
	if err != nil {
		return 0, 0, err
	}
	text, err := extract.Extract(ctx, data, file.MimeType)
	if err != nil {
		return 0, 0, err
	}
	chunks := s.chunker.Split(text)
	if len(chunks) == 0 {
		return 0, 0, fmt.Errorf("knowledge: %s contains no extractable text", file.Name)
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, 0, err
	}
	if len(vectors) != len(chunks) {
		return 0, 0, failure.Embedding(s.embedder.Model(), len(texts),
			fmt.Errorf("expected %d vectors, got %d", len(chunks), len(vectors)))
	}

	collection := collectionName(kb.AgentID)
	if err := s.vectors.EnsureCollection(ctx, collection, len(vectors[0])); err != nil {
		return 0, 0, err
	}

	owner := strconv.FormatUint(kb.ID, 10)
	stamp := s.now().UnixNano()
	total := strconv.Itoa(len(chunks))
	points := make([]Point, len(chunks))
	tokens := 0
	for i, ch := range chunks {
		points[i] = Point{
			ID:      PointID(owner, ch.Ordinal, stamp),
			Vector:  vectors[i],
			OwnerID: owner,
			Text:    ch.Text,
			Payload: map[string]string{
				payloadSource:  file.Name,
				payloadOrdinal: strconv.Itoa(ch.Ordinal),
				payloadTotal:   total,
				payloadAgent:   strconv.FormatUint(kb.AgentID, 10),
				payloadFile:    strconv.FormatUint(file.ID, 10),
				payloadMime:    file.MimeType,
			},
		}
		if s.tokens != nil {
			tokens += s.tokens.CountTokens(ch.Fresh(), s.embedder.Model())
		}
	}
	if err := s.vectors.Upsert(ctx, collection, points); err != nil {
		return 0, 0, err
	}
	return len(chunks), tokens, nil
}

// failAll 在知识库未能交给 worker 时把全部文件标记为 error。
func (s *Service) failAll(ctx context.Context, kb *KnowledgeBase, cause error) {
	for i := range kb.Files {
		kb.Files[i].Status = StatusError
		kb.Files[i].Error = cause.Error()
		if err := s.store.SaveFile(ctx, &kb.Files[i]); err != nil {
			zlog.Warn("knowledge: mark file failed", zap.Uint64("file_id", kb.Files[i].ID), zap.Error(err))
		}
	}
	kb.Status = StatusError
	if err := s.store.SaveSummary(ctx, kb); err != nil {
		zlog.Warn("knowledge: mark knowledge base failed", zap.Uint64("knowledge_base_id", kb.ID), zap.Error(err))
	}
}

// Retrieve 向量化查询并检索智能体的集合。
func (s *Service) Retrieve(ctx context.Context, q Query) ([]Passage, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" || q.TopK <= 0 {
		return nil, nil
	}
	vector, err := EmbedOne(ctx, s.embedder, text)
	if err != nil {
		return nil, err
	}
	results, err := s.vectors.Search(ctx, collectionName(q.AgentID), vector, q.TopK, q.Threshold, q.Filter)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search: %w", err)
	}

	passages := make([]Passage, 0, len(results))
	for _, r := range results {
		kbID, _ := strconv.ParseUint(r.OwnerID, 10, 64)
		ordinal, _ := strconv.Atoi(r.Payload[payloadOrdinal])
		passages = append(passages, Passage{
			KnowledgeBaseID: kbID,
			Source:          r.Source,
			Ordinal:         ordinal,
			Text:            r.Text,
			Score:           r.Score,
		})
	}
	return passages, nil
}

func (s *Service) GetKnowledgeBase(ctx context.Context, agentID, id uint64) (*KnowledgeBase, error) {
	kb, err := s.store.GetKnowledgeBase(ctx, id)
	if err != nil {
		return nil, err
	}
	if kb.AgentID != agentID {
		return nil, ErrKnowledgeBaseNotFound
	}
	return kb, nil
}

func (s *Service) ListKnowledgeBases(ctx context.Context, agentID uint64) ([]KnowledgeBase, error) {
	return s.store.ListKnowledgeBases(ctx, agentID)
}

// DeleteKnowledgeBase 先删除知识库的向量点，再软删除知识库。
func (s *Service) DeleteKnowledgeBase(ctx context.Context, agentID, id uint64) error {
	kb, err := s.GetKnowledgeBase(ctx, agentID, id)
	if err != nil {
		return err
	}
	owner := strconv.FormatUint(kb.ID, 10)
	if err := s.vectors.DeleteOwner(ctx, collectionName(agentID), owner); err != nil {
		return fmt.Errorf("knowledge: delete vectors: %w", err)
	}
	if err := s.store.DeleteKnowledgeBase(ctx, kb.ID); err != nil {
		return err
	}
	s.discardObjects(ctx, kb.Files)
	return nil
}

// DeleteAgentKnowledge 删除智能体的集合并软删除它的全部知识库。
func (s *Service) DeleteAgentKnowledge(ctx context.Context, agentID uint64) error {
	if err := s.vectors.DropCollection(ctx, collectionName(agentID)); err != nil {
		return fmt.Errorf("knowledge: drop collection: %w", err)
	}
	deleted, err := s.store.DeleteAgentKnowledge(ctx, agentID)
	if err != nil {
		return err
	}
	for _, kb := range deleted {
		s.discardObjects(ctx, kb.Files)
	}
	return nil
}

func (s *Service) discardObjects(ctx context.Context, files []KnowledgeFile) {
	for _, f := range files {
		if f.StorageKey == "" {
			continue
		}
		if err := s.documents.Delete(ctx, f.StorageKey); err != nil {
			zlog.Warn("knowledge: remove stored document failed", zap.String("key", f.StorageKey), zap.Error(err))
		}
	}
}

// NewServiceFromEnv 根据环境变量组装知识库服务。
func NewServiceFromEnv(ctx context.Context, store Store, documents storage.DocumentStorage, tokens TokenCounter, recorder *metrics.Recorder) (*Service, error) {
	embedder, err := NewEmbedderFromEnv(ctx)
	if err != nil {
		return nil, err
	}
	vectors, err := NewVectorStoreFromEnv()
	if err != nil {
		return nil, err
	}
	zlog.Info("knowledge: service configured", zap.String("embedding_model", embedder.Model()))
	return NewService(ServiceConfig{
		Store:     store,
		Documents: documents,
		Embedder:  embedder,
		Vectors:   vectors,
		Chunker:   ChunkerFromEnv(),
		Tokens:    tokens,
		Metrics:   recorder,
	})
}
