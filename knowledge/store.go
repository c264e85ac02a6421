package knowledge

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var ErrKnowledgeBaseNotFound = errors.New("knowledge: knowledge base not found")

// Store 持久化知识库及其每个文件的处理进度。
type Store interface {
	CreateKnowledgeBase(ctx context.Context, kb *KnowledgeBase) error
	GetKnowledgeBase(ctx context.Context, id uint64) (*KnowledgeBase, error)
	ListKnowledgeBases(ctx context.Context, agentID uint64) ([]KnowledgeBase, error)
	// ListUnfinished 返回仍处于 pending 或 processing 的知识库，按 id 升序。
	ListUnfinished(ctx context.Context) ([]KnowledgeBase, error)
	SaveFile(ctx context.Context, file *KnowledgeFile) error
	// SaveSummary 写入状态与汇总并递增版本号。
	SaveSummary(ctx context.Context, kb *KnowledgeBase) error
	DeleteKnowledgeBase(ctx context.Context, id uint64) error
	// DeleteAgentKnowledge 软删除智能体的全部知识库并返回被删除的记录。
	DeleteAgentKnowledge(ctx context.Context, agentID uint64) ([]KnowledgeBase, error)
}

type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// AutoMigrate 创建知识库相关表。
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&KnowledgeBase{}, &KnowledgeFile{})
}

func (s *gormStore) CreateKnowledgeBase(ctx context.Context, kb *KnowledgeBase) error {
	if err := s.db.WithContext(ctx).Create(kb).Error; err != nil {
		return fmt.Errorf("knowledge: create knowledge base: %w", err)
	}
	return nil
}

func (s *gormStore) GetKnowledgeBase(ctx context.Context, id uint64) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	err := s.db.WithContext(ctx).
		Preload("Files", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&kb, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrKnowledgeBaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: load knowledge base: %w", err)
	}
	return &kb, nil
}

func (s *gormStore) ListKnowledgeBases(ctx context.Context, agentID uint64) ([]KnowledgeBase, error) {
	var kbs []KnowledgeBase
	err := s.db.WithContext(ctx).
		Preload("Files", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("agent_id = ?", agentID).
		Order("id DESC").
		Find(&kbs).Error
	if err != nil {
		return nil, fmt.Errorf("knowledge: list knowledge bases: %w", err)
	}
	return kbs, nil
}

func (s *gormStore) ListUnfinished(ctx context.Context) ([]KnowledgeBase, error) {
	var kbs []KnowledgeBase
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{StatusPending, StatusProcessing}).
		Order("id ASC").
		Find(&kbs).Error
	if err != nil {
		return nil, fmt.Errorf("knowledge: list unfinished knowledge bases: %w", err)
	}
	return kbs, nil
}

func (s *gormStore) SaveFile(ctx context.Context, file *KnowledgeFile) error {
	err := s.db.WithContext(ctx).Model(&KnowledgeFile{}).Where("id = ?", file.ID).Updates(map[string]any{
		"status":      file.Status,
		"chunk_count": file.ChunkCount,
		"token_count": file.TokenCount,
		"error":       file.Error,
	}).Error
	if err != nil {
		return fmt.Errorf("knowledge: save file %d: %w", file.ID, err)
	}
	return nil
}

func (s *gormStore) SaveSummary(ctx context.Context, kb *KnowledgeBase) error {
	err := s.db.WithContext(ctx).Model(&KnowledgeBase{}).Where("id = ?", kb.ID).Updates(map[string]any{
		"status":       kb.Status,
		"total_chunks": kb.TotalChunks,
		"total_tokens": kb.TotalTokens,
		"version":      gorm.Expr("version + 1"),
	}).Error
	if err != nil {
		return fmt.Errorf("knowledge: save knowledge base %d: %w", kb.ID, err)
	}
	kb.Version++
	return nil
}

func (s *gormStore) DeleteKnowledgeBase(ctx context.Context, id uint64) error {
	res := s.db.WithContext(ctx).Delete(&KnowledgeBase{}, id)
	if res.Error != nil {
		return fmt.Errorf("knowledge: delete knowledge base: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrKnowledgeBaseNotFound
	}
	return nil
}

func (s *gormStore) DeleteAgentKnowledge(ctx context.Context, agentID uint64) ([]KnowledgeBase, error) {
	var deleted []KnowledgeBase
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Files").Where("agent_id = ?", agentID).Find(&deleted).Error; err != nil {
			return err
		}
		if len(deleted) == 0 {
			return nil
		}
		return tx.Where("agent_id = ?", agentID).Delete(&KnowledgeBase{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: delete agent knowledge: %w", err)
	}
	return deleted, nil
}
