package agents

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"ledgerly_back/zlog"
)

var (
	ErrAgentNotFound   = errors.New("agents: agent not found")
	ErrVersionConflict = errors.New("agents: agent was modified concurrently")
	ErrPromptNotFound  = errors.New("agents: system prompt version not found")
)

// KnowledgeCleaner 清除智能体在知识层拥有的全部数据。
type KnowledgeCleaner interface {
	DeleteAgentKnowledge(ctx context.Context, agentID uint64) error
}

type Store struct {
	db        *gorm.DB
	knowledge KnowledgeCleaner
}

func NewStore(db *gorm.DB, knowledge KnowledgeCleaner) *Store {
	return &Store{db: db, knowledge: knowledge}
}

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Agent{}, &SystemPrompt{})
}

func (s *Store) Create(ctx context.Context, agent *Agent) error {
	if err := Validate(agent); err != nil {
		return err
	}
	agent.ID = 0
	agent.Version = 1
	if err := s.db.WithContext(ctx).Create(agent).Error; err != nil {
		return fmt.Errorf("agents: create agent: %w", err)
	}
	return nil
}

// Get 加载未被软删除的智能体。
func (s *Store) Get(ctx context.Context, id uint64) (*Agent, error) {
	var agent Agent
	err := s.db.WithContext(ctx).First(&agent, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("agents: load agent: %w", err)
	}
	return &agent, nil
}

// List 按创建先后倒序返回智能体，status 为空时不按状态过滤。
func (s *Store) List(ctx context.Context, status string, limit int) ([]Agent, error) {
	query := s.db.WithContext(ctx).Model(&Agent{}).Order("id DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var agents []Agent
	if err := query.Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agents: list agents: %w", err)
	}
	return agents, nil
}

// Exists 判断指定 id 的智能体是否存在且未删除。
func (s *Store) Exists(ctx context.Context, id uint64) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Agent{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("agents: check agent: %w", err)
	}
	return count > 0, nil
}

// Update 仅在 Version 与库中一致时写入并递增版本号，否则返回 ErrVersionConflict。
func (s *Store) Update(ctx context.Context, agent *Agent) error {
	if err := Validate(agent); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&Agent{}).
		Where("id = ? AND version = ?", agent.ID, agent.Version).
		Updates(map[string]any{
			"name":                agent.Name,
			"model":               agent.Model,
			"provider":            agent.Provider,
			"temperature":         agent.Temperature,
			"max_output_tokens":   agent.MaxOutputTokens,
			"max_input_tokens":    agent.MaxInputTokens,
			"stop_sequences":      agent.StopSequences,
			"integrations":        agent.Integrations,
			"knowledge_top_k":     agent.KnowledgeTopK,
			"knowledge_threshold": agent.KnowledgeThreshold,
			"knowledge_filter":    agent.KnowledgeFilter,
			"status":              agent.Status,
			"version":             gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("agents: update agent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if ok, err := s.Exists(ctx, agent.ID); err == nil && !ok {
			return ErrAgentNotFound
		}
		return ErrVersionConflict
	}
	agent.Version++
	return nil
}

// Delete 软删除智能体，再清理它的知识库与向量。
func (s *Store) Delete(ctx context.Context, id uint64) error {
	res := s.db.WithContext(ctx).Delete(&Agent{}, id)
	if res.Error != nil {
		return fmt.Errorf("agents: delete agent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAgentNotFound
	}
	if s.knowledge != nil {
		if err := s.knowledge.DeleteAgentKnowledge(ctx, id); err != nil {
			zlog.Error("agents: knowledge cleanup failed", zap.Uint64("agent_id", id), zap.Error(err))
			return fmt.Errorf("agents: delete agent knowledge: %w", err)
		}
	}
	return nil
}

// CreateSystemPrompt 追加第 N+1 个版本，并使其成为唯一激活的版本。
func (s *Store) CreateSystemPrompt(ctx context.Context, agentID uint64, content string, createdBy uint64) (*SystemPrompt, error) {
	prompt := &SystemPrompt{AgentID: agentID, Content: content, IsActive: true, CreatedBy: createdBy}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Agent{}).Where("id = ?", agentID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrAgentNotFound
		}

		var latest struct{ Max int }
		if err := tx.Model(&SystemPrompt{}).Select("COALESCE(MAX(version), 0) AS max").
			Where("agent_id = ?", agentID).Scan(&latest).Error; err != nil {
			return err
		}
		if err := tx.Model(&SystemPrompt{}).
			Where("agent_id = ? AND is_active = ?", agentID, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		prompt.Version = latest.Max + 1
		return tx.Create(prompt).Error
	})
	if errors.Is(err, ErrAgentNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("agents: create system prompt: %w", err)
	}
	return prompt, nil
}

// ActivateSystemPrompt 切换激活版本，可用于回滚。
func (s *Store) ActivateSystemPrompt(ctx context.Context, agentID uint64, version int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target SystemPrompt
		err := tx.Where("agent_id = ? AND version = ?", agentID, version).First(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPromptNotFound
		}
		if err != nil {
			return err
		}
		if err := tx.Model(&SystemPrompt{}).Where("agent_id = ? AND is_active = ?", agentID, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Model(&target).Update("is_active", true).Error
	})
}

// ActiveSystemPrompt 返回激活版本，没有时返回 nil。
func (s *Store) ActiveSystemPrompt(ctx context.Context, agentID uint64) (*SystemPrompt, error) {
	var prompt SystemPrompt
	err := s.db.WithContext(ctx).Where("agent_id = ? AND is_active = ?", agentID, true).First(&prompt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("agents: load active prompt: %w", err)
	}
	return &prompt, nil
}

func (s *Store) ListSystemPrompts(ctx context.Context, agentID uint64) ([]SystemPrompt, error) {
	var prompts []SystemPrompt
	if err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Order("version DESC").Find(&prompts).Error; err != nil {
		return nil, fmt.Errorf("agents: list system prompts: %w", err)
	}
	return prompts, nil
}
