package agents

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	StatusDraft    = "draft"
	StatusActive   = "active"
	StatusPaused   = "paused"
	StatusArchived = "archived"
)

// FieldMapping 把协作模块返回数据中的路径映射到上下文中的目标路径（均为点号路径）。
type FieldMapping struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Integration 描述智能体对一个协作模块的数据授权。
type Integration struct {
	ModuleID      string         `json:"module_id"`
	Enabled       bool           `json:"enabled"`
	Permissions   []string       `json:"permissions"`
	FieldMappings []FieldMapping `json:"field_mappings,omitempty"`
}

// Agent 是一个可执行的智能体配置。
type Agent struct {
	ID                 uint64                                 `gorm:"primaryKey" json:"id"`
	Name               string                                 `gorm:"size:100;not null" json:"name"`
	Model              string                                 `gorm:"size:100;not null" json:"model"`
	Provider           string                                 `gorm:"size:32;not null" json:"provider"`
	Temperature        float64                                `gorm:"not null;default:0.7" json:"temperature"`
	MaxOutputTokens    int                                    `gorm:"not null;default:1024" json:"max_output_tokens"`
	MaxInputTokens     int                                    `gorm:"not null;default:0" json:"max_input_tokens"`
	StopSequences      datatypes.JSONSlice[string]            `gorm:"type:json" json:"stop_sequences,omitempty"`
	Integrations       datatypes.JSONSlice[Integration]       `gorm:"type:json" json:"integrations,omitempty"`
	KnowledgeTopK      int                                    `gorm:"not null;default:5" json:"knowledge_top_k"`
	KnowledgeThreshold float64                                `gorm:"not null;default:0.7" json:"knowledge_threshold"`
	KnowledgeFilter    datatypes.JSONType[map[string]string] `gorm:"type:json" json:"knowledge_filter"`
	Status             string                                 `gorm:"size:16;not null;default:'draft'" json:"status"`
	Version            int                                    `gorm:"not null;default:1" json:"version"`
	CreatedBy          uint64                                 `gorm:"not null;index" json:"created_by"`
	CreatedAt          time.Time                              `json:"created_at"`
	UpdatedAt          time.Time                              `json:"updated_at"`
	DeletedAt          gorm.DeletedAt                         `gorm:"index" json:"-"`
}

// TableName 指定 Agent 模型对应的数据库表名。
func (Agent) TableName() string {
	return "agents"
}

// Filter 返回知识检索时使用的元数据过滤条件。
func (a *Agent) Filter() map[string]string {
	return a.KnowledgeFilter.Data()
}

// SystemPrompt 是智能体系统提示词的一个版本，只追加不修改，同一智能体仅有一个激活版本。
type SystemPrompt struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	AgentID   uint64    `gorm:"not null;uniqueIndex:idx_agent_prompt_version" json:"agent_id"`
	Version   int       `gorm:"not null;uniqueIndex:idx_agent_prompt_version" json:"version"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	IsActive  bool      `gorm:"not null;default:false;index" json:"is_active"`
	CreatedBy uint64    `gorm:"not null" json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName 指定 SystemPrompt 的存储表。
func (SystemPrompt) TableName() string {
	return "agent_system_prompts"
}

// Label 以 "v<N>" 形式输出版本号。
func (p SystemPrompt) Label() string {
	return fmt.Sprintf("v%d", p.Version)
}
