package conversations

import (
	"time"

	"gorm.io/datatypes"
)

// Conversation 属于一个智能体与一个终端用户，累计每轮的用量。
type Conversation struct {
	ID             uint64    `gorm:"primaryKey" json:"id"`
	AgentID        uint64    `gorm:"not null;index:idx_conversation_agent_user" json:"agent_id"`
	UserID         uint64    `gorm:"not null;index:idx_conversation_agent_user" json:"user_id"`
	Title          string    `gorm:"size:200" json:"title"`
	TurnCount      int       `gorm:"not null;default:0" json:"turn_count"`
	TokenInputSum  int64     `gorm:"not null;default:0" json:"token_input_sum"`
	TokenOutputSum int64     `gorm:"not null;default:0" json:"token_output_sum"`
	CostSum        float64   `gorm:"not null;default:0" json:"cost_sum"`
	LastActivityAt time.Time `gorm:"index" json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "agent_conversations"
}

// Turn 是一轮不可变的对话记录，只追加。
type Turn struct {
	ID               uint64         `gorm:"primaryKey" json:"id"`
	ConversationID   uint64         `gorm:"not null;index" json:"conversation_id"`
	UserMessage      string         `gorm:"type:text;not null" json:"user_message"`
	AssistantMessage string         `gorm:"type:text;not null" json:"assistant_message"`
	Context          datatypes.JSON `gorm:"type:json" json:"context,omitempty"`
	Sources          datatypes.JSON `gorm:"type:json" json:"sources,omitempty"`
	Actions          datatypes.JSON `gorm:"type:json" json:"actions,omitempty"`
	PromptTokens     int            `gorm:"not null;default:0" json:"prompt_tokens"`
	CompletionTokens int            `gorm:"not null;default:0" json:"completion_tokens"`
	Cost             float64        `gorm:"not null;default:0" json:"cost"`
	ExecutionMs      int64          `gorm:"not null;default:0" json:"execution_ms"`
	CreatedAt        time.Time      `json:"created_at"`
}

func (Turn) TableName() string {
	return "agent_conversation_turns"
}
