package knowledge

import (
	"time"

	"gorm.io/gorm"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusIndexed    = "indexed"
	StatusError      = "error"
)

// statusRank 按处理进度从低到高排列状态。
var statusRank = map[string]int{
	StatusError:      0,
	StatusPending:    1,
	StatusProcessing: 2,
	StatusIndexed:    3,
}

// KnowledgeBase 是智能体的一组知识文件，状态取其文件中进度最落后的那个。
type KnowledgeBase struct {
	ID          uint64          `gorm:"primaryKey" json:"id"`
	AgentID     uint64          `gorm:"not null;index" json:"agent_id"`
	Name        string          `gorm:"size:200;not null" json:"name"`
	Status      string          `gorm:"size:16;not null;default:'pending'" json:"status"`
	TotalChunks int             `gorm:"not null;default:0" json:"total_chunks"`
	TotalTokens int             `gorm:"not null;default:0" json:"total_tokens"`
	Version     int             `gorm:"not null;default:1" json:"version"`
	Files       []KnowledgeFile `gorm:"foreignKey:KnowledgeBaseID" json:"files"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	DeletedAt   gorm.DeletedAt  `gorm:"index" json:"-"`
}

func (KnowledgeBase) TableName() string {
	return "agent_knowledge_bases"
}

// KnowledgeFile 是知识库中的单个上传文件，逐个独立处理。
type KnowledgeFile struct {
	ID              uint64    `gorm:"primaryKey" json:"id"`
	KnowledgeBaseID uint64    `gorm:"not null;index" json:"knowledge_base_id"`
	Name            string    `gorm:"size:255;not null" json:"name"`
	MimeType        string    `gorm:"size:100;not null" json:"mime_type"`
	Size            int64     `gorm:"not null" json:"size"`
	Status          string    `gorm:"size:16;not null;default:'pending'" json:"status"`
	ChunkCount      int       `gorm:"not null;default:0" json:"chunk_count"`
	TokenCount      int       `gorm:"not null;default:0" json:"token_count"`
	Error           string    `gorm:"type:text" json:"error,omitempty"`
	StorageKey      string    `gorm:"size:255" json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (KnowledgeFile) TableName() string {
	return "agent_knowledge_files"
}

// aggregateStatus 返回文件中进度最低的状态。
func aggregateStatus(files []KnowledgeFile) string {
	if len(files) == 0 {
		return StatusPending
	}
	least := files[0].Status
	for _, f := range files[1:] {
		if statusRank[f.Status] < statusRank[least] {
			least = f.Status
		}
	}
	return least
}
