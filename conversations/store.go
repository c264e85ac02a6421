package conversations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ledgerly_back/zlog"
)

var ErrConversationNotFound = errors.New("conversations: conversation not found")

const defaultHistoryLimit = 10

type Store struct {
	db    *gorm.DB
	cache *historyCache
	now   func() time.Time
}

// NewStore 创建会话存储，client 为 nil 时不缓存历史。
func NewStore(db *gorm.DB, client *redis.Client) *Store {
	return &Store{db: db, cache: newHistoryCache(client), now: time.Now}
}

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Conversation{}, &Turn{})
}

func (s *Store) CreateConversation(ctx context.Context, agentID, userID uint64, title string) (*Conversation, error) {
	conv := &Conversation{AgentID: agentID, UserID: userID, Title: title, LastActivityAt: s.now().UTC()}
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, fmt.Errorf("conversations: create conversation: %w", err)
	}
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id uint64) (*Conversation, error) {
	var conv Conversation
	err := s.db.WithContext(ctx).First(&conv, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversations: load conversation: %w", err)
	}
	return &conv, nil
}

// AppendTurn 写入一轮对话并把用量累加到会话汇总。
func (s *Store) AppendTurn(ctx context.Context, turn *Turn) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(turn).Error; err != nil {
			return err
		}
		res := tx.Model(&Conversation{}).Where("id = ?", turn.ConversationID).Updates(map[string]any{
			"turn_count":       gorm.Expr("COALESCE(turn_count, 0) + 1"),
			"token_input_sum":  gorm.Expr("COALESCE(token_input_sum, 0) + ?", turn.PromptTokens),
			"token_output_sum": gorm.Expr("COALESCE(token_output_sum, 0) + ?", turn.CompletionTokens),
			"cost_sum":         gorm.Expr("COALESCE(cost_sum, 0) + ?", turn.Cost),
			"last_activity_at": s.now().UTC(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConversationNotFound
		}
		return nil
	})
	if errors.Is(err, ErrConversationNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("conversations: append turn: %w", err)
	}
	s.cache.invalidate(ctx, turn.ConversationID)
	return nil
}

// RecentTurns 返回最近 limit 轮对话，按时间正序。
func (s *Store) RecentTurns(ctx context.Context, conversationID uint64, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if cached, err := s.cache.get(ctx, conversationID, limit); err == nil {
		return cached, nil
	} else if !errors.Is(err, redis.Nil) {
		zlog.Debug("conversations: history cache read failed", zap.Error(err))
	}

	var turns []Turn
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id DESC").
		Limit(limit).
		Find(&turns).Error
	if err != nil {
		return nil, fmt.Errorf("conversations: load recent turns: %w", err)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	s.cache.store(ctx, conversationID, limit, turns)
	return turns, nil
}
