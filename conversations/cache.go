package conversations

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ledgerly_back/zlog"
)

const (
	recentTurnsCacheTTL     = 30 * time.Second
	recentTurnsCacheTimeout = 300 * time.Millisecond
)

// historyCache 缓存会话最近的若干轮对话。
type historyCache struct {
	client *redis.Client
}

func newHistoryCache(client *redis.Client) *historyCache {
	if client == nil {
		return nil
	}
	return &historyCache{client: client}
}

func (h *historyCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= recentTurnsCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, recentTurnsCacheTimeout)
}

func historyKey(conversationID uint64) string {
	return fmt.Sprintf("conversations:recent:%d", conversationID)
}

// get 未命中或未配置缓存时返回 redis.Nil。
func (h *historyCache) get(ctx context.Context, conversationID uint64, limit int) ([]Turn, error) {
	if h == nil {
		return nil, redis.Nil
	}
	ctx, cancel := h.cacheContext(ctx)
	defer cancel()

	data, err := h.client.HGet(ctx, historyKey(conversationID), fmt.Sprint(limit)).Bytes()
	if err != nil {
		return nil, err
	}
	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, err
	}
	return turns, nil
}

func (h *historyCache) store(ctx context.Context, conversationID uint64, limit int, turns []Turn) {
	if h == nil {
		return
	}
	payload, err := json.Marshal(turns)
	if err != nil {
		zlog.Warn("conversations: marshal history cache payload failed", zap.Error(err))
		return
	}

	ctx, cancel := h.cacheContext(ctx)
	defer cancel()

	key := historyKey(conversationID)
	pipe := h.client.TxPipeline()
	pipe.HSet(ctx, key, fmt.Sprint(limit), payload)
	pipe.Expire(ctx, key, recentTurnsCacheTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		zlog.Warn("conversations: store history cache failed", zap.Uint64("conversation_id", conversationID), zap.Error(err))
	}
}

func (h *historyCache) invalidate(ctx context.Context, conversationID uint64) {
	if h == nil {
		return
	}
	ctx, cancel := h.cacheContext(ctx)
	defer cancel()

	if err := h.client.Del(ctx, historyKey(conversationID)).Err(); err != nil {
		zlog.Warn("conversations: invalidate history cache failed", zap.Uint64("conversation_id", conversationID), zap.Error(err))
	}
}
