package usage

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"ledgerly_back/zlog"
)

const (
	perMessageOverhead = 4
	replyPriming       = 2
)

// Message 是计数用的一条对话消息。
type Message struct {
	Role    string
	Content string
}

// Accountant 统计 token 并计费，从不返回错误：没有可用分词器时按每四个字符一个 token 估算。
type Accountant struct {
	tokenizers *TokenizerCache
	pricing    *Pricing
}

func NewAccountant(tokenizers *TokenizerCache, pricing *Pricing) *Accountant {
	if pricing == nil {
		pricing = DefaultPricing()
	}
	return &Accountant{tokenizers: tokenizers, pricing: pricing}
}

// Close 释放分词器缓存。
func (a *Accountant) Close() error {
	if a == nil || a.tokenizers == nil {
		return nil
	}
	return a.tokenizers.Close()
}

func estimate(text string) int {
	return int(math.Ceil(float64(len(text)) / 4))
}

func (a *Accountant) encode(text, model string) (n int, err error) {
	if a == nil || a.tokenizers == nil {
		return 0, fmt.Errorf("usage: no tokenizer cache")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("usage: tokenizer panicked: %v", r)
		}
	}()
	tok, err := a.tokenizers.Get(model)
	if err != nil {
		return 0, err
	}
	return len(tok.Encode(text)), nil
}

// CountTokens 用模型的分词器统计 text 的 token 数。
func (a *Accountant) CountTokens(text, model string) int {
	if text == "" {
		return 0
	}
	n, err := a.encode(text, model)
	if err != nil {
		zlog.Debug("usage: token estimate fallback", zap.String("model", model), zap.Error(err))
		return estimate(text)
	}
	return n
}

// CountMessages 统计一次对话请求：每条消息计角色与内容的 token 加固定帧开销，
// 最后加一次回复引导开销。
func (a *Accountant) CountMessages(messages []Message, model string) int {
	total := 0
	for _, msg := range messages {
		role, err := a.encode(msg.Role, model)
		if err != nil {
			return estimateMessages(messages)
		}
		content, err := a.encode(msg.Content, model)
		if err != nil {
			return estimateMessages(messages)
		}
		total += perMessageOverhead + role + content
	}
	return total + replyPriming
}

func estimateMessages(messages []Message) int {
	var b strings.Builder
	for _, msg := range messages {
		b.WriteString(msg.Content)
	}
	return estimate(b.String()) + perMessageOverhead*len(messages) + replyPriming
}

// Cost 计算费用：先精确匹配模型，再匹配最长的模型族前缀，最后使用默认价格，保留六位小数。
func (a *Accountant) Cost(promptTokens, completionTokens int, model string) float64 {
	pricing := DefaultPricing()
	if a != nil && a.pricing != nil {
		pricing = a.pricing
	}
	rate, matched := pricing.Lookup(model)
	if !matched {
		zlog.Warn("usage: no price for model, using default rate",
			zap.String("model", model),
			zap.Float64("input_per_1k", rate.InputPer1K),
			zap.Float64("output_per_1k", rate.OutputPer1K))
	}
	cost := float64(promptTokens)/1000*rate.InputPer1K + float64(completionTokens)/1000*rate.OutputPer1K
	return math.Round(cost*1e6) / 1e6
}
