package usage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var errCacheClosed = errors.New("usage: tokenizer cache closed")

// Tokenizer 把文本编码为模型 token。
type Tokenizer interface {
	Encode(text string) []int
}

// TokenizerLoader 按模型名加载分词器。
type TokenizerLoader func(model string) (Tokenizer, error)

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func (t tiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

// TiktokenLoader 优先使用模型自身的编码，tiktoken 不认识时使用 cl100k_base。
func TiktokenLoader(model string) (Tokenizer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err != nil {
			return nil, fmt.Errorf("usage: load encoding for %q: %w", model, err)
		}
	}
	return tiktokenTokenizer{enc: enc}, nil
}

// TokenizerCache 按模型名懒加载并缓存分词器。由调用方持有并负责 Close。
// 加载失败同样会被缓存，避免每次计数都重复尝试。
type TokenizerCache struct {
	loader TokenizerLoader

	mu     sync.Mutex
	loaded map[string]Tokenizer
	failed map[string]error
	closed bool
}

func NewTokenizerCache(loader TokenizerLoader) *TokenizerCache {
	if loader == nil {
		loader = TiktokenLoader
	}
	return &TokenizerCache{
		loader: loader,
		loaded: make(map[string]Tokenizer),
		failed: make(map[string]error),
	}
}

func (c *TokenizerCache) Get(model string) (Tokenizer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errCacheClosed
	}
	if tok, ok := c.loaded[model]; ok {
		return tok, nil
	}
	if err, ok := c.failed[model]; ok {
		return nil, err
	}

	tok, err := c.loader(model)
	if err == nil && tok == nil {
		err = fmt.Errorf("usage: no tokenizer for %q", model)
	}
	if err != nil {
		c.failed[model] = err
		return nil, err
	}
	c.loaded[model] = tok
	return tok, nil
}

// Len 返回当前缓存的分词器数量。
func (c *TokenizerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.loaded)
}

// Close 释放全部分词器，之后的查询会失败，调用方退回按字符估算。
func (c *TokenizerCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.loaded = map[string]Tokenizer{}
	c.failed = map[string]error{}
	return nil
}
