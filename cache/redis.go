package cache

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Addr     string
	Password string
	DB       int
}

// ConfigFromEnv 读取 REDIS_ADDR、REDIS_PASSWORD 与 REDIS_DB，未设置 REDIS_ADDR 时 enabled 为 false。
func ConfigFromEnv() (cfg Config, enabled bool) {
	cfg.Addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.Password = os.Getenv("REDIS_PASSWORD")
	if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			cfg.DB = parsed
		}
	}
	return cfg, cfg.Addr != ""
}

// Connect 创建客户端并 ping 一次。
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: ping redis %s failed: %w", cfg.Addr, err)
	}
	return client, nil
}
