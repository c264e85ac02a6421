package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", " cache:6380 ")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")

	cfg, enabled := ConfigFromEnv()
	require.True(t, enabled)
	assert.Equal(t, Config{Addr: "cache:6380", Password: "secret", DB: 3}, cfg)
}

func TestConfigFromEnvDisabled(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("REDIS_DB", "nope")
	cfg, enabled := ConfigFromEnv()
	assert.False(t, enabled)
	assert.Zero(t, cfg.DB)
}

func TestConnectFailsWithoutServer(t *testing.T) {
	_, err := Connect(context.Background(), Config{Addr: "127.0.0.1:1"})
	assert.ErrorContains(t, err, "cache: ping redis")
}
