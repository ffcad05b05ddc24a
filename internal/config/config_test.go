package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-lobby-server/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoad_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"yaml", "lobby.yaml", `
server:
  port: 9000
store:
  driver: memory
lock:
  acquire_timeout: 2s
dispatch:
  workers: 4
`},
		{"toml", "lobby.toml", `
[server]
port = 9000

[store]
driver = "memory"

[lock]
acquire_timeout = "2s"

[dispatch]
workers = 4
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Load(writeFile(t, tt.file, tt.content))
			require.NoError(t, err)

			assert.Equal(t, 9000, cfg.Server.Port)
			assert.Equal(t, "memory", cfg.Store.Driver)
			assert.Equal(t, 2*time.Second, cfg.Lock.AcquireTimeout)
			assert.Equal(t, 4, cfg.Dispatch.Workers)
			// 未指定的欄位保留預設值
			assert.Equal(t, 10*time.Second, cfg.Lock.TTL)
		})
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LOBBY_SERVER_PORT", "7000")
	t.Setenv("LOBBY_REDIS_ADDR", "redis:6380")
	t.Setenv("LOBBY_LOCK_TTL", "30s")

	path := writeFile(t, "lobby.yaml", "server:\n  port: 9000\n")
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
}

func TestLoad_Errors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = config.Load(writeFile(t, "lobby.json", "{}"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"bad port", func(c *config.Config) { c.Server.Port = 0 }},
		{"bad driver", func(c *config.Config) { c.Store.Driver = "etcd" }},
		{"no workers", func(c *config.Config) { c.Dispatch.Workers = 0 }},
		{"timeout beyond ttl", func(c *config.Config) { c.Lock.AcquireTimeout = time.Minute }},
		{"tiny floor", func(c *config.Config) { c.Adventure.FloorSize = 1 }},
		{"node id", func(c *config.Config) { c.Server.NodeID = 2048 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, config.Default().Validate())
}
