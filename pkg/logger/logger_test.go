package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/koopa0/system-design/14-lobby-server/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logger.ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, logger.ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, logger.ParseLevel("nonsense"))
}

func TestNew_ContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(logger.Options{Level: "info", Format: "json", Output: &buf}).With("component", "test")

	ctx := logger.WithUsername(logger.WithClientID(context.Background(), "c-1"), "alice")
	log.InfoContext(ctx, "hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "c-1", record["client_id"])
	assert.Equal(t, "alice", record["username"])
	assert.Equal(t, "test", record["component"])
}
