package history_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-lobby-server/internal/history"
	"github.com/koopa0/system-design/14-lobby-server/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
)

func repositoryContract(t *testing.T, repo history.Repository) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get(ctx, 999)
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("SaveThenUpdate", func(t *testing.T) {
		m := &history.Match{
			ID:     1,
			Title:  "room",
			Config: json.RawMessage(`{"mapId":3,"team":{"alice":0}}`),
		}
		require.NoError(t, repo.Save(ctx, m))
		assert.False(t, m.CreatedAt.IsZero())
		created := m.CreatedAt

		got, err := repo.Get(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "room", got.Title)
		assert.False(t, got.Hosted)
		assert.Nil(t, got.WinnerTeam)
		assert.JSONEq(t, `{"mapId":3,"team":{"alice":0}}`, string(got.Config))

		winner := 1
		m.Hosted = false
		m.WinnerTeam = &winner
		require.NoError(t, repo.Save(ctx, m))

		got, err = repo.Get(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, got.WinnerTeam)
		assert.Equal(t, 1, *got.WinnerTeam)
		assert.True(t, got.CreatedAt.Equal(created), "created_at survives upsert")
		assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
	})

	t.Run("ErrorRecord", func(t *testing.T) {
		m := &history.Match{ID: 2, Title: "lost", Error: "autohost 10.0.0.9 not available"}
		require.NoError(t, repo.Save(ctx, m))

		got, err := repo.Get(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, "autohost 10.0.0.9 not available", got.Error)
	})

	t.Run("Recent", func(t *testing.T) {
		got, err := repo.Recent(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)

		all, err := repo.Recent(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestMemoryRepository(t *testing.T) {
	repositoryContract(t, history.NewMemoryRepository())
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := history.NewMemoryRepository()
	ctx := context.Background()

	winner := 0
	m := &history.Match{ID: 7, Title: "x", WinnerTeam: &winner}
	require.NoError(t, repo.Save(ctx, m))

	winner = 5
	got, err := repo.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, *got.WinnerTeam)
}

func TestPostgresRepository(t *testing.T) {
	env := testutils.SetupPostgres(t)
	logger := testutils.Logger()

	require.NoError(t, history.Migrate(env.DSN, logger))
	// 第二次執行不應出錯
	require.NoError(t, history.Migrate(env.DSN, logger))

	repositoryContract(t, history.NewPostgresRepository(env.Pool, logger))
}
