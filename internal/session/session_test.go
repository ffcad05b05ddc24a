package session_test

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/koopa0/system-design/14-lobby-server/internal/entity"
	"github.com/koopa0/system-design/14-lobby-server/internal/kv"
	"github.com/koopa0/system-design/14-lobby-server/internal/lock"
	"github.com/koopa0/system-design/14-lobby-server/internal/session"
	"github.com/koopa0/system-design/14-lobby-server/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*session.Store, *kv.MemoryBackend) {
	t.Helper()
	backend := kv.NewMemoryBackend()
	log := testutils.Logger()
	return session.New(kv.NewStore(backend, log), lock.NewManager(backend, lock.DefaultOptions(), log), log), backend
}

func testRand() *rand.Rand {
	return rand.New(rand.NewPCG(1, 1))
}

func TestStore_NotFound(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.GetUser(ctx, "ghost")
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = s.GetGame(ctx, "ghost")
	assert.True(t, apperrors.IsNotFound(err))
	_, err = s.GetAdventure(ctx, 99)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = s.GetChat(ctx, "ghost")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestStore_CorruptIsNotFound(t *testing.T) {
	s, backend := newStore(t)
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "USER_bad", []byte(`{"kind":"user","data":[`)))
	_, err := s.GetUser(ctx, "bad")
	assert.True(t, apperrors.IsNotFound(err))

	// 鍵是 USER_ 但內容是 chat
	raw, err := entity.Encode(entity.NewChat("x"))
	require.NoError(t, err)
	require.NoError(t, backend.Set(ctx, "USER_mismatch", raw))
	_, err = s.GetUser(ctx, "mismatch")
	assert.True(t, apperrors.IsNotFound(err))
}

// TestStore_InvalidFloorIsNotFound 儲存中的樓層圖含後向邊時，整個冒險視為不存在
func TestStore_InvalidFloorIsNotFound(t *testing.T) {
	s, backend := newStore(t)
	ctx := context.Background()

	raw := `{"kind":"adventure","data":{"id":7,"floors":[{"nodes":[` +
		`{"type":"combat","to":[2]},{"type":"combat","to":[0]},{"type":"exit"}]}]}}`
	require.NoError(t, backend.Set(ctx, "ADV_7", []byte(raw)))

	_, err := s.GetAdventure(ctx, 7)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestStore_CRUD(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	g := entity.NewGame("room", "alice", "")
	require.NoError(t, s.SetGame(ctx, g))
	got, err := s.GetGame(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, g, got)
	require.NoError(t, s.DelGame(ctx, "room"))
	_, err = s.GetGame(ctx, "room")
	assert.True(t, apperrors.IsNotFound(err))

	adv, err := entity.NewAdventure(5, entity.GenerateFloors(testRand(), 1, 4))
	require.NoError(t, err)
	require.NoError(t, s.SetAdventure(ctx, adv))
	gotAdv, err := s.GetAdventure(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, adv, gotAdv)
	require.NoError(t, s.DelAdventure(ctx, 5))
	_, err = s.GetAdventure(ctx, 5)
	assert.True(t, apperrors.IsNotFound(err))

	c := entity.NewChat("main")
	c.Join("alice")
	require.NoError(t, s.SetChat(ctx, c))
	gotChat, err := s.GetChat(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, c, gotChat)
	require.NoError(t, s.DelChat(ctx, "main"))
}

func TestStore_ListGames(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetGame(ctx, entity.NewGame("zeta", "bob", "pw")))
	require.NoError(t, s.SetGame(ctx, entity.NewGame("alpha", "alice", "")))
	require.NoError(t, s.SetUser(ctx, entity.NewUser("alice", "")))

	games, err := s.ListGames(ctx)
	require.NoError(t, err)
	require.Len(t, games, 2)
	assert.Equal(t, "alpha", games[0].Title)
	assert.Equal(t, "zeta", games[1].Title)
	assert.True(t, games[1].HasPassword)
	assert.Equal(t, 1, games[0].PlayerCount)
}

func TestStore_DumpState(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	user := entity.NewUser("alice", "$2a$10$secret")
	user.AddChat("main")
	user.JoinGame("room")
	user.JoinAdventure(404) // 已不存在的冒險
	require.NoError(t, s.SetUser(ctx, user))
	require.NoError(t, s.SetGame(ctx, entity.NewGame("room", "alice", "pw")))

	state, err := s.DumpState(ctx, "alice")
	require.NoError(t, err)

	assert.Empty(t, state.User.PasswordHash)
	assert.Equal(t, []string{"main"}, state.Chats)
	require.Len(t, state.Games, 1)
	require.NotNil(t, state.Game)
	assert.Empty(t, state.Game.Password)
	assert.Nil(t, state.Adventure)

	// 原始資料保留憑證
	stored, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$secret", stored.PasswordHash)

	_, err = s.DumpState(ctx, "ghost")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestStore_Lock(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	lease, err := s.Lock(ctx, lock.User("alice"), lock.Game("room"))
	require.NoError(t, err)
	assert.Equal(t, []lock.Key{"game:room", "user:alice"}, lease.Keys())
	require.NoError(t, lease.Release(ctx))
}
