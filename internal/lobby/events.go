package lobby

import (
	"context"

	"github.com/koopa0/system-design/14-lobby-server/internal/autohost"
	"github.com/koopa0/system-design/14-lobby-server/internal/dispatch"
	"github.com/koopa0/system-design/14-lobby-server/internal/lock"
	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
)

// MatchEnded 對戰結束推送內容
type MatchEnded struct {
	Title      string `json:"title"`
	MatchID    int64  `json:"matchId,string"`
	WinnerTeam *int   `json:"winnerTeam"`
	Error      string `json:"error,omitempty"`
}

// Publish 實作 autohost.EventSink，把主機事件反映到房間狀態
func (s *Service) Publish(ctx context.Context, events []autohost.Event) {
	for _, ev := range events {
		if ev.Title == "" {
			continue
		}
		var err error
		switch ev.Action {
		case autohost.ActionServerStarted, autohost.ActionServerEnding:
			err = s.applyMatchEvent(ctx, ev)
		default:
			err = s.forwardEvent(ctx, ev)
		}
		if err != nil && !apperrors.IsNotFound(err) {
			s.logger.WarnContext(ctx, "apply autohost event failed",
				"action", ev.Action, "title", ev.Title, "match_id", ev.MatchID, "error", err)
		}
	}
}

// applyMatchEvent 更新房間的對戰狀態；對戰編號不符的事件視為過期而略過
func (s *Service) applyMatchEvent(ctx context.Context, ev autohost.Event) error {
	lease, err := s.store.Lock(ctx, lock.Game(ev.Title))
	if err != nil {
		return err
	}
	defer s.release(ctx, lease.Release)

	game, err := s.store.GetGame(ctx, ev.Title)
	if err != nil {
		return err
	}
	if ev.MatchID != 0 && game.MatchID != ev.MatchID {
		s.logger.DebugContext(ctx, "stale autohost event", "title", ev.Title, "match_id", ev.MatchID, "current", game.MatchID)
		return nil
	}

	var ended *MatchEnded
	switch ev.Action {
	case autohost.ActionServerStarted:
		game.Started = true
		game.Port = ev.Port
		if ev.Host != "" {
			game.ResponsibleHost = ev.Host
		}
	case autohost.ActionServerEnding:
		ended = &MatchEnded{Title: game.Title, MatchID: game.MatchID, WinnerTeam: ev.WinnerTeam, Error: ev.Error}
		game.Started = false
		game.Port = 0
		game.MatchID = 0
		game.ResponsibleHost = ""
	}

	if err := s.store.SetGame(ctx, game); err != nil {
		return err
	}

	players := game.PlayerNames()
	if len(players) == 0 {
		return nil
	}
	responses := []dispatch.Response{dispatch.Push(PushGameUpdate, game.Public(), players...)}
	if ended != nil {
		responses = append(responses, dispatch.Push(PushMatchEnded, ended, players...))
		s.logger.InfoContext(ctx, "match ended", "title", game.Title, "match_id", ended.MatchID)
	}
	s.push(ctx, responses...)
	return nil
}

// forwardEvent 其他主機事件原樣轉給房內玩家，不修改狀態也不取鎖
func (s *Service) forwardEvent(ctx context.Context, ev autohost.Event) error {
	game, err := s.store.GetGame(ctx, ev.Title)
	if err != nil {
		return err
	}
	if players := game.PlayerNames(); len(players) > 0 {
		s.push(ctx, dispatch.Push(PushAutohost, ev, players...))
	}
	return nil
}
