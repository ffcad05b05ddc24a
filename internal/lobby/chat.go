package lobby

import (
	"context"
	"time"

	"github.com/koopa0/system-design/14-lobby-server/internal/dispatch"
	"github.com/koopa0/system-design/14-lobby-server/internal/entity"
	"github.com/koopa0/system-design/14-lobby-server/internal/lock"
	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
)

// ChatMessage 聊天訊息推送內容；訊息不保存
type ChatMessage struct {
	ChatName string    `json:"chatName"`
	Author   string    `json:"author"`
	Message  string    `json:"message"`
	SentAt   time.Time `json:"sentAt"`
}

// fanout 回覆加上推送；沒有對象時不推送
func fanout(reply dispatch.Response, action string, state any, targets []string) []dispatch.Response {
	responses := []dispatch.Response{reply}
	if len(targets) > 0 {
		responses = append(responses, dispatch.Push(action, state, targets...))
	}
	return responses
}

func (s *Service) joinChat(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	name := p.str("chatName")

	lease, err := s.store.Lock(ctx, lock.Chat(name), lock.User(req.Username))
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, lease.Release)

	user, err := s.store.GetUser(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	chat, err := s.store.GetChat(ctx, name)
	switch {
	case apperrors.IsNotFound(err):
		chat = entity.NewChat(name)
	case err != nil:
		return nil, err
	}

	chat.Join(user.Name)
	user.AddChat(name)
	if err := s.store.SetChat(ctx, chat); err != nil {
		return nil, err
	}
	if err := s.store.SetUser(ctx, user); err != nil {
		return nil, err
	}

	return fanout(dispatch.Success(req, chat, ""), PushChatUpdate, chat, others(chat.Members, user.Name)), nil
}

func (s *Service) leaveChat(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	name := p.str("chatName")

	lease, err := s.store.Lock(ctx, lock.Chat(name), lock.User(req.Username))
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, lease.Release)

	user, err := s.store.GetUser(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	chat, err := s.store.GetChat(ctx, name)
	if err != nil && !apperrors.IsNotFound(err) {
		return nil, err
	}

	inChat := chat != nil && chat.HasMember(user.Name)
	tracked := user.RemoveChat(name)
	if !inChat && !tracked {
		return nil, ErrNotInChat
	}

	var remaining []string
	if inChat {
		if chat.Leave(user.Name) {
			err = s.store.DelChat(ctx, name)
		} else {
			remaining = chat.Members
			err = s.store.SetChat(ctx, chat)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := s.store.SetUser(ctx, user); err != nil {
		return nil, err
	}

	return fanout(dispatch.Success(req, nil, "left "+name), PushChatUpdate, chat, remaining), nil
}

// sayChat 唯讀：只讀取成員名單並推送，不需取鎖
func (s *Service) sayChat(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	chat, err := s.store.GetChat(ctx, p.str("chatName"))
	if err != nil {
		return nil, err
	}
	if !chat.HasMember(req.Username) {
		return nil, ErrNotInChat
	}

	msg := ChatMessage{
		ChatName: chat.Name,
		Author:   req.Username,
		Message:  p.str("message"),
		SentAt:   time.Now().UTC(),
	}
	return fanout(dispatch.Success(req, msg, ""), PushChatMessage, msg, others(chat.Members, req.Username)), nil
}
