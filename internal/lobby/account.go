package lobby

import (
	"context"
	"strconv"

	"golang.org/x/crypto/bcrypt"

	"github.com/koopa0/system-design/14-lobby-server/internal/dispatch"
	"github.com/koopa0/system-design/14-lobby-server/internal/entity"
	"github.com/koopa0/system-design/14-lobby-server/internal/lock"
	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
)

// ConfirmFriend 好友邀請
const ConfirmFriend = "friend"

// login 驗證密碼後把連線綁定到使用者
func (s *Service) login(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	name := p.str("username")

	user, err := s.store.GetUser(ctx, name)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, ErrBadCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(p.str("password"))) != nil {
		return nil, ErrBadCredentials
	}
	if user.Blocked {
		return nil, ErrBlocked
	}

	state, err := s.store.DumpState(ctx, name)
	if err != nil {
		return nil, err
	}

	resp := dispatch.Success(req, state, "")
	resp.Bind = name
	s.logger.InfoContext(ctx, "user logged in", "user", name)
	return []dispatch.Response{resp}, nil
}

// register 建立帳號並直接登入；雜湊在取鎖之前計算
func (s *Service) register(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	name := p.str("username")

	cost := s.opts.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(p.str("password")), cost)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "hash password")
	}

	lease, err := s.store.Lock(ctx, lock.User(name))
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, lease.Release)

	_, err = s.store.GetUser(ctx, name)
	switch {
	case err == nil:
		return nil, ErrNameTaken
	case !apperrors.IsNotFound(err):
		return nil, err
	}

	if err := s.store.SetUser(ctx, entity.NewUser(name, string(hash))); err != nil {
		return nil, err
	}

	state, err := s.store.DumpState(ctx, name)
	if err != nil {
		return nil, err
	}

	resp := dispatch.Success(req, state, "")
	resp.Bind = name
	s.logger.InfoContext(ctx, "user registered", "user", name)
	return []dispatch.Response{resp}, nil
}

// addFriend 在對方身上留下待確認的好友邀請
func (s *Service) addFriend(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	self, friendName := req.Username, p.str("friendName")

	lease, err := s.store.Lock(ctx, lock.User(self), lock.User(friendName))
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, lease.Release)

	user, err := s.store.GetUser(ctx, self)
	if err != nil {
		return nil, err
	}
	friend, err := s.store.GetUser(ctx, friendName)
	if err != nil {
		return nil, err
	}
	if user.IsFriend(friendName) {
		return nil, ErrAlreadyFriends
	}

	for _, c := range friend.Confirmations {
		if c.Type == ConfirmFriend && c.Sender == self {
			return []dispatch.Response{dispatch.Success(req, nil, "friend request already sent")}, nil
		}
	}

	id, err := s.nextID()
	if err != nil {
		return nil, err
	}
	confirmation := entity.Confirmation{
		ID:     strconv.FormatInt(id, 10),
		Type:   ConfirmFriend,
		Sender: self,
		Text:   self + " wants to be your friend",
	}
	friend.AddConfirmation(confirmation)
	if err := s.store.SetUser(ctx, friend); err != nil {
		return nil, err
	}

	return []dispatch.Response{
		dispatch.Success(req, nil, "friend request sent"),
		dispatch.Push(PushConfirmation, confirmation, friendName),
	}, nil
}

// claimConfirmation 回覆待確認事項
//
// 好友邀請需要同時修改雙方，所以先不加鎖讀出寄件人，
// 再一起取鎖並重新讀取；取鎖後事項已不存在則回報 NOT_FOUND。
func (s *Service) claimConfirmation(ctx context.Context, req dispatch.Request, p params) ([]dispatch.Response, error) {
	self, id := req.Username, p.str("confirmationId")

	peek, err := s.store.GetUser(ctx, self)
	if err != nil {
		return nil, err
	}
	var pending *entity.Confirmation
	for i := range peek.Confirmations {
		if peek.Confirmations[i].ID == id {
			pending = &peek.Confirmations[i]
			break
		}
	}
	if pending == nil {
		return nil, apperrors.ErrNotFound.WithDetails("confirmation " + id)
	}

	keys := []lock.Key{lock.User(self)}
	befriend := pending.Type == ConfirmFriend && p.boolean("agree") && pending.Sender != self
	if befriend {
		keys = append(keys, lock.User(pending.Sender))
	}

	lease, err := s.store.Lock(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, lease.Release)

	user, err := s.store.GetUser(ctx, self)
	if err != nil {
		return nil, err
	}
	confirmation, ok := user.TakeConfirmation(id)
	if !ok {
		return nil, apperrors.ErrNotFound.WithDetails("confirmation " + id)
	}

	var responses []dispatch.Response
	receipt := "dismissed"
	if befriend {
		sender, err := s.store.GetUser(ctx, confirmation.Sender)
		switch {
		case err == nil:
			sender.AddFriend(self)
			user.AddFriend(sender.Name)
			if err := s.store.SetUser(ctx, sender); err != nil {
				return nil, err
			}
			receipt = "accepted"
			responses = append(responses, dispatch.Push(PushFriendAdded, map[string]string{"friend": self}, sender.Name))
		case apperrors.IsNotFound(err):
			receipt = "sender no longer exists"
		default:
			return nil, err
		}
	}

	if err := s.store.SetUser(ctx, user); err != nil {
		return nil, err
	}

	return append([]dispatch.Response{dispatch.Success(req, user.Sanitized(), receipt)}, responses...), nil
}
