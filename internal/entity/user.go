package entity

// AccessLevel 存取等級
type AccessLevel string

const (
	AccessUser  AccessLevel = "user"
	AccessAdmin AccessLevel = "admin"
)

// Confirmation 待確認事項摘要（好友邀請等），由外部業務流程產生
type Confirmation struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Sender string `json:"sender"`
	Text   string `json:"text,omitempty"`
}

// User 使用者 session
//
// Game 與 Adventure 為 nil 表示未加入；它們與房間/冒險一側的名單
// 是同一事實的兩份記錄，必須在同一個鎖範圍內一起更新。
type User struct {
	Name          string            `json:"username"`
	PasswordHash  string            `json:"passwordHash,omitempty"`
	AccessLevel   AccessLevel       `json:"accessLevel"`
	Exp           int               `json:"exp"`
	Blocked       bool              `json:"blocked"`
	Game          *string           `json:"game"`
	Adventure     *int64            `json:"adventure"`
	Chats         []string          `json:"chats"`
	Friends       []string          `json:"friends"`
	Marks         map[string]string `json:"marks"`
	Confirmations []Confirmation    `json:"confirmations"`
}

// NewUser 建立新使用者
func NewUser(name, passwordHash string) *User {
	return &User{
		Name:          name,
		PasswordHash:  passwordHash,
		AccessLevel:   AccessUser,
		Chats:         []string{},
		Friends:       []string{},
		Marks:         map[string]string{},
		Confirmations: []Confirmation{},
	}
}

// Kind 實作 Entity
func (u *User) Kind() Kind { return KindUser }

// Key 實作 Entity
func (u *User) Key() string { return UserKey(u.Name) }

// Sanitized 去除憑證後的副本，可安全送給客戶端
func (u *User) Sanitized() *User {
	cp := *u
	cp.PasswordHash = ""
	return &cp
}

// JoinGame 記錄使用者所在房間
func (u *User) JoinGame(title string) {
	u.Game = &title
}

// LeaveGame 清除所在房間
func (u *User) LeaveGame() {
	u.Game = nil
}

// InGame 是否在任何房間
func (u *User) InGame() bool {
	return u.Game != nil
}

// GameTitle 所在房間，未加入回傳空字串
func (u *User) GameTitle() string {
	if u.Game == nil {
		return ""
	}
	return *u.Game
}

// JoinAdventure 記錄使用者所在冒險
func (u *User) JoinAdventure(id int64) {
	u.Adventure = &id
}

// LeaveAdventure 清除所在冒險
func (u *User) LeaveAdventure() {
	u.Adventure = nil
}

// AddChat 加入聊天頻道，重複加入不變
func (u *User) AddChat(name string) bool {
	if containsString(u.Chats, name) {
		return false
	}
	u.Chats = append(u.Chats, name)
	return true
}

// RemoveChat 離開聊天頻道
func (u *User) RemoveChat(name string) bool {
	var removed bool
	u.Chats, removed = removeString(u.Chats, name)
	return removed
}

// AddFriend 加入好友，重複不變
func (u *User) AddFriend(name string) bool {
	if containsString(u.Friends, name) {
		return false
	}
	u.Friends = append(u.Friends, name)
	return true
}

// IsFriend 是否為好友
func (u *User) IsFriend(name string) bool {
	return containsString(u.Friends, name)
}

// AddConfirmation 加入待確認事項
func (u *User) AddConfirmation(c Confirmation) {
	u.Confirmations = append(u.Confirmations, c)
}

// TakeConfirmation 取出並移除待確認事項
func (u *User) TakeConfirmation(id string) (Confirmation, bool) {
	for i, c := range u.Confirmations {
		if c.ID == id {
			u.Confirmations = append(u.Confirmations[:i:i], u.Confirmations[i+1:]...)
			return c, true
		}
	}
	return Confirmation{}, false
}
