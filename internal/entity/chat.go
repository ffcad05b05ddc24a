package entity

// Chat 聊天頻道
type Chat struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// NewChat 建立頻道
func NewChat(name string) *Chat {
	return &Chat{Name: name, Members: []string{}}
}

// Kind 實作 Entity
func (c *Chat) Kind() Kind { return KindChat }

// Key 實作 Entity
func (c *Chat) Key() string { return ChatKey(c.Name) }

// Join 加入頻道
func (c *Chat) Join(name string) bool {
	if containsString(c.Members, name) {
		return false
	}
	c.Members = append(c.Members, name)
	return true
}

// Leave 離開頻道，回傳 empty 表示已無成員
func (c *Chat) Leave(name string) (empty bool) {
	c.Members, _ = removeString(c.Members, name)
	return len(c.Members) == 0
}

// HasMember 是否在頻道內
func (c *Chat) HasMember(name string) bool {
	return containsString(c.Members, name)
}
