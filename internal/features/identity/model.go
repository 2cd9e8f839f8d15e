package identity

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Role is the access tier of a user.
type Role string

const (
	RoleAdmin      Role = "admin"
	RolePrivileged Role = "privileged"
	RoleRegular    Role = "regular"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RolePrivileged || r == RoleRegular
}

// Permanent reports whether the role grants access without a subscription
// window.
func (r Role) Permanent() bool {
	return r == RoleAdmin || r == RolePrivileged
}

// User is one media-server account known to the bot. The media-account id
// is the stable primary key; the chat id is optional and unique when set.
type User struct {
	MediaID   string `json:"media_id"`
	Username  string `json:"username"`
	ChatID    int64  `json:"chat_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Role      Role   `json:"role"`
	IsAdmin   bool   `json:"is_admin"`
	CreatedAt int64  `json:"created_at"`
}

// Linked reports whether a chat identity is attached.
func (u *User) Linked() bool {
	return u.ChatID != 0
}

// UnmarshalJSON coerces legacy snapshots where chat_id was stored as a
// quoted string or null. An unparseable value becomes unlinked rather than
// failing the whole document load.
func (u *User) UnmarshalJSON(data []byte) error {
	type alias User
	aux := struct {
		ChatID json.RawMessage `json:"chat_id"`
		*alias
	}{alias: (*alias)(u)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	u.ChatID = coerceChatID(aux.ChatID)
	return nil
}

func coerceChatID(raw json.RawMessage) int64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// AdminRecord is one entry of the derived admin lookup document, keyed by
// chat id. It is regenerated from the user registry on every startup.
type AdminRecord struct {
	MediaID  string `json:"media_id"`
	Username string `json:"username"`
	AddedAt  int64  `json:"added_at"`
}
