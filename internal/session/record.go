package session

import "time"

type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// Member is one entry of the roster as published to participants.
type Member struct {
	Nickname string `json:"nickname"`
	Role     Role   `json:"role"`
}

// Record tracks one viewer connection from first contact to disconnect.
// Nickname and StreamPort are set only once the viewer is authenticated.
type Record struct {
	ID            string
	Nickname      string
	StreamPort    int
	Authenticated bool
	ConnectedAt   time.Time
}
