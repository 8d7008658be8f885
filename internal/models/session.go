package models

import "time"

// Session links a live connection to a user and a conversation.
type Session struct {
	SessionID      string        `json:"sessionId"`
	UserID         string        `json:"userId"`
	ConversationID string        `json:"conversationId"`
	CreatedAt      time.Time     `json:"createdAt"`
	TTL            time.Duration `json:"ttl"`
}

// PresenceStatus is a user's availability. Offline is never stored; it is
// the absence of a presence record.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceIdle    PresenceStatus = "idle"
	PresenceOffline PresenceStatus = "offline"
)
