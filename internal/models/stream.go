package models

import (
	"encoding/json"
	"time"
)

// StreamEvent is one entry of a channel's append-only log. ID is assigned by
// the store and increases monotonically within a channel.
type StreamEvent struct {
	Channel   string          `json:"channel"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventType classifies an agent event published for a conversation.
type EventType string

const (
	EventAgentThinking EventType = "agent_thinking"
	EventAgentAction   EventType = "agent_action"
	EventAgentResponse EventType = "agent_response"
	EventError         EventType = "error"
	EventStatus        EventType = "status"
	EventCompletion    EventType = "completion"
	EventUserAction    EventType = "user_action"
)

// AgentEvent is the payload shape published onto conversation channels.
type AgentEvent struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Action         json.RawMessage `json:"action,omitempty"`
	Timestamp      string          `json:"timestamp"`
}
