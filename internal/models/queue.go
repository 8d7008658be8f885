package models

import (
	"encoding/json"
	"time"
)

// MessageType classifies a queued message.
type MessageType string

const (
	MessageAgentRequest    MessageType = "agent_request"
	MessageAgentResponse   MessageType = "agent_response"
	MessageActionExecution MessageType = "action_execution"
	MessageNotification    MessageType = "notification"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageAgentRequest, MessageAgentResponse, MessageActionExecution, MessageNotification:
		return true
	}
	return false
}

// Priority is the dequeue class of a queued message.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the sort weight of p. Lower ranks dequeue first; unknown
// priorities rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// QueueMessage is a unit of asynchronous work held in a priority queue.
type QueueMessage struct {
	ID          string          `json:"id"` // ULID
	Type        MessageType     `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    Priority        `json:"priority"`
	Retries     int             `json:"retries"`
	MaxRetries  int             `json:"maxRetries"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
}
