package models

import "encoding/json"

// ProtocolType is the kind of a realtime protocol message.
type ProtocolType string

const (
	ProtocolSubscribe   ProtocolType = "subscribe"
	ProtocolUnsubscribe ProtocolType = "unsubscribe"
	ProtocolChat        ProtocolType = "message"
	ProtocolPing        ProtocolType = "ping"
	ProtocolAuth        ProtocolType = "auth"
	ProtocolAction      ProtocolType = "action"
	ProtocolError       ProtocolType = "error"
	ProtocolEvent       ProtocolType = "event"
)

// ProtocolMessage is exchanged with clients in both directions.
type ProtocolMessage struct {
	Type      ProtocolType    `json:"type,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`

	// Reply fields
	Status   string       `json:"status,omitempty"`
	StreamID string       `json:"streamId,omitempty"`
	Error    string       `json:"error,omitempty"`
	Event    *StreamEvent `json:"event,omitempty"`
}
