package domain

import (
	"encoding/json"
	"time"
)

// Event is one realtime message. Room is empty for connection-wide events.
type Event struct {
	Name    string          `json:"event"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sentAt,omitempty"`
}

// Frame is the wire unit between the WebSocket transport and the gateway.
type Frame struct {
	Type    string          `json:"type"` // join | leave | emit | auth | event | ack | error
	ID      string          `json:"id,omitempty"`
	Room    string          `json:"room,omitempty"`
	Event   string          `json:"event,omitempty"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

const (
	FrameJoin  = "join"
	FrameLeave = "leave"
	FrameEmit  = "emit"
	FrameAuth  = "auth"
	FrameEvent = "event"
	FrameAck   = "ack"
	FrameError = "error"
)
