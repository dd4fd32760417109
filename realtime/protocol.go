package realtime

import "encoding/json"

// IncomingMessage is what a live connection sends: an event kind plus the
// board room it concerns. Data is kept raw; only typing payloads carry any
// today and they are relayed verbatim.
type IncomingMessage struct {
	Type    string          `json:"type"`
	BoardID string          `json:"boardId"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OutgoingMessage is what subscribers receive. Actor identifies the user
// whose action produced the event.
type OutgoingMessage struct {
	Type    string `json:"type"`
	BoardID string `json:"boardId,omitempty"`
	Actor   string `json:"actor,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// envelope is the cross-instance wire format on the Redis events channel.
// Instance lets the publishing process skip its own copy; Origin travels
// with the event so every instance can exclude the originating connection.
type envelope struct {
	Instance string          `json:"instance"`
	BoardID  string          `json:"boardId"`
	Type     string          `json:"type"`
	Actor    string          `json:"actor"`
	Origin   string          `json:"origin,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Client-initiated event kinds.
const (
	MessageJoinBoard  = "join-board"
	MessageLeaveBoard = "leave-board"
	MessageTyping     = "typing"
)
