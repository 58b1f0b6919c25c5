// Package stream implements the duplex streaming channel bound to one
// conversation at a time, plus the supervisor that keeps it alive.
//
// # Protocol
//
// One websocket per conversation. The server pushes tagged events:
//
//	stream_start     generation began for message_id
//	stream_chunk     incremental text delta for message_id
//	stream_end       generation finished for message_id
//	tool_call_start  tool execution began inside message_id
//	tool_call_end    tool execution finished inside message_id
//	title_updated    conversation title changed (any time)
//	error            generation failed for message_id
//	pong             heartbeat reply
//
// The client sends three frame kinds: message, cancel, ping. Within one
// message_id the server sends stream_start first and exactly one terminal
// event (stream_end or error) last; events for different message_ids may
// interleave, so consumers key state by message_id. Malformed or unknown
// frames are dropped — the protocol stays best-effort for forward
// compatibility with new event tags.
package stream

// EventType tags an incoming protocol event.
type EventType string

const (
	EventStreamStart   EventType = "stream_start"
	EventStreamChunk   EventType = "stream_chunk"
	EventStreamEnd     EventType = "stream_end"
	EventToolCallStart EventType = "tool_call_start"
	EventToolCallEnd   EventType = "tool_call_end"
	EventTitleUpdated  EventType = "title_updated"
	EventError         EventType = "error"
	EventPong          EventType = "pong"
)

// Event is one incoming protocol event. Fields are populated per type;
// MessageID is set for every message-scoped event.
type Event struct {
	Type       EventType `json:"type"`
	MessageID  string    `json:"message_id,omitempty"`
	Role       string    `json:"role,omitempty"`  // stream_start
	Delta      string    `json:"delta,omitempty"` // stream_chunk
	Title      string    `json:"title,omitempty"` // title_updated
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	Message    string    `json:"message,omitempty"` // error detail
}

// Terminal reports whether the event closes its message's lifecycle.
func (e Event) Terminal() bool {
	return e.Type == EventStreamEnd || e.Type == EventError
}

// ---- Outgoing frames ----

const (
	frameMessage = "message"
	frameCancel  = "cancel"
	framePing    = "ping"
)

// outboundFrame is the client→server wire format.
type outboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}
