package schema

import (
	"encoding/json"
	"time"
)

// EventType is the discriminator carried by every stream frame.
type EventType string

const (
	// EventConnected announces the sandbox at stream handshake.
	EventConnected EventType = "connected"
	// EventCommandHistory replays a command recorded before the connection.
	EventCommandHistory EventType = "command_history"
	// EventCommandNew reports a new command or new data for a known command.
	EventCommandNew EventType = "command_new"
	// EventHeartbeat is a liveness-only frame.
	EventHeartbeat EventType = "heartbeat"
	// EventFileChange reports a file modification inside the sandbox.
	EventFileChange EventType = "file_change"
)

// Envelope carries the fields shared by every stream event.
type Envelope struct {
	Type      EventType
	Timestamp time.Time
	SandboxID SandboxID
}

// StreamEvent is a decoded stream frame. The concrete type is one of
// ConnectedEvent, CommandHistoryEvent, CommandUpdateEvent, HeartbeatEvent or
// FileChangeEvent.
type StreamEvent interface {
	Meta() Envelope
	streamEvent()
}

// ConnectedEvent replaces the subscription's connection info.
type ConnectedEvent struct {
	Envelope
	Info ConnectionInfo
}

// CommandHistoryEvent carries a command known before the connection opened.
type CommandHistoryEvent struct {
	Envelope
	Record CommandRecord
}

// CommandUpdateEvent carries a new command or an update to a known one.
type CommandUpdateEvent struct {
	Envelope
	Record CommandRecord
}

// HeartbeatEvent only proves the connection is alive.
type HeartbeatEvent struct {
	Envelope
}

// FileChangeEvent is forwarded to listeners without interpretation.
type FileChangeEvent struct {
	Envelope
	Payload json.RawMessage
}

// Meta returns the shared envelope.
func (e Envelope) Meta() Envelope { return e }

func (ConnectedEvent) streamEvent()      {}
func (CommandHistoryEvent) streamEvent() {}
func (CommandUpdateEvent) streamEvent()  {}
func (HeartbeatEvent) streamEvent()      {}
func (FileChangeEvent) streamEvent()     {}
