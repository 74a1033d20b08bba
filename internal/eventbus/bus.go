package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/sandboxwatch/schema"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventState carries connection state transitions.
	EventState EventType = "state"
	// EventConnected carries the sandbox announced at handshake.
	EventConnected EventType = "connected"
	// EventCommand carries a merged command record.
	EventCommand EventType = "command"
	// EventFileChange carries an opaque file change payload.
	EventFileChange EventType = "file_change"
	// EventError carries decode, transport and terminal errors.
	EventError EventType = "error"
)

// Event is one subscription event queued for a consumer.
type Event struct {
	Type       EventType
	SandboxID  schema.SandboxID
	From       schema.ConnectionState
	To         schema.ConnectionState
	Info       schema.ConnectionInfo
	Command    schema.CommandRecord
	FileChange schema.FileChangeEvent
	Err        error
}

// Bus fans subscription events out to per-sandbox channel subscribers.
// Publishing never blocks: events for a full subscriber are dropped.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.SandboxID]map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.SandboxID]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the sandbox and returns a channel + cancel.
func (b *Bus) Subscribe(sandboxID schema.SandboxID) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	sandboxSubs := b.subs[sandboxID]
	if sandboxSubs == nil {
		sandboxSubs = make(map[chan Event]struct{})
		b.subs[sandboxID] = sandboxSubs
	}
	sandboxSubs[ch] = struct{}{}
	count := len(sandboxSubs)
	b.mu.Unlock()
	b.log.With("sandbox", sandboxID).Debug("eventbus subscribe", "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[sandboxID]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, sandboxID)
				}
			}
			b.mu.Unlock()
			close(ch)
			b.log.With("sandbox", sandboxID).Debug("eventbus unsubscribe")
		})
	}
}

// OnStateChange publishes a state transition.
func (b *Bus) OnStateChange(sandboxID schema.SandboxID, from, to schema.ConnectionState) {
	b.publish(Event{Type: EventState, SandboxID: sandboxID, From: from, To: to})
}

// OnConnected publishes the handshake info.
func (b *Bus) OnConnected(sandboxID schema.SandboxID, info schema.ConnectionInfo) {
	b.publish(Event{Type: EventConnected, SandboxID: sandboxID, Info: info})
}

// OnCommand publishes a merged command.
func (b *Bus) OnCommand(sandboxID schema.SandboxID, record schema.CommandRecord) {
	b.publish(Event{Type: EventCommand, SandboxID: sandboxID, Command: record})
}

// OnFileChange publishes a file change.
func (b *Bus) OnFileChange(sandboxID schema.SandboxID, event schema.FileChangeEvent) {
	b.publish(Event{Type: EventFileChange, SandboxID: sandboxID, FileChange: event})
}

// OnError publishes an error.
func (b *Bus) OnError(sandboxID schema.SandboxID, err error) {
	b.publish(Event{Type: EventError, SandboxID: sandboxID, Err: err})
}

func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sandboxSubs := b.subs[event.SandboxID]
	if len(sandboxSubs) == 0 {
		return
	}
	dropped := 0
	for sub := range sandboxSubs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.log.With("sandbox", event.SandboxID).Trace("eventbus dropped", "type", string(event.Type), "count", dropped)
	}
}
