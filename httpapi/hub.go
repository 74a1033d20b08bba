package httpapi

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/sandboxwatch/schema"
)

// Hub broadcasts stream events per sandbox.
type Hub struct {
	mu        sync.Mutex
	sandboxes map[schema.SandboxID]map[*subscriber]struct{}
	depth     int
	log       pslog.Logger
}

type subscriber struct {
	events chan schema.StreamEvent
	kicked chan struct{}
}

// NewHub constructs a hub with the given per-subscriber buffer depth.
func NewHub(depth int, logger pslog.Logger) *Hub {
	if depth <= 0 {
		depth = 256
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Hub{
		sandboxes: make(map[schema.SandboxID]map[*subscriber]struct{}),
		depth:     depth,
		log:       logger,
	}
}

// Subscribe registers a stream connection for a sandbox. The kicked
// channel closes when Kick drops the connection.
func (h *Hub) Subscribe(sandboxID schema.SandboxID) (events <-chan schema.StreamEvent, kicked <-chan struct{}, unsubscribe func()) {
	sub := &subscriber{
		events: make(chan schema.StreamEvent, h.depth),
		kicked: make(chan struct{}),
	}
	h.mu.Lock()
	subs := h.sandboxes[sandboxID]
	if subs == nil {
		subs = make(map[*subscriber]struct{})
		h.sandboxes[sandboxID] = subs
	}
	subs[sub] = struct{}{}
	count := len(subs)
	h.mu.Unlock()
	log := h.log.With("sandbox", sandboxID)
	log.Info("hub subscribe", "subs", count)
	var once sync.Once
	return sub.events, sub.kicked, func() {
		once.Do(func() {
			h.mu.Lock()
			remaining := h.removeLocked(sandboxID, sub)
			h.mu.Unlock()
			log.Info("hub unsubscribe", "subs", remaining)
		})
	}
}

// Subscribers returns the number of live stream connections for a sandbox.
func (h *Hub) Subscribers(sandboxID schema.SandboxID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sandboxes[sandboxID])
}

// Kick drops every live stream connection of the sandbox and returns how
// many were dropped.
func (h *Hub) Kick(sandboxID schema.SandboxID) int {
	h.mu.Lock()
	subs := h.sandboxes[sandboxID]
	delete(h.sandboxes, sandboxID)
	h.mu.Unlock()
	for sub := range subs {
		close(sub.kicked)
	}
	h.log.Info("hub kick", "sandbox", sandboxID, "subs", len(subs))
	return len(subs)
}

// Publish sends an event to every stream connection of the sandbox.
func (h *Hub) Publish(sandboxID schema.SandboxID, event schema.StreamEvent) {
	h.mu.Lock()
	subs := h.sandboxes[sandboxID]
	dropped := 0
	for sub := range subs {
		select {
		case sub.events <- event:
		default:
			dropped++
		}
	}
	h.mu.Unlock()
	if dropped > 0 {
		h.log.Warn("hub event dropped", "sandbox", sandboxID, "type", string(event.Meta().Type), "dropped", dropped)
	}
}

func (h *Hub) removeLocked(sandboxID schema.SandboxID, sub *subscriber) int {
	subs := h.sandboxes[sandboxID]
	if subs == nil {
		return 0
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.sandboxes, sandboxID)
	}
	return len(subs)
}
