package eventbus

import (
	"errors"
	"testing"
	"time"

	"pkt.systems/sandboxwatch/schema"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("sbx-1")
	defer cancel()

	bus.OnCommand("sbx-1", schema.CommandRecord{ID: "c1", Command: "ls"})

	select {
	case got := <-ch:
		if got.Type != EventCommand {
			t.Fatalf("expected command event, got %v", got.Type)
		}
		if got.SandboxID != "sbx-1" || got.Command.ID != "c1" {
			t.Fatalf("unexpected payload: %+v", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for event")
	}
}

func TestPublishIsScopedToSandbox(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("sbx-1")
	defer cancel()

	bus.OnError("sbx-2", errors.New("other"))
	bus.OnStateChange("sbx-1", schema.StateConnecting, schema.StateConnected)

	got := <-ch
	if got.Type != EventState || got.To != schema.StateConnected {
		t.Fatalf("expected own state event first, got %+v", got)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %+v", extra)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe("sbx-1")
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed")
	}
	bus.OnCommand("sbx-1", schema.CommandRecord{ID: "late"})
}

func TestPublishDoesNotBlockWhenFull(t *testing.T) {
	bus := New(nil)
	bus.depth = 1
	_, cancel := bus.Subscribe("sbx-1")
	defer cancel()

	var sendCh chan Event
	bus.mu.Lock()
	for ch := range bus.subs["sbx-1"] {
		sendCh = ch
		break
	}
	bus.mu.Unlock()
	if sendCh == nil {
		t.Fatalf("expected subscriber channel")
	}
	sendCh <- Event{Type: EventCommand}
	done := make(chan struct{})
	go func() {
		bus.OnCommand("sbx-1", schema.CommandRecord{ID: "c2"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("publish blocked on full channel")
	}
}
