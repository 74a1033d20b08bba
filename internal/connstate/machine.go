// Package connstate tracks the lifecycle of a stream subscription's
// transport.
package connstate

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"pkt.systems/sandboxwatch/schema"
)

// Trigger is a discrete signal that may move the machine.
type Trigger string

const (
	// TriggerOpen starts a connection attempt.
	TriggerOpen Trigger = "open"
	// TriggerOpened reports the transport opened.
	TriggerOpened Trigger = "opened"
	// TriggerFail reports the transport failed or closed.
	TriggerFail Trigger = "fail"
	// TriggerTimer reports the reconnect timer fired.
	TriggerTimer Trigger = "timer"
	// TriggerClose is the consumer unsubscribing.
	TriggerClose Trigger = "close"
)

// ErrTerminal is returned for any trigger after the machine closed.
var ErrTerminal = errors.New("connection state is terminal")

// TransitionError reports a trigger that is not valid in the current state.
type TransitionError struct {
	From    schema.ConnectionState
	Trigger Trigger
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid trigger %q in state %s", e.Trigger, e.From)
}

// Transition describes one state change.
type Transition struct {
	From    schema.ConnectionState
	To      schema.ConnectionState
	Trigger Trigger
}

// Observer is notified after every transition.
type Observer func(Transition)

// Machine is the connection state machine. Triggers must be serialized by
// the owner; State may be read from any goroutine.
type Machine struct {
	state     atomic.Int32
	mu        sync.Mutex
	observers []Observer
}

// New returns a machine in StateDisconnected.
func New() *Machine {
	m := &Machine{}
	m.state.Store(int32(schema.StateDisconnected))
	return m
}

// State returns the current state.
func (m *Machine) State() schema.ConnectionState {
	return schema.ConnectionState(m.state.Load())
}

// Observe registers an observer.
func (m *Machine) Observe(fn Observer) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Open moves Disconnected to Connecting.
func (m *Machine) Open() (Transition, error) {
	return m.fire(TriggerOpen, func(from schema.ConnectionState) (schema.ConnectionState, bool) {
		return schema.StateConnecting, from == schema.StateDisconnected
	})
}

// Opened moves Connecting to Connected.
func (m *Machine) Opened() (Transition, error) {
	return m.fire(TriggerOpened, func(from schema.ConnectionState) (schema.ConnectionState, bool) {
		return schema.StateConnected, from == schema.StateConnecting
	})
}

// Fail moves Connecting or Connected to Reconnecting when retry is allowed,
// otherwise to Closed.
func (m *Machine) Fail(retry bool) (Transition, error) {
	return m.fire(TriggerFail, func(from schema.ConnectionState) (schema.ConnectionState, bool) {
		valid := from == schema.StateConnecting || from == schema.StateConnected
		if retry {
			return schema.StateReconnecting, valid
		}
		return schema.StateClosed, valid
	})
}

// TimerFired moves Reconnecting to Connecting.
func (m *Machine) TimerFired() (Transition, error) {
	return m.fire(TriggerTimer, func(from schema.ConnectionState) (schema.ConnectionState, bool) {
		return schema.StateConnecting, from == schema.StateReconnecting
	})
}

// Close moves any state to Closed. Closing a closed machine is a no-op that
// reports changed=false.
func (m *Machine) Close() (Transition, bool) {
	from := m.State()
	if from == schema.StateClosed {
		return Transition{From: from, To: from, Trigger: TriggerClose}, false
	}
	tr := Transition{From: from, To: schema.StateClosed, Trigger: TriggerClose}
	m.state.Store(int32(schema.StateClosed))
	m.notify(tr)
	return tr, true
}

func (m *Machine) fire(trigger Trigger, next func(schema.ConnectionState) (schema.ConnectionState, bool)) (Transition, error) {
	from := m.State()
	if from == schema.StateClosed {
		return Transition{From: from, To: from, Trigger: trigger}, ErrTerminal
	}
	to, ok := next(from)
	if !ok {
		return Transition{From: from, To: from, Trigger: trigger}, &TransitionError{From: from, Trigger: trigger}
	}
	tr := Transition{From: from, To: to, Trigger: trigger}
	m.state.Store(int32(to))
	m.notify(tr)
	return tr, nil
}

func (m *Machine) notify(tr Transition) {
	m.mu.Lock()
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(tr)
	}
}
