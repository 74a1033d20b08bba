package stream

import (
	"pkt.systems/sandboxwatch/schema"
)

// EventSink receives subscription events. Calls happen on the subscription's
// dispatch path with its lock held: implementations must return quickly and
// must not call back into the Subscription.
type EventSink interface {
	OnStateChange(sandboxID schema.SandboxID, from, to schema.ConnectionState)
	OnConnected(sandboxID schema.SandboxID, info schema.ConnectionInfo)
	// OnCommand receives the merged record after every ledger change.
	OnCommand(sandboxID schema.SandboxID, record schema.CommandRecord)
	OnFileChange(sandboxID schema.SandboxID, event schema.FileChangeEvent)
	// OnError receives non-terminal decode and transport errors, and the
	// terminal error once.
	OnError(sandboxID schema.SandboxID, err error)
}

// NopSink ignores everything. Embed it to implement a subset of EventSink.
type NopSink struct{}

func (NopSink) OnStateChange(schema.SandboxID, schema.ConnectionState, schema.ConnectionState) {}
func (NopSink) OnConnected(schema.SandboxID, schema.ConnectionInfo)                            {}
func (NopSink) OnCommand(schema.SandboxID, schema.CommandRecord)                               {}
func (NopSink) OnFileChange(schema.SandboxID, schema.FileChangeEvent)                          {}
func (NopSink) OnError(schema.SandboxID, error)                                                {}
