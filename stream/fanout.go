package stream

import "pkt.systems/sandboxwatch/schema"

// Fanout forwards every event to each sink in order.
type Fanout []EventSink

func (f Fanout) OnStateChange(sandboxID schema.SandboxID, from, to schema.ConnectionState) {
	for _, sink := range f {
		if sink == nil {
			continue
		}
		sink.OnStateChange(sandboxID, from, to)
	}
}

func (f Fanout) OnConnected(sandboxID schema.SandboxID, info schema.ConnectionInfo) {
	for _, sink := range f {
		if sink == nil {
			continue
		}
		sink.OnConnected(sandboxID, info)
	}
}

func (f Fanout) OnCommand(sandboxID schema.SandboxID, record schema.CommandRecord) {
	for _, sink := range f {
		if sink == nil {
			continue
		}
		sink.OnCommand(sandboxID, record)
	}
}

func (f Fanout) OnFileChange(sandboxID schema.SandboxID, event schema.FileChangeEvent) {
	for _, sink := range f {
		if sink == nil {
			continue
		}
		sink.OnFileChange(sandboxID, event)
	}
}

func (f Fanout) OnError(sandboxID schema.SandboxID, err error) {
	for _, sink := range f {
		if sink == nil {
			continue
		}
		sink.OnError(sandboxID, err)
	}
}
