package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"pkt.systems/sandboxwatch/schema"
)

type wireFrame struct {
	Type      schema.EventType `json:"type"`
	Timestamp string           `json:"timestamp"`
	Data      json.RawMessage  `json:"data,omitempty"`
	SandboxID schema.SandboxID `json:"sandbox_id,omitempty"`
}

type wireConnection struct {
	SandboxID   schema.SandboxID    `json:"sandbox_id"`
	SandboxName string              `json:"sandbox_name"`
	State       schema.SandboxState `json:"state"`
	IPAddress   string              `json:"ip_address,omitempty"`
}

type wireCommand struct {
	CommandID schema.CommandID `json:"command_id,omitempty"`
	ID        schema.CommandID `json:"id,omitempty"`
	Command   string           `json:"command"`
	Stdout    *string          `json:"stdout,omitempty"`
	Stderr    *string          `json:"stderr,omitempty"`
	ExitCode  *int             `json:"exit_code,omitempty"`
	StartedAt string           `json:"started_at,omitempty"`
	EndedAt   string           `json:"ended_at,omitempty"`
}

type wireSnapshot struct {
	Commands []json.RawMessage `json:"commands"`
	Total    int               `json:"total"`
}

// Encode renders an event as a stream frame.
func Encode(event schema.StreamEvent) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("encode: nil event")
	}
	meta := event.Meta()
	frame := wireFrame{
		Type:      meta.Type,
		Timestamp: formatTime(meta.Timestamp),
		SandboxID: meta.SandboxID,
	}
	var data any
	switch e := event.(type) {
	case schema.ConnectedEvent:
		frame.Type = schema.EventConnected
		data = wireConnection{
			SandboxID:   e.Info.SandboxID,
			SandboxName: e.Info.SandboxName,
			State:       e.Info.State,
			IPAddress:   e.Info.IPAddress,
		}
	case schema.CommandHistoryEvent:
		frame.Type = schema.EventCommandHistory
		data = toWireCommand(e.Record, false)
	case schema.CommandUpdateEvent:
		frame.Type = schema.EventCommandNew
		data = toWireCommand(e.Record, false)
	case schema.HeartbeatEvent:
		frame.Type = schema.EventHeartbeat
	case schema.FileChangeEvent:
		frame.Type = schema.EventFileChange
		frame.Data = e.Payload
	default:
		return nil, fmt.Errorf("encode: unsupported event %T", event)
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s data: %w", frame.Type, err)
		}
		frame.Data = raw
	}
	return json.Marshal(frame)
}

// EncodeSnapshot renders the commands list response.
func EncodeSnapshot(records []schema.CommandRecord) ([]byte, error) {
	out := wireSnapshot{Commands: make([]json.RawMessage, 0, len(records)), Total: len(records)}
	for _, record := range records {
		raw, err := json.Marshal(toWireCommand(record, true))
		if err != nil {
			return nil, err
		}
		out.Commands = append(out.Commands, raw)
	}
	return json.Marshal(out)
}

// DecodeSnapshot parses the commands list response. Entries that lack an id
// or command are skipped and counted.
func DecodeSnapshot(body []byte) ([]schema.CommandRecord, int, error) {
	var snap wireSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, 0, fmt.Errorf("decode snapshot: %w", err)
	}
	records := make([]schema.CommandRecord, 0, len(snap.Commands))
	skipped := 0
	for _, raw := range snap.Commands {
		record, err := DecodeCommand(raw)
		if err != nil {
			skipped++
			continue
		}
		records = append(records, record)
	}
	return records, skipped, nil
}

func toWireCommand(record schema.CommandRecord, snapshot bool) wireCommand {
	out := wireCommand{
		Command:   record.Command,
		Stdout:    record.Stdout,
		Stderr:    record.Stderr,
		ExitCode:  record.ExitCode,
		StartedAt: formatTime(record.StartedAt),
	}
	if snapshot {
		out.ID = record.ID
	} else {
		out.CommandID = record.ID
	}
	if record.EndedAt != nil {
		out.EndedAt = formatTime(*record.EndedAt)
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
